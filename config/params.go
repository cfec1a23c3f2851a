package config

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// =============================================================================
// Protocol Rules (compiled in, identical for every client on a network)
// =============================================================================

// Checkpoint pins the header hash expected at a height.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
}

// ChainParams holds the header-chain rules of one network.
type ChainParams struct {
	Name string

	// Root of the header tree.
	GenesisHeader wire.BlockHeader

	// Proof of work.
	PowLimit     *big.Int
	PowLimitBits uint32

	// Difficulty schedule.
	TargetSpacing       time.Duration
	RetargetInterval    int32 // headers per legacy retarget window
	TargetTimespan      time.Duration
	RetargetClamp       int64 // legacy timespan clamp factor
	ReduceMinDifficulty bool  // testnet 20-minute rule
	NoRetargeting       bool  // regtest: bits never change

	// Fork heights, expressed as the parent height from which the rule
	// applies to the next header.
	UAHFHeight int32 // emergency adjustment (EDA) starts
	DAAHeight  int32 // cw-144 adjustment replaces EDA

	// Checkpoints anchoring the intended lineage, sorted by height.
	Checkpoints []Checkpoint

	// Chain selection policy.
	MaxReorgDepth  int32
	MaxFutureDrift time.Duration
	MaxPastDrift   time.Duration
}

// GenesisHash returns the hash of the genesis header.
func (p *ChainParams) GenesisHash() chainhash.Hash {
	return p.GenesisHeader.BlockHash()
}

// Policy defaults shared by every network. Timestamps may run up to two
// hours ahead of local time, matching the node network's own bound, and
// may step back by the same amount relative to the parent.
const (
	DefaultMaxReorgDepth  int32 = 100
	DefaultMaxFutureDrift       = 2 * time.Hour
	DefaultMaxPastDrift         = 2 * time.Hour
)

// ParamsFor returns a fresh copy of the chain parameters for a network.
func ParamsFor(network NetworkType) *ChainParams {
	switch network {
	case Testnet:
		return TestnetParams()
	case Regtest:
		return RegtestParams()
	default:
		return MainnetParams()
	}
}

var bsvGenesisMerkleRoot = mustHash("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")

// MainnetParams returns the Bitcoin SV mainnet rules.
func MainnetParams() *ChainParams {
	return &ChainParams{
		Name: "mainnet",
		GenesisHeader: wire.BlockHeader{
			Version:    1,
			MerkleRoot: bsvGenesisMerkleRoot,
			Timestamp:  time.Unix(1231006505, 0),
			Bits:       0x1d00ffff,
			Nonce:      2083236893,
		},
		PowLimit:         mainPowLimit(),
		PowLimitBits:     0x1d00ffff,
		TargetSpacing:    10 * time.Minute,
		RetargetInterval: 2016,
		TargetTimespan:   14 * 24 * time.Hour,
		RetargetClamp:    4,
		UAHFHeight:       478558,
		DAAHeight:        504031,
		Checkpoints: []Checkpoint{
			{Height: 11111, Hash: mustHash("0000000069e244f73d78e8fd29ba2fd2ed618bd6fa2ee92559f542fdb26e7c1d")},
			{Height: 33333, Hash: mustHash("000000002dd5588a74784eaa7ab0507a18ad16a236e7b1ce69f00d7ddfb5d0a6")},
			{Height: 74000, Hash: mustHash("0000000000573993a3c9e41ce34471c079dcf5f52a0e824a81e7f953b8661a20")},
			{Height: 105000, Hash: mustHash("00000000000291ce28027faea320c8d2b054b2e0fe44a773f3eefb151d6bdc97")},
			{Height: 134444, Hash: mustHash("00000000000005b12ffd4cd315cd34ffd4a594f430ac814c91184a0d42d2b0fe")},
			{Height: 168000, Hash: mustHash("000000000000099e61ea72015e79632f216fe6cb33d7899acb35b75c8303b763")},
			{Height: 193000, Hash: mustHash("000000000000059f452a5f7340de6682a977387c17010ff6e6c3bd83ca8b1317")},
			{Height: 210000, Hash: mustHash("000000000000048b95347e83192f69cf0366076336c639f9b7228e9ba171342e")},
			{Height: 216116, Hash: mustHash("00000000000001b4f4b433e81ee46494af945cf96014816a4e2370f11b23df4e")},
			{Height: 225430, Hash: mustHash("00000000000001c108384350f74090433e7fcf79a606b8e797f065b130575932")},
			{Height: 250000, Hash: mustHash("000000000000003887df1f29024b06fc2200b55f8af8f35453d7be294df2d214")},
			{Height: 279000, Hash: mustHash("0000000000000001ae8c72a0b0c301f67e3afca10e819efa9041e458e9bd7e40")},
			{Height: 295000, Hash: mustHash("00000000000000004d9b4ef50f0f9d686fd69db2e03af35a100370c64632a983")},
			// First block after the August 2017 split.
			{Height: 478559, Hash: mustHash("000000000000000000651ef99cb9fcbe0dadde1d424bd9f15ff20136191a5eec")},
			// First block after the November 2018 split.
			{Height: 556767, Hash: mustHash("000000000000000001d956714215d96ffc00e0afda4cd0a96c96f8d802b1662b")},
		},
		MaxReorgDepth:  DefaultMaxReorgDepth,
		MaxFutureDrift: DefaultMaxFutureDrift,
		MaxPastDrift:   DefaultMaxPastDrift,
	}
}

// TestnetParams returns the Bitcoin SV testnet rules.
func TestnetParams() *ChainParams {
	p := MainnetParams()
	p.Name = "testnet"
	p.GenesisHeader.Timestamp = time.Unix(1296688602, 0)
	p.GenesisHeader.Nonce = 414098458
	p.ReduceMinDifficulty = true
	p.UAHFHeight = 1155875
	p.DAAHeight = 1188697
	p.Checkpoints = []Checkpoint{
		{Height: 546, Hash: mustHash("000000002a936ca763904c3c35fce2f3556c559c0214345d31b1bcebf76acb70")},
		{Height: 1155876, Hash: mustHash("00000000000e38fef93ed9582a7df43815d5c2ba9fd37ef70c9a0ea4a285b8f5")},
	}
	return p
}

// RegtestParams returns rules for a private test network: minimal
// difficulty that never changes and no checkpoints.
func RegtestParams() *ChainParams {
	p := MainnetParams()
	p.Name = "regtest"
	p.GenesisHeader.Timestamp = time.Unix(1296688602, 0)
	p.GenesisHeader.Bits = 0x207fffff
	p.GenesisHeader.Nonce = 2
	p.PowLimit = regtestPowLimit()
	p.PowLimitBits = 0x207fffff
	p.ReduceMinDifficulty = true
	p.NoRetargeting = true
	p.UAHFHeight = 0
	p.DAAHeight = 0
	p.Checkpoints = nil
	return p
}

// mainPowLimit is 2^224 - 1.
func mainPowLimit() *big.Int {
	one := big.NewInt(1)
	return new(big.Int).Sub(new(big.Int).Lsh(one, 224), one)
}

// regtestPowLimit is 2^255 - 1.
func regtestPowLimit() *big.Int {
	one := big.NewInt(1)
	return new(big.Int).Sub(new(big.Int).Lsh(one, 255), one)
}

func mustHash(s string) chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic("config: bad hash constant " + s)
	}
	return *h
}
