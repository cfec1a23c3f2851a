package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrStoreCorrupt is returned when persisted headers fail their integrity
// checks. The header directory has to be removed and synced again.
var ErrStoreCorrupt = errors.New("header store corrupt")

// Index keys, all under the hdr/ namespace of the node database.
var (
	indexPrefix  = []byte("hdr/")
	keyTip       = []byte("m/tip")     // active tip hash
	keyWork      = []byte("m/work")    // cumulative work of the tip
	keyCount     = []byte("m/count")   // records in the log when written
	keyVersion   = []byte("m/version") // view version
	prefixFailed = []byte("f/")        // f/<hash> -> excluded record
)

// journal persists linked headers in an append log, in link order, and a
// small index describing the active tip.
type journal struct {
	log   *storage.AppendLog
	index *storage.PrefixDB
}

type journalIndex struct {
	found   bool
	tip     chainhash.Hash
	work    *big.Int
	count   int64
	version uint64
}

func openJournal(path string, db storage.DB) (*journal, error) {
	l, err := storage.OpenAppendLog(path, header.Size)
	if err != nil {
		return nil, err
	}
	return &journal{log: l, index: storage.NewPrefixDB(db, indexPrefix)}, nil
}

// append writes recs and flushes them before any index refers to them.
func (j *journal) append(recs []*HeaderRecord) error {
	payloads := make([][]byte, len(recs))
	for i, r := range recs {
		payloads[i] = r.Raw()
	}
	if _, err := j.log.Append(payloads...); err != nil {
		return fmt.Errorf("append headers: %w", err)
	}
	if err := j.log.Sync(); err != nil {
		return fmt.Errorf("sync header log: %w", err)
	}
	return nil
}

// commit records the active tip and newly excluded hashes atomically.
func (j *journal) commit(tip *HeaderRecord, version uint64, failed []chainhash.Hash) error {
	b := j.index.NewBatch()
	var buf [8]byte

	if err := b.Put(keyTip, tip.Hash[:]); err != nil {
		return err
	}
	if err := b.Put(keyWork, tip.CumulativeWork.Bytes()); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(buf[:], uint64(j.log.Count()))
	if err := b.Put(keyCount, buf[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(buf[:], version)
	if err := b.Put(keyVersion, buf[:]); err != nil {
		return err
	}
	for _, h := range failed {
		if err := b.Put(failedKey(h), []byte{1}); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("commit header index: %w", err)
	}
	return nil
}

func (j *journal) readIndex() (journalIndex, error) {
	var idx journalIndex

	tip, err := j.index.Get(keyTip)
	if errors.Is(err, storage.ErrNotFound) {
		return idx, nil
	}
	if err != nil {
		return idx, fmt.Errorf("read tip: %w", err)
	}
	if len(tip) != chainhash.HashSize {
		return idx, fmt.Errorf("%w: tip entry has %d bytes", ErrStoreCorrupt, len(tip))
	}
	copy(idx.tip[:], tip)

	work, err := j.index.Get(keyWork)
	if err != nil {
		return idx, fmt.Errorf("%w: read work: %v", ErrStoreCorrupt, err)
	}
	idx.work = new(big.Int).SetBytes(work)

	count, err := j.index.Get(keyCount)
	if err != nil || len(count) != 8 {
		return idx, fmt.Errorf("%w: bad count entry", ErrStoreCorrupt)
	}
	idx.count = int64(binary.BigEndian.Uint64(count))

	version, err := j.index.Get(keyVersion)
	if err != nil || len(version) != 8 {
		return idx, fmt.Errorf("%w: bad version entry", ErrStoreCorrupt)
	}
	idx.version = binary.BigEndian.Uint64(version)

	idx.found = true
	return idx, nil
}

func (j *journal) failedHashes() ([]chainhash.Hash, error) {
	var out []chainhash.Hash
	err := j.index.ForEach(prefixFailed, func(key, _ []byte) error {
		raw := key[len(prefixFailed):]
		if len(raw) != chainhash.HashSize {
			return fmt.Errorf("%w: bad failed key", ErrStoreCorrupt)
		}
		var h chainhash.Hash
		copy(h[:], raw)
		out = append(out, h)
		return nil
	})
	return out, err
}

// replay decodes every logged header in order.
func (j *journal) replay(fn func(index int64, h *wire.BlockHeader) error) error {
	err := j.log.Replay(func(index int64, payload []byte) error {
		h, err := header.Parse(payload)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrStoreCorrupt, index, err)
		}
		return fn(index, h)
	})
	if errors.Is(err, storage.ErrChecksumMismatch) {
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	return err
}

func (j *journal) close() error {
	return j.log.Close()
}

func failedKey(h chainhash.Hash) []byte {
	key := make([]byte, 0, len(prefixFailed)+chainhash.HashSize)
	key = append(key, prefixFailed...)
	return append(key, h[:]...)
}
