package chain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingspv/config"
	"github.com/Klingon-tech/klingspv/internal/chain/chaintest"
	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/Klingon-tech/klingspv/pkg/crypto"
	"github.com/Klingon-tech/klingspv/pkg/header"
	"github.com/stretchr/testify/require"
)

type persisted struct {
	params *config.ChainParams
	path   string
	db     storage.DB
}

func newPersisted(t *testing.T) *persisted {
	return &persisted{
		params: chaintest.Params(),
		path:   filepath.Join(t.TempDir(), "headers.log"),
		db:     storage.NewMemory(),
	}
}

func (p *persisted) open(t *testing.T) (*Chain, error) {
	t.Helper()
	return New(Options{Params: p.params, LogPath: p.path, DB: p.db})
}

func (p *persisted) mustOpen(t *testing.T) *Chain {
	t.Helper()
	c, err := p.open(t)
	require.NoError(t, err)
	return c
}

func TestJournal_FreshStore(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)
	require.Equal(t, int32(0), c.ActiveChainHeight())
	require.NoError(t, c.Close())

	info, err := os.Stat(p.path)
	require.NoError(t, err)
	require.Equal(t, int64(header.Size+crypto.ChecksumSize), info.Size())

	c = p.mustOpen(t)
	defer c.Close()
	require.Equal(t, 1, c.Len())
}

func TestJournal_ReloadRestoresTip(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)

	a := chaintest.Mine(t, chaintest.Genesis(), 30, 1)
	b := chaintest.Mine(t, a[19], 15, 2)
	process(t, c, a)
	process(t, c, b)
	view := c.View()
	tip := view.Tip()
	require.NoError(t, c.Close())

	c = p.mustOpen(t)
	defer c.Close()
	require.Equal(t, 1+30+15, c.Len())
	require.Equal(t, tip.Hash, c.View().Tip().Hash)
	require.Equal(t, 0, tip.CumulativeWork.Cmp(c.View().Tip().CumulativeWork))
	require.Equal(t, view.Version(), c.View().Version())

	// Loaded records keep their relative first-seen order.
	require.Less(t, c.Get(a[0].BlockHash()).Seq, c.Get(b[0].BlockHash()).Seq)

	res := process(t, c, chaintest.Mine(t, b[14], 1, 2))
	require.Equal(t, view.Version()+1, res.Event.Version)
}

func TestJournal_ReloadKeepsExcludedBranch(t *testing.T) {
	a := chaintest.Mine(t, chaintest.Genesis(), 10, 1)
	p := newPersisted(t)
	p.params.Checkpoints = []config.Checkpoint{{Height: 5, Hash: a[4].BlockHash()}}

	c := p.mustOpen(t)
	b := chaintest.Mine(t, chaintest.Genesis(), 8, 2)
	_, err := c.ProcessHeaders(b)
	require.ErrorIs(t, err, ErrCheckpointFailed)
	require.NoError(t, c.Close())

	c = p.mustOpen(t)
	defer c.Close()
	require.False(t, c.IsDescendantOfCheckpoint(b[4].BlockHash()))
	_, err = c.ProcessHeaders(b[5:])
	require.ErrorIs(t, err, ErrCheckpointFailed)

	// The checkpointed lineage is still open after the restart.
	res, err := c.ProcessHeaders(a)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 10)
	require.Equal(t, a[9].BlockHash(), c.View().Tip().Hash)
}

func TestJournal_FlippedByteIsCorrupt(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)
	process(t, c, chaintest.Mine(t, chaintest.Genesis(), 10, 1))
	require.NoError(t, c.Close())

	raw, err := os.ReadFile(p.path)
	require.NoError(t, err)
	raw[4*(header.Size+crypto.ChecksumSize)+40] ^= 0x01
	require.NoError(t, os.WriteFile(p.path, raw, 0644))

	_, err = p.open(t)
	require.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestJournal_IndexedWorkMismatchIsCorrupt(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)
	process(t, c, chaintest.Mine(t, chaintest.Genesis(), 10, 1))
	require.NoError(t, c.Close())

	require.NoError(t, p.db.Put([]byte("hdr/m/work"), []byte{0x01, 0x00}))
	_, err := p.open(t)
	require.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestJournal_MissingIndexIsCorrupt(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)
	process(t, c, chaintest.Mine(t, chaintest.Genesis(), 3, 1))
	require.NoError(t, c.Close())

	p.db = storage.NewMemory()
	_, err := p.open(t)
	require.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestJournal_WrongGenesisIsCorrupt(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)
	require.NoError(t, c.Close())

	p.params = config.MainnetParams()
	_, err := p.open(t)
	require.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestJournal_TornTailIsDropped(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)
	a := chaintest.Mine(t, chaintest.Genesis(), 5, 1)
	process(t, c, a)
	require.NoError(t, c.Close())

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 40))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c = p.mustOpen(t)
	defer c.Close()
	require.Equal(t, a[4].BlockHash(), c.View().Tip().Hash)
}

func TestJournal_UnindexedTailIsAdopted(t *testing.T) {
	p := newPersisted(t)
	c := p.mustOpen(t)
	a := chaintest.Mine(t, chaintest.Genesis(), 8, 1)
	process(t, c, a[:5])
	require.NoError(t, c.Close())

	// Simulate a crash between appending records and updating the index.
	l, err := storage.OpenAppendLog(p.path, header.Size)
	require.NoError(t, err)
	for _, h := range a[5:] {
		_, err := l.Append(header.Serialize(h))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	c = p.mustOpen(t)
	defer c.Close()
	require.Equal(t, a[7].BlockHash(), c.View().Tip().Hash)
}

func TestJournal_UnindexedTailFailsCheckpoint(t *testing.T) {
	a := chaintest.Mine(t, chaintest.Genesis(), 8, 1)
	p := newPersisted(t)
	p.params.Checkpoints = []config.Checkpoint{{Height: 5, Hash: a[4].BlockHash()}}

	c := p.mustOpen(t)
	process(t, c, a[:4])
	require.NoError(t, c.Close())

	// A heavier fork crossing the checkpoint with the wrong hash reached
	// the log but not the index.
	fork := chaintest.Mine(t, a[3], 6, 2)
	l, err := storage.OpenAppendLog(p.path, header.Size)
	require.NoError(t, err)
	for _, h := range fork {
		_, err := l.Append(header.Serialize(h))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	c = p.mustOpen(t)
	require.Equal(t, a[3].BlockHash(), c.View().Tip().Hash)
	require.Nil(t, c.HeaderAt(5))
	for _, h := range fork {
		require.False(t, c.IsDescendantOfCheckpoint(h.BlockHash()))
	}

	res, err := c.ProcessHeaders(a[4:])
	require.NoError(t, err)
	require.Len(t, res.Accepted, 4)
	require.Equal(t, a[4].BlockHash(), c.HeaderAt(5).Hash)
	require.NoError(t, c.Close())

	// The exclusion found while reloading was written to the index.
	c = p.mustOpen(t)
	defer c.Close()
	require.Equal(t, a[7].BlockHash(), c.View().Tip().Hash)
	require.True(t, c.tracker.IsFailed(fork[0].BlockHash()))
}
