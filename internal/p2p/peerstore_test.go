package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestPeerStore_SaveLoad(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	id := peer.ID("peer-1")

	rec := PeerRecord{
		ID:         id.String(),
		Addrs:      []string{"/ip4/192.168.1.1/tcp/8555"},
		LastSeen:   testNow.Unix(),
		BestHeight: 840000,
	}
	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := ps.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != rec.ID || got.BestHeight != rec.BestHeight || len(got.Addrs) != 1 {
		t.Errorf("loaded %+v, want %+v", got, rec)
	}

	if err := ps.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ps.Load(id); err == nil {
		t.Error("Load after Delete should fail")
	}
}

func TestPeerStore_LoadAllByHeight(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	for i, h := range []int32{5, 50, 20} {
		ps.Save(PeerRecord{ID: fmt.Sprintf("p%d", i), LastSeen: testNow.Unix(), BestHeight: h})
	}

	recs, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, want := range []int32{50, 20, 5} {
		if recs[i].BestHeight != want {
			t.Errorf("recs[%d].BestHeight = %d, want %d", i, recs[i].BestHeight, want)
		}
	}
}

func TestPeerStore_Capacity(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	for i := 0; i < maxPersistedPeers; i++ {
		if err := ps.Save(PeerRecord{ID: peer.ID(fmt.Sprintf("p%04d", i)).String()}); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	ps.Save(PeerRecord{ID: "overflow"})
	if n, _ := ps.Count(); n != maxPersistedPeers {
		t.Errorf("Count = %d, want %d", n, maxPersistedPeers)
	}

	// Known peers still update at capacity.
	ps.Save(PeerRecord{ID: peer.ID("p0000").String(), BestHeight: 9})
	got, err := ps.Load(peer.ID("p0000"))
	if err != nil || got.BestHeight != 9 {
		t.Errorf("update at capacity: %+v, %v", got, err)
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	db := storage.NewMemory()
	ps := NewPeerStore(db)

	ps.Save(PeerRecord{ID: "old", LastSeen: testNow.Add(-48 * time.Hour).Unix()})
	ps.Save(PeerRecord{ID: "new", LastSeen: testNow.Unix()})
	db.Put([]byte("peer/corrupt"), []byte("{"))

	n, err := ps.PruneStale(testNow.Add(-staleThreshold))
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	if c, _ := ps.Count(); c != 1 {
		t.Errorf("Count = %d, want 1", c)
	}
}

func TestPeerRecord_AddrInfo(t *testing.T) {
	id := generateTestPeerID(t)

	rec := PeerRecord{ID: id.String(), Addrs: []string{"garbage", "/ip4/10.0.0.1/tcp/8555"}}
	info, ok := rec.addrInfo()
	if !ok || info.ID != id || len(info.Addrs) != 1 {
		t.Errorf("addrInfo = %+v, %v", info, ok)
	}

	if _, ok := (PeerRecord{ID: id.String(), Addrs: []string{"garbage"}}).addrInfo(); ok {
		t.Error("record without usable addresses should not be dialable")
	}
	if _, ok := (PeerRecord{ID: "not-a-peer-id"}).addrInfo(); ok {
		t.Error("bad peer ID should not be dialable")
	}
}
