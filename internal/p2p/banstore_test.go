package p2p

import (
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestBanStore_PutGetDelete(t *testing.T) {
	bs := NewBanStore(storage.NewMemory())

	id := peer.ID("test-peer-1")
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    "bad-pow",
		Score:     100,
		BannedAt:  testNow.Unix(),
		ExpiresAt: testNow.Add(BanDuration).Unix(),
	}
	if err := bs.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := bs.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *rec {
		t.Errorf("record mismatch: got %+v, want %+v", got, rec)
	}

	if err := bs.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bs.Get(id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestBanStore_Namespace(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)
	db.Put([]byte("peer/x"), []byte("{}"))

	bs.Put(&BanRecord{ID: "a"})
	if ok, _ := db.Has([]byte("ban/a")); !ok {
		t.Error("ban record should live under ban/")
	}

	if err := bs.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := db.Has([]byte("ban/a")); ok {
		t.Error("Clear left a ban record")
	}
	if ok, _ := db.Has([]byte("peer/x")); !ok {
		t.Error("Clear removed a key outside the namespace")
	}
}

func TestBanStore_PruneExpired(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)

	bs.Put(&BanRecord{ID: "expired", ExpiresAt: testNow.Add(-time.Hour).Unix()})
	bs.Put(&BanRecord{ID: "active", ExpiresAt: testNow.Add(time.Hour).Unix()})
	bs.Put(&BanRecord{ID: "permanent"})
	db.Put([]byte("ban/corrupt"), []byte("not json"))

	n, err := bs.PruneExpired(testNow)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}

	var left []string
	bs.ForEach(func(rec *BanRecord) error {
		left = append(left, rec.ID)
		return nil
	})
	if len(left) != 2 || left[0] != "active" || left[1] != "permanent" {
		t.Errorf("remaining = %v", left)
	}
}
