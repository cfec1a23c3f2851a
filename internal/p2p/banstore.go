package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string `json:"id"`         // base58 peer ID
	Reason    string `json:"reason"`     // Why banned
	Score     int    `json:"score"`      // Accumulated score at ban time
	BannedAt  int64  `json:"banned_at"`  // Unix timestamp
	ExpiresAt int64  `json:"expires_at"` // Unix timestamp (0 = permanent)
}

// ExpiredAt reports whether the ban has a non-zero expiry at or before now.
func (r *BanRecord) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// BanStore persists ban records in the "ban/" namespace of a storage.DB,
// keyed by peer ID.
type BanStore struct {
	db *storage.PrefixDB
}

// NewBanStore creates a new BanStore backed by the given DB.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: storage.NewPrefixDB(db, []byte("ban/"))}
}

// Get retrieves a ban record by peer ID.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get([]byte(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put([]byte(rec.ID), data)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete([]byte(id.String()))
}

// Clear removes every ban record.
func (bs *BanStore) Clear() error {
	return bs.db.DeleteAll()
}

// ForEach iterates over all ban records. Corrupt records are skipped.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach(nil, func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired removes expired and corrupt ban records. Returns the number
// pruned.
func (bs *BanStore) PruneExpired(now time.Time) (int, error) {
	var doomed [][]byte
	err := bs.db.ForEach(nil, func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.ExpiredAt(now) {
			doomed = append(doomed, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}

	batch := bs.db.NewBatch()
	for _, k := range doomed {
		if err := batch.Delete(k); err != nil {
			return 0, fmt.Errorf("delete expired ban: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(doomed), nil
}
