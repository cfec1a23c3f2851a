package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingspv/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// PeerRecord is a persisted header server we completed a handshake with.
type PeerRecord struct {
	ID         string   `json:"id"`          // base58 peer ID
	Addrs      []string `json:"addrs"`       // multiaddr strings
	LastSeen   int64    `json:"last_seen"`   // unix timestamp
	BestHeight int32    `json:"best_height"` // last known tip height
}

// addrInfo parses the record into dialable form. Bad addresses are skipped.
func (r PeerRecord) addrInfo() (peer.AddrInfo, bool) {
	id, err := peer.Decode(r.ID)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range r.Addrs {
		if a, err := ma.NewMultiaddr(s); err == nil {
			info.Addrs = append(info.Addrs, a)
		}
	}
	return info, len(info.Addrs) > 0
}

// PeerStore persists peer records in the "peer/" namespace of a storage.DB.
type PeerStore struct {
	db *storage.PrefixDB
}

// NewPeerStore creates a new PeerStore backed by the given DB.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: storage.NewPrefixDB(db, []byte("peer/"))}
}

// Save persists a peer record. New peers beyond maxPersistedPeers are
// silently skipped; known peers are always updated.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := []byte(rec.ID)

	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return err
		}
		if count >= maxPersistedPeers {
			return nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// Load retrieves a single peer record by ID.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get([]byte(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns all persisted peer records, best height first.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach(nil, func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].BestHeight > records[j].BestHeight
	})
	return records, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete([]byte(id.String()))
}

// PruneStale removes records last seen before cutoff, and corrupt ones.
// Returns the number pruned.
func (ps *PeerStore) PruneStale(cutoff time.Time) (int, error) {
	var doomed [][]byte
	err := ps.db.ForEach(nil, func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.LastSeen < cutoff.Unix() {
			doomed = append(doomed, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}

	for _, k := range doomed {
		if err := ps.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete stale peer: %w", err)
		}
	}
	return len(doomed), nil
}

// Count returns the number of persisted peer records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach(nil, func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}
