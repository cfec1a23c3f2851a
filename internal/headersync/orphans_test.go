package headersync

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingspv/internal/chain/chaintest"
)

func TestOrphanPool_LimitAndDedupe(t *testing.T) {
	pool := newOrphanPool(2)
	hs := chaintest.Mine(t, chaintest.Genesis(), 3, 1)

	if err := pool.add(peerA, hs[0]); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pool.add(peerA, hs[0]); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if err := pool.add(peerA, hs[1]); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := pool.add(peerA, hs[2]); !errors.Is(err, ErrOrphanFlood) {
		t.Fatalf("third add = %v, want ErrOrphanFlood", err)
	}
	// The limit is per peer.
	if err := pool.add(peerB, hs[2]); err != nil {
		t.Fatalf("other peer: %v", err)
	}
	if pool.count(peerA) != 2 || pool.total() != 3 {
		t.Fatalf("count = %d, total = %d", pool.count(peerA), pool.total())
	}

	if n := pool.dropPeer(peerA); n != 2 {
		t.Fatalf("dropPeer = %d, want 2", n)
	}
	if pool.count(peerA) != 0 || pool.total() != 1 {
		t.Fatalf("after drop: count = %d, total = %d", pool.count(peerA), pool.total())
	}
}

func TestOrphanPool_TakeChildren(t *testing.T) {
	pool := newOrphanPool(10)
	a := chaintest.Mine(t, chaintest.Genesis(), 2, 1)
	b := chaintest.Mine(t, a[0], 1, 2)

	for _, o := range []orphan{{peerA, a[1]}, {peerB, b[0]}, {peerA, a[0]}} {
		if err := pool.add(o.from, o.header); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	children := pool.takeChildren(a[0].BlockHash())
	if len(children) != 2 {
		t.Fatalf("takeChildren = %d orphans, want 2", len(children))
	}
	batches := groupByPeer(children)
	if len(batches) != 2 {
		t.Fatalf("groupByPeer = %d batches, want 2", len(batches))
	}
	for _, b := range batches {
		if len(b.headers) != 1 {
			t.Fatalf("peer %s batch has %d headers", b.from, len(b.headers))
		}
	}
	if got := pool.takeChildren(a[0].BlockHash()); len(got) != 0 {
		t.Fatalf("second take returned %d orphans", len(got))
	}
	if pool.total() != 1 {
		t.Fatalf("total = %d, want 1", pool.total())
	}
}
