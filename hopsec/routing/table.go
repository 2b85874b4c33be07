package routing

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

type record struct {
	addrs    []Address
	worker   Worker
	mailbox  *Mailbox
	ctx      *Context
	detached bool
	done     chan struct{}
}

type tableShard struct {
	mu      sync.RWMutex
	entries map[Address]*record
}

// table is the routing table. Lookups take a read lock on one shard only.
type table struct {
	shards []tableShard
}

func newTable(n int) *table {
	if n <= 0 {
		n = defaultShards
	}
	t := &table{shards: make([]tableShard, n)}
	for i := range t.shards {
		t.shards[i].entries = make(map[Address]*record)
	}
	return t
}

func (t *table) shard(a Address) *tableShard {
	h := xxhash.Sum64String(a.Value) + uint64(a.Transport)
	return &t.shards[h%uint64(len(t.shards))]
}

func (t *table) lookup(a Address) (*record, bool) {
	s := t.shard(a)
	s.mu.RLock()
	rec, ok := s.entries[a]
	s.mu.RUnlock()
	return rec, ok
}

func (t *table) contains(a Address) bool {
	_, ok := t.lookup(a)
	return ok
}

func (t *table) insert(a Address, rec *record) {
	s := t.shard(a)
	s.mu.Lock()
	s.entries[a] = rec
	s.mu.Unlock()
}

func (t *table) remove(a Address) {
	s := t.shard(a)
	s.mu.Lock()
	delete(s.entries, a)
	s.mu.Unlock()
}
