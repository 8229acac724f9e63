package main

import (
	"sort"
	"sync"
	"time"

	"github.com/machinefabric/shardrpc-go/cmd/internal/shardproto"
	"github.com/machinefabric/shardrpc-go/rpc"
)

// workerEntry is one attached worker.
type workerEntry struct {
	WorkerID   uint32
	ShardID    uint32
	Conn       *rpc.Conn
	AttachedAt time.Time

	// Last reported state; guarded by registry.mu.
	Index *shardproto.ShardIndexInfo
	Stats *shardproto.WorkerStats
}

// registry tracks attached workers by worker id.
type registry struct {
	mu      sync.RWMutex
	workers map[uint32]*workerEntry
}

func newRegistry() *registry {
	return &registry{workers: make(map[uint32]*workerEntry)}
}

// register adds e and returns a function that removes it again.
func (r *registry) register(e *workerEntry) func() {
	r.mu.Lock()
	r.workers[e.WorkerID] = e
	r.mu.Unlock()
	return func() { r.remove(e.WorkerID) }
}

func (r *registry) remove(workerID uint32) {
	r.mu.Lock()
	delete(r.workers, workerID)
	r.mu.Unlock()
}

func (r *registry) get(workerID uint32) (*workerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[workerID]
	return e, ok
}

// snapshot returns the attached workers ordered by worker id.
func (r *registry) snapshot() []*workerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workerEntry, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// forShard lists the workers serving shardID.
func (r *registry) forShard(shardID uint32) []*workerEntry {
	var out []*workerEntry
	for _, e := range r.snapshot() {
		if e.ShardID == shardID {
			out = append(out, e)
		}
	}
	return out
}

func (r *registry) setIndex(workerID uint32, info shardproto.ShardIndexInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[workerID]; ok {
		e.Index = &info
	}
}

func (r *registry) setStats(workerID uint32, stats shardproto.WorkerStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[workerID]; ok {
		e.Stats = &stats
	}
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
