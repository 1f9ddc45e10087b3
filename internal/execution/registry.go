package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/wonny/factorscreen/internal/contracts"
)

// Registry is the process-wide map of execution records, keyed by id.
// Records are inserted on submit and removed by the retention job.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Put inserts a record
func (r *Registry) Put(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID()] = rec
}

// Get returns a record or ErrNotFound
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return rec, nil
}

// Remove deletes a record
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// List returns snapshots of every record, newest first
func (r *Registry) List() []*Snapshot {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]*Snapshot, len(recs))
	for i, rec := range recs {
		out[i] = rec.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// PruneTerminal removes terminal records that ended before the cutoff.
// Running records are never removed.
func (r *Registry) PruneTerminal(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.records {
		ended, ok := rec.EndedAt()
		if ok && ended.Before(before) {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}
