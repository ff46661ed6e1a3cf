package audit

import (
	"context"
	"sync"
)

// MemoryRepo collects events in append order. Handler tests use it in place
// of the Postgres repository; nothing production-facing should.
type MemoryRepo struct {
	mu      sync.RWMutex
	entries []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything appended so far.
func (r *MemoryRepo) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.entries...)
}
