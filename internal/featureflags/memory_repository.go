package featureflags

import (
	"context"
	"sync"
)

// InMemoryRepository keeps flags in process memory. Used by tests and
// single-node setups without a database.
type InMemoryRepository struct {
	mu    sync.RWMutex
	flags map[string]Flag
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository(initial ...*Flag) *InMemoryRepository {
	r := &InMemoryRepository{flags: make(map[string]Flag, len(initial))}
	for _, f := range initial {
		r.flags[f.Key] = *f
	}
	return r
}

// List returns copies of the stored flags.
func (r *InMemoryRepository) List(_ context.Context) (map[string]*Flag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Flag, len(r.flags))
	for key, f := range r.flags {
		out[key] = &f
	}
	return out, nil
}

// Save stores copies of flags.
func (r *InMemoryRepository) Save(_ context.Context, flags []*Flag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range flags {
		r.flags[f.Key] = *f
	}
	return nil
}

// Delete removes a stored flag.
func (r *InMemoryRepository) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.flags[key]; !ok {
		return ErrFlagNotFound
	}
	delete(r.flags, key)
	return nil
}
