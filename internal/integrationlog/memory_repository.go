package integrationlog

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
type InMemoryRepository struct {
	seq atomic.Int64

	mu      sync.RWMutex
	entries []*Entry
	errors  map[string]*SyncError
}

// NewInMemoryRepository creates a new in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		errors: make(map[string]*SyncError),
	}
}

// NextSeq reserves the next sequence number.
func (r *InMemoryRepository) NextSeq(_ context.Context) (int64, error) {
	return r.seq.Add(1), nil
}

// AppendEntry stores an entry.
func (r *InMemoryRepository) AppendEntry(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	r.entries = append(r.entries, &c)
	return nil
}

// ListEntries returns entries matching the filter, ordered by sequence.
func (r *InMemoryRepository) ListEntries(_ context.Context, filter EntryFilter) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if e.Seq <= filter.AfterSeq {
			continue
		}
		c := *e
		c.Metadata = maps.Clone(e.Metadata)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveSyncError inserts or replaces a sync error.
func (r *InMemoryRepository) SaveSyncError(_ context.Context, s *SyncError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors[s.ID] = s.Clone()
	return nil
}

// GetSyncError retrieves a sync error by id.
func (r *InMemoryRepository) GetSyncError(_ context.Context, id string) (*SyncError, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.errors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// ListSyncErrors returns sync errors matching the filter, ordered by next attempt.
func (r *InMemoryRepository) ListSyncErrors(_ context.Context, filter SyncErrorFilter) ([]*SyncError, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SyncError, 0, len(r.errors))
	for _, s := range r.errors {
		if filter.TenantID != "" && s.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if !filter.DueBefore.IsZero() && s.NextAttemptAt.After(filter.DueBefore) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimSyncErrors leases due pending items.
func (r *InMemoryRepository) ClaimSyncErrors(_ context.Context, dueBefore, leaseUntil time.Time, limit int) ([]*SyncError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]*SyncError, 0)
	for _, s := range r.errors {
		if s.Status == StatusPending && !s.NextAttemptAt.After(dueBefore) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*SyncError, 0, len(due))
	for _, s := range due {
		s.NextAttemptAt = leaseUntil
		out = append(out, s.Clone())
	}
	return out, nil
}

var _ Repository = (*InMemoryRepository)(nil)
