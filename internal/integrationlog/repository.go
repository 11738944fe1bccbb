package integrationlog

import (
	"context"
	"time"
)

// Repository stores log entries and sync errors. Entries are append-only.
type Repository interface {
	// NextSeq reserves the next log sequence number.
	NextSeq(ctx context.Context) (int64, error)
	AppendEntry(ctx context.Context, e *Entry) error
	// ListEntries returns entries ordered by sequence.
	ListEntries(ctx context.Context, filter EntryFilter) ([]*Entry, error)

	// SaveSyncError inserts or replaces a sync error.
	SaveSyncError(ctx context.Context, s *SyncError) error
	GetSyncError(ctx context.Context, id string) (*SyncError, error)
	// ListSyncErrors returns sync errors ordered by next attempt time.
	ListSyncErrors(ctx context.Context, filter SyncErrorFilter) ([]*SyncError, error)
	// ClaimSyncErrors returns up to limit pending items due at dueBefore and
	// pushes their next attempt to leaseUntil in the same step, so a concurrent
	// claim skips them until the lease runs out.
	ClaimSyncErrors(ctx context.Context, dueBefore, leaseUntil time.Time, limit int) ([]*SyncError, error)
}
