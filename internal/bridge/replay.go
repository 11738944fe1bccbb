package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

func encodeResource(r monitoring.Resource) (json.RawMessage, error) {
	if r.IsZero() {
		return nil, nil
	}
	return json.Marshal(r)
}

// Replay re-attempts one failed outbound call against the one system that
// failed. Creates and updates push the current stored state rather than the
// state at the time of failure.
func (b *Bridge) Replay(ctx context.Context, s *integrationlog.SyncError) error {
	system := monitoring.System(s.System)
	a, ok := b.adapters[system]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSystem, s.System)
	}
	if b.syncDisabled(ctx, system) {
		return fmt.Errorf("sync with %s is disabled", system)
	}
	kind := monitoring.Kind(s.ResourceType)

	cur, err := b.load(ctx, kind, s.ResourceID)
	if errors.Is(err, monitoring.ErrNotFound) {
		if s.Operation == integrationlog.OpDelete && s.ExternalID != "" {
			return b.call(ctx, system, integrationlog.OpDelete, func(ctx context.Context) error {
				return a.DeleteRemote(ctx, kind, s.ExternalID)
			})
		}
		// Nothing left to push.
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s %s: %w", kind, s.ResourceID, err)
	}

	extID := cur.ExternalIDs().Get(system)
	switch {
	case s.Operation == integrationlog.OpDelete || (kind == monitoring.KindMonitor && cur.Monitor.PendingDeletion):
		if extID == "" {
			return nil
		}
		return unwrapFailure(b.pushDelete(ctx, a, cur, extID))
	case extID == "":
		if s.ExternalID != "" {
			// The remote create succeeded but the link was never stored.
			if err := b.publishLink(ctx, system, cur, s.ExternalID); err != nil {
				return fmt.Errorf("storing link: %w", err)
			}
			return nil
		}
		return unwrapFailure(b.pushCreate(ctx, a, cur))
	default:
		return unwrapFailure(b.pushUpdate(ctx, a, cur, extID))
	}
}

// unwrapFailure strips the SyncFailure wrapper; the retry queue already knows
// which call it is replaying.
func unwrapFailure(err error) error {
	var sf *SyncFailure
	if errors.As(err, &sf) {
		return sf.Err
	}
	return err
}
