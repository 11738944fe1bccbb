package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

func (b *Bridge) outboundHandler(a Adapter) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		return b.syncOutbound(ctx, a, e)
	}
}

// syncOutbound pushes the stored state of the event's entity to one external
// system. It always works from a fresh read so a late handler never pushes a
// stale snapshot.
func (b *Bridge) syncOutbound(ctx context.Context, a Adapter, e events.Event) error {
	system := a.System()
	kind := e.Resource.Kind
	if b.syncDisabled(ctx, system) {
		b.logger.Debug().Str("system", string(system)).Str("event", string(e.Name)).Msg("sync disabled, skipping")
		return nil
	}
	if !a.Supports(kind) {
		return nil
	}

	id := e.ResourceID()
	cur, err := b.load(ctx, kind, id)
	if errors.Is(err, monitoring.ErrNotFound) {
		// Deleted before it was ever registered.
		return nil
	}
	if err != nil {
		return &SyncFailure{System: system, Operation: operationFor(e.Name), Kind: kind, ResourceID: id, Err: err}
	}

	extID := cur.ExternalIDs().Get(system)
	if e.Name == events.MonitorDeleted || (kind == monitoring.KindMonitor && cur.Monitor.PendingDeletion) {
		if extID == "" {
			return nil
		}
		return b.pushDelete(ctx, a, cur, extID)
	}
	if extID == "" {
		return b.pushCreate(ctx, a, cur)
	}
	return b.pushUpdate(ctx, a, cur, extID)
}

func operationFor(name events.Name) integrationlog.Operation {
	switch name {
	case events.MonitorDeleted:
		return integrationlog.OpDelete
	case events.MonitorCreated, events.AlertCreated, events.IncidentCreated:
		return integrationlog.OpCreate
	}
	return integrationlog.OpUpdate
}

func createKey(system monitoring.System, r monitoring.Resource) string {
	return string(system) + "/" + string(r.Kind) + "/" + r.ID()
}

// beginCreate claims the create for (system, entity). A caller that loses
// the claim marks the entity dirty so the winner pushes the newer state once
// the link is stored.
func (b *Bridge) beginCreate(key string) bool {
	b.creatingMu.Lock()
	defer b.creatingMu.Unlock()
	if _, busy := b.creating[key]; busy {
		b.creating[key] = true
		return false
	}
	b.creating[key] = false
	return true
}

// endCreate releases the claim and reports whether updates arrived meanwhile.
func (b *Bridge) endCreate(key string) bool {
	b.creatingMu.Lock()
	defer b.creatingMu.Unlock()
	dirty := b.creating[key]
	delete(b.creating, key)
	return dirty
}

func (b *Bridge) pushCreate(ctx context.Context, a Adapter, r monitoring.Resource) error {
	system := a.System()
	key := createKey(system, r)
	if !b.beginCreate(key) {
		b.logger.Debug().
			Str("system", string(system)).
			Str("resource_id", r.ID()).
			Msg("create already in flight, skipping")
		return nil
	}

	linked, err := b.createAndLink(ctx, a, r)
	dirty := b.endCreate(key)
	if err != nil || !dirty || linked.IsZero() {
		return err
	}

	// Updates were skipped while the create was in flight.
	cur, err := b.load(ctx, r.Kind, r.ID())
	if err != nil {
		return nil
	}
	if extID := cur.ExternalIDs().Get(system); extID != "" {
		return b.pushUpdate(ctx, a, cur, extID)
	}
	return nil
}

func (b *Bridge) createAndLink(ctx context.Context, a Adapter, r monitoring.Resource) (monitoring.Resource, error) {
	system := a.System()

	// At-least-once delivery: a concurrent or earlier create may have linked it.
	cur, err := b.load(ctx, r.Kind, r.ID())
	if errors.Is(err, monitoring.ErrNotFound) {
		return monitoring.Resource{}, nil
	}
	if err != nil {
		return monitoring.Resource{}, &SyncFailure{System: system, Operation: integrationlog.OpCreate, Kind: r.Kind, ResourceID: r.ID(), Err: err}
	}
	if cur.ExternalIDs().Get(system) != "" {
		return monitoring.Resource{}, nil
	}

	seq := b.log.Reserve(ctx)
	var extID string
	err = b.call(ctx, system, integrationlog.OpCreate, func(ctx context.Context) error {
		var err error
		extID, err = a.CreateRemote(ctx, cur)
		return err
	})
	var incomplete *IncompleteCreateError
	if errors.As(err, &incomplete) && incomplete.ExternalID != "" {
		extID, err = incomplete.ExternalID, nil
	}
	b.recordOutbound(ctx, seq, integrationlog.TypeCreate, system, cur, extID, err)
	if err != nil {
		return monitoring.Resource{}, &SyncFailure{System: system, Operation: integrationlog.OpCreate, Kind: cur.Kind, ResourceID: cur.ID(), Err: err}
	}

	if err := b.publishLink(ctx, system, cur, extID); err != nil {
		if errors.Is(err, monitoring.ErrNotFound) {
			b.removeOrphan(ctx, a, cur, extID)
			return monitoring.Resource{}, nil
		}
		return monitoring.Resource{}, &SyncFailure{
			System: system, Operation: integrationlog.OpCreate, Kind: cur.Kind,
			ResourceID: cur.ID(), ExternalID: extID, Err: fmt.Errorf("storing link: %w", err),
		}
	}
	if incomplete != nil {
		return monitoring.Resource{}, &SyncFailure{
			System: system, Operation: integrationlog.OpUpdate, Kind: cur.Kind,
			ResourceID: cur.ID(), ExternalID: extID, Err: incomplete.Err,
		}
	}
	return cur, nil
}

// removeOrphan deregisters a remote entity whose local entity was deleted
// while the create was in flight.
func (b *Bridge) removeOrphan(ctx context.Context, a Adapter, r monitoring.Resource, extID string) {
	b.logger.Warn().
		Str("system", string(a.System())).
		Str("resource_id", r.ID()).
		Str("external_id", extID).
		Msg("entity deleted during create, removing remote copy")
	err := b.call(ctx, a.System(), integrationlog.OpDelete, func(ctx context.Context) error {
		return a.DeleteRemote(ctx, r.Kind, extID)
	})
	b.recordOutbound(ctx, 0, integrationlog.TypeDelete, a.System(), r, extID, err)
}

func (b *Bridge) pushUpdate(ctx context.Context, a Adapter, r monitoring.Resource, extID string) error {
	system := a.System()
	seq := b.log.Reserve(ctx)
	err := b.call(ctx, system, integrationlog.OpUpdate, func(ctx context.Context) error {
		return a.UpdateRemote(ctx, extID, r)
	})
	b.recordOutbound(ctx, seq, integrationlog.TypeUpdate, system, r, extID, err)
	if err != nil {
		return &SyncFailure{System: system, Operation: integrationlog.OpUpdate, Kind: r.Kind, ResourceID: r.ID(), ExternalID: extID, Err: err}
	}
	return nil
}

func (b *Bridge) pushDelete(ctx context.Context, a Adapter, r monitoring.Resource, extID string) error {
	system := a.System()
	seq := b.log.Reserve(ctx)
	err := b.call(ctx, system, integrationlog.OpDelete, func(ctx context.Context) error {
		return a.DeleteRemote(ctx, r.Kind, extID)
	})
	b.recordOutbound(ctx, seq, integrationlog.TypeDelete, system, r, extID, err)
	if err != nil {
		return &SyncFailure{System: system, Operation: integrationlog.OpDelete, Kind: r.Kind, ResourceID: r.ID(), ExternalID: extID, Err: err}
	}

	if err := b.publishLink(ctx, system, r, ""); err != nil && !errors.Is(err, monitoring.ErrNotFound) {
		return &SyncFailure{
			System: system, Operation: integrationlog.OpDelete, Kind: r.Kind,
			ResourceID: r.ID(), ExternalID: extID, Err: fmt.Errorf("clearing link: %w", err),
		}
	}
	return nil
}

// publishLink stores (or, with an empty extID, clears) the id a system owns
// for an entity. The change goes through the router like any other.
func (b *Bridge) publishLink(ctx context.Context, system monitoring.System, r monitoring.Resource, extID string) error {
	_, err := b.router.Publish(ctx, events.Event{
		ID:         uuid.NewString(),
		Name:       linkedEvent(r.Kind),
		TenantID:   r.TenantID(),
		Source:     events.SourceBridgeSync,
		Origin:     system,
		Resource:   r,
		System:     system,
		ExternalID: extID,
		OccurredAt: b.now(),
	})
	return err
}

// call runs fn under the adapter timeout and records the call.
func (b *Bridge) call(ctx context.Context, system monitoring.System, op integrationlog.Operation, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.AdapterTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	b.metrics.RecordOutbound(string(system), string(op), time.Since(start), err)
	return err
}

func (b *Bridge) recordOutbound(ctx context.Context, seq int64, eventType integrationlog.EventType, system monitoring.System, r monitoring.Resource, extID string, err error) {
	meta := map[string]interface{}{"outcome": "success"}
	if extID != "" {
		meta["external_id"] = extID
	}
	if err != nil {
		meta["outcome"] = "failure"
		meta["error"] = err.Error()
	}
	b.log.Record(ctx, integrationlog.Entry{
		Seq:          seq,
		TenantID:     r.TenantID(),
		EventType:    eventType,
		ResourceType: string(r.Kind),
		ResourceID:   r.ID(),
		System:       string(system),
		Metadata:     meta,
	})
}
