package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// Apply writes the state an event describes. It is the router's single
// writer: it runs synchronously inside Publish, before any handler, and
// reports whether stored state changed. Handlers only run for changes.
func (b *Bridge) Apply(ctx context.Context, e *events.Event) (bool, error) {
	switch {
	case isObservation(e.Name):
		return true, nil
	case isLinkEvent(e.Name):
		return b.applyLink(ctx, e)
	case e.Remote != nil:
		return b.applyRemote(ctx, e)
	case e.Name == events.MonitorDeleted:
		return b.applyMonitorDelete(ctx, e)
	default:
		return b.applyLocal(ctx, e)
	}
}

// applyLocal stores the desired state of a user or system event against the
// version the caller read. A version conflict goes back to the caller.
func (b *Bridge) applyLocal(ctx context.Context, e *events.Event) (bool, error) {
	if e.Resource.IsZero() {
		return false, fmt.Errorf("%s: event carries no resource", e.Name)
	}
	desired := e.Resource.Clone()
	expected := desired.Version()

	cur, err := b.load(ctx, desired.Kind, desired.ID())
	switch {
	case errors.Is(err, monitoring.ErrNotFound):
		if expected != 0 {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("loading %s %s: %w", desired.Kind, desired.ID(), err)
	default:
		if desired.SameState(cur) {
			return false, nil
		}
		if desired.Kind == monitoring.KindAlert &&
			!monitoring.CanTransition(cur.Alert.Status, desired.Alert.Status, e.Reopen) {
			return false, fmt.Errorf("%w: %s -> %s", monitoring.ErrInvalidTransition, cur.Alert.Status, desired.Alert.Status)
		}
	}

	if err := b.save(ctx, desired, expected); err != nil {
		return false, err
	}
	e.Resource = desired
	return true, nil
}

// applyRemote re-reads the stored state, re-resolves the external version
// against it and saves with the version just read, retrying on conflicts.
// The change was decided against state that may since have moved.
func (b *Bridge) applyRemote(ctx context.Context, e *events.Event) (bool, error) {
	kind := e.Remote.Kind
	id := e.Resource.ID()

	for attempt := 0; attempt < b.cfg.ApplyRetries; attempt++ {
		cur, err := b.load(ctx, kind, id)
		if err != nil {
			return false, fmt.Errorf("loading %s %s: %w", kind, id, err)
		}

		resolved, _ := b.resolver.Resolve(kind, cur, *e.Remote, e.Origin)
		if resolved.SameState(cur) {
			return false, nil
		}
		if kind == monitoring.KindAlert &&
			!monitoring.CanTransition(cur.Alert.Status, resolved.Alert.Status, e.Reopen) {
			return false, fmt.Errorf("%w: %s -> %s", monitoring.ErrInvalidTransition, cur.Alert.Status, resolved.Alert.Status)
		}
		if kind != monitoring.KindAlert {
			touch(resolved, b.now())
		}

		err = b.save(ctx, resolved, cur.Version())
		if errors.Is(err, monitoring.ErrVersionConflict) {
			b.logger.Debug().
				Str("event", string(e.Name)).
				Str("resource_id", id).
				Int("attempt", attempt+1).
				Msg("version conflict while applying external change, re-reading")
			continue
		}
		if err != nil {
			return false, err
		}
		e.Resource = resolved
		return true, nil
	}
	return false, fmt.Errorf("applying %s to %s after %d attempts: %w",
		e.Name, id, b.cfg.ApplyRetries, monitoring.ErrVersionConflict)
}

// applyLink records or clears the id an external system assigned to an
// entity. A monitor awaiting deletion is removed once its last id is cleared.
func (b *Bridge) applyLink(ctx context.Context, e *events.Event) (bool, error) {
	kind := e.Resource.Kind
	id := e.Resource.ID()

	for attempt := 0; attempt < b.cfg.ApplyRetries; attempt++ {
		cur, err := b.load(ctx, kind, id)
		if err != nil {
			return false, err
		}

		ids := cur.ExternalIDs().Clone()
		if e.ExternalID == "" {
			delete(ids, e.System)
		} else {
			ids[e.System] = e.ExternalID
		}

		removing := kind == monitoring.KindMonitor && cur.Monitor.PendingDeletion && !ids.Any()
		if ids.Equal(cur.ExternalIDs()) && !removing {
			return false, nil
		}

		next := cur.Clone()
		setExternalIDs(next, ids)
		if !ids.Equal(cur.ExternalIDs()) {
			// The repository refuses to delete a row that still carries an id,
			// so the cleared ids are stored first.
			err = b.save(ctx, next, cur.Version())
			if errors.Is(err, monitoring.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return false, err
			}
		}

		if removing {
			if err := b.repo.DeleteMonitor(ctx, id); err != nil && !errors.Is(err, monitoring.ErrNotFound) {
				return false, fmt.Errorf("deleting monitor %s: %w", id, err)
			}
		}
		e.Resource = next
		return true, nil
	}
	return false, fmt.Errorf("linking %s %s after %d attempts: %w",
		kind, id, b.cfg.ApplyRetries, monitoring.ErrVersionConflict)
}

// applyMonitorDelete removes an unregistered monitor right away. A monitor
// still registered externally is marked for deletion; the outbound handlers
// deregister it and the last unlink removes it.
func (b *Bridge) applyMonitorDelete(ctx context.Context, e *events.Event) (bool, error) {
	id := e.Resource.ID()

	for attempt := 0; attempt < b.cfg.ApplyRetries; attempt++ {
		cur, err := b.repo.GetMonitor(ctx, id)
		if errors.Is(err, monitoring.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("loading monitor %s: %w", id, err)
		}

		if !cur.ExternalIDs.Any() {
			if err := b.repo.DeleteMonitor(ctx, id); err != nil {
				return false, fmt.Errorf("deleting monitor %s: %w", id, err)
			}
			e.Resource = monitoring.MonitorResource(cur)
			return true, nil
		}

		if cur.PendingDeletion {
			// Deleting again re-drives deregistration.
			e.Resource = monitoring.MonitorResource(cur)
			return true, nil
		}

		next := cur.Clone()
		next.PendingDeletion = true
		next.UpdatedAt = b.now()
		err = b.repo.SaveMonitor(ctx, next, cur.Version)
		if errors.Is(err, monitoring.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		e.Resource = monitoring.MonitorResource(next)
		return true, nil
	}
	return false, fmt.Errorf("deleting monitor %s after %d attempts: %w",
		id, b.cfg.ApplyRetries, monitoring.ErrVersionConflict)
}

func touch(r monitoring.Resource, now time.Time) {
	switch r.Kind {
	case monitoring.KindMonitor:
		r.Monitor.UpdatedAt = now
	case monitoring.KindIncident:
		r.Incident.UpdatedAt = now
	case monitoring.KindSchedule:
		r.Schedule.UpdatedAt = now
	}
}
