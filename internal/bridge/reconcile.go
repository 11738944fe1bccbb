package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/opsbridge/opsbridge/internal/conflict"
	"github.com/opsbridge/opsbridge/internal/events"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// ReconcileResult describes what reconciling one entity changed.
type ReconcileResult struct {
	// Pulled is set when the external version changed local state.
	Pulled bool
	// Pushed is set when local configuration was sent to the external system.
	Pushed bool
	// Relinked is set when the external copy was gone and was registered again.
	Relinked bool
	// Refused is set when the external version would regress the alert lifecycle.
	Refused bool
	Tag     conflict.Tag
}

// Diverged reports whether local and external state disagreed.
func (r ReconcileResult) Diverged() bool {
	return r.Pulled || r.Pushed || r.Relinked
}

// ReconcileEntity compares one linked entity with its external copy. Newer
// external state enters through the same resolve and apply path as a
// webhook; local configuration the external copy lacks is pushed back.
func (b *Bridge) ReconcileEntity(ctx context.Context, system monitoring.System, local monitoring.Resource) (ReconcileResult, error) {
	a, ok := b.adapters[system]
	if !ok {
		return ReconcileResult{}, fmt.Errorf("%w: %s", ErrUnknownSystem, system)
	}
	reader, ok := a.(RemoteReader)
	if !ok || !a.Supports(local.Kind) {
		return ReconcileResult{}, fmt.Errorf("%w: %s on %s", ErrUnsupported, local.Kind, system)
	}
	extID := local.ExternalIDs().Get(system)
	if extID == "" || b.syncDisabled(ctx, system) {
		return ReconcileResult{}, nil
	}

	var remote monitoring.Resource
	err := b.call(ctx, system, "fetch", func(ctx context.Context) error {
		var err error
		remote, err = reader.FetchRemote(ctx, local.Kind, extID)
		return err
	})
	if errors.Is(err, monitoring.ErrNotFound) {
		return b.relink(ctx, a, local)
	}
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("fetching %s %s: %w", local.Kind, extID, err)
	}
	if remote.Kind != local.Kind || remote.IsZero() {
		return ReconcileResult{}, fmt.Errorf("%w: %s returned %s for %s", ErrMalformedPayload, system, remote.Kind, local.Kind)
	}

	var result ReconcileResult
	resolved, tag := b.resolver.Resolve(local.Kind, local, remote, system)
	result.Tag = tag

	if !resolved.SameState(local) {
		if local.Kind == monitoring.KindAlert &&
			!monitoring.CanTransition(local.Alert.Status, resolved.Alert.Status, false) {
			b.logger.Warn().
				Str("system", string(system)).
				Str("alert_id", local.ID()).
				Str("local_status", string(local.Alert.Status)).
				Str("remote_status", string(resolved.Alert.Status)).
				Msg("remote alert status would regress, keeping local")
			result.Refused = true
		} else {
			e := events.New(changeEvent(local, resolved, nil), events.SourceSync, resolved)
			e.Origin = system
			e.Remote = &remote
			delivery, err := b.router.Publish(ctx, e)
			if err != nil {
				return result, fmt.Errorf("applying remote %s: %w", local.Kind, err)
			}
			result.Pulled = !delivery.Unchanged && delivery.RejectedBy == ""
		}
	}

	cur, err := b.load(ctx, local.Kind, local.ID())
	if err != nil {
		return result, err
	}
	if needsPush(cur, remote) {
		if err := b.pushUpdate(ctx, a, cur, extID); err != nil {
			return result, err
		}
		result.Pushed = true
	}
	return result, nil
}

// relink registers an entity again after its external copy disappeared.
func (b *Bridge) relink(ctx context.Context, a Adapter, local monitoring.Resource) (ReconcileResult, error) {
	system := a.System()
	b.logger.Warn().
		Str("system", string(system)).
		Str("resource_id", local.ID()).
		Msg("external copy missing, registering again")

	if err := b.publishLink(ctx, system, local, ""); err != nil {
		return ReconcileResult{}, fmt.Errorf("clearing link: %w", err)
	}
	cur, err := b.load(ctx, local.Kind, local.ID())
	if errors.Is(err, monitoring.ErrNotFound) {
		return ReconcileResult{Relinked: true}, nil
	}
	if err != nil {
		return ReconcileResult{}, err
	}
	if kind := cur.Kind; kind == monitoring.KindMonitor && cur.Monitor.PendingDeletion {
		return ReconcileResult{Relinked: true}, nil
	}
	if err := b.pushCreate(ctx, a, cur); err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{Relinked: true}, nil
}

// needsPush reports whether the external copy lacks locally owned state.
func needsPush(local, remote monitoring.Resource) bool {
	switch local.Kind {
	case monitoring.KindMonitor:
		return !local.Monitor.PendingDeletion && !local.Monitor.SameConfig(remote.Monitor)
	case monitoring.KindSchedule:
		l, r := local.Schedule, remote.Schedule
		return l.Name != r.Name || l.Service != r.Service || l.Timezone != r.Timezone ||
			!slices.Equal(l.Participants, r.Participants)
	case monitoring.KindAlert:
		from, to := remote.Alert.Status, local.Alert.Status
		return from != to && monitoring.CanTransition(from, to, false)
	}
	return false
}
