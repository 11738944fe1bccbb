// Package conflict decides which field values win when the local and the
// external version of an entity disagree.
package conflict

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// Tag labels how a resolution was reached.
type Tag string

// Resolution tags.
const (
	TagMerge        Tag = "merge"
	TagLocalWins    Tag = "local_wins"
	TagExternalWins Tag = "external_wins"
)

// Resolver reconciles a local and an external version of one resource kind.
// Resolvers must be pure: the same inputs always give the same output and
// neither input is modified.
type Resolver interface {
	Resolve(local, external monitoring.Resource, source monitoring.System) (monitoring.Resource, Tag)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(local, external monitoring.Resource, source monitoring.System) (monitoring.Resource, Tag)

// Resolve calls f.
func (f ResolverFunc) Resolve(local, external monitoring.Resource, source monitoring.System) (monitoring.Resource, Tag) {
	return f(local, external, source)
}

// RegistryConfig holds configuration for the resolver registry.
type RegistryConfig struct {
	Logger zerolog.Logger

	// ClockSkewTolerance is how much newer an external alert must be before it
	// wins over the local copy.
	// Default: 0
	ClockSkewTolerance time.Duration
}

// Registry maps resource kinds to resolvers.
type Registry struct {
	logger    zerolog.Logger
	resolvers map[monitoring.Kind]Resolver
}

// NewRegistry creates a registry with the built-in resolvers registered.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		logger:    cfg.Logger.With().Str("component", "conflict_resolver").Logger(),
		resolvers: make(map[monitoring.Kind]Resolver),
	}
	r.Register(monitoring.KindMonitor, ResolverFunc(ResolveMonitor))
	r.Register(monitoring.KindAlert, AlertResolver{ClockSkewTolerance: cfg.ClockSkewTolerance})
	r.Register(monitoring.KindSchedule, ResolverFunc(ResolveSchedule))
	r.Register(monitoring.KindIncident, ResolverFunc(ResolveIncident))
	return r
}

// Register sets the resolver for a kind. It is meant for startup wiring.
func (r *Registry) Register(kind monitoring.Kind, resolver Resolver) {
	r.resolvers[kind] = resolver
}

// Unregister removes the resolver for a kind.
func (r *Registry) Unregister(kind monitoring.Kind) {
	delete(r.resolvers, kind)
}

// Resolve reconciles local and external. A kind without a resolver keeps the
// local version and logs a warning. A missing side yields the other side.
func (r *Registry) Resolve(kind monitoring.Kind, local, external monitoring.Resource, source monitoring.System) (monitoring.Resource, Tag) {
	if external.IsZero() {
		return local.Clone(), TagLocalWins
	}
	if local.IsZero() {
		return external.Clone(), TagExternalWins
	}
	if local.Kind != kind || external.Kind != kind {
		r.logger.Warn().
			Str("kind", string(kind)).
			Str("local_kind", string(local.Kind)).
			Str("external_kind", string(external.Kind)).
			Msg("resource kind mismatch, keeping local version")
		return local.Clone(), TagLocalWins
	}

	resolver, ok := r.resolvers[kind]
	if !ok {
		r.logger.Warn().
			Str("kind", string(kind)).
			Str("source", string(source)).
			Msg("no conflict resolver registered, keeping local version")
		return local.Clone(), TagLocalWins
	}
	return resolver.Resolve(local, external, source)
}

// ResolveMonitor keeps configuration from the local monitor and observed state
// from the external one. External ids are unioned with local taking priority.
func ResolveMonitor(local, external monitoring.Resource, source monitoring.System) (monitoring.Resource, Tag) {
	out := local.Monitor.Clone()
	ext := external.Monitor

	if ext.Status != "" {
		out.Status = ext.Status
	}
	if ext.LastCheckAt != nil {
		t := *ext.LastCheckAt
		out.LastCheckAt = &t
	}
	out.ResponseTimeMs = ext.ResponseTimeMs
	out.ExternalIDs = mergeExternalIDs(local.Monitor.ExternalIDs, ext.ExternalIDs)

	return monitoring.MonitorResource(out), TagMerge
}

// AlertResolver applies last-write-wins by modification time.
type AlertResolver struct {
	ClockSkewTolerance time.Duration
}

// Resolve returns the newer alert. Ties and differences within the clock skew
// tolerance go to local. An external alert without timestamps loses.
func (a AlertResolver) Resolve(local, external monitoring.Resource, source monitoring.System) (monitoring.Resource, Tag) {
	l, x := local.Alert, external.Alert
	extTime := x.LastModified()

	if extTime.IsZero() || !extTime.After(l.LastModified().Add(a.ClockSkewTolerance)) {
		out := l.Clone()
		out.ExternalIDs = mergeExternalIDs(l.ExternalIDs, x.ExternalIDs)
		return monitoring.AlertResource(out), TagLocalWins
	}

	out := x.Clone()
	// Identity and ownership stay local.
	out.ID = l.ID
	out.TenantID = l.TenantID
	out.Version = l.Version
	out.CreatedAt = l.CreatedAt
	if out.MonitorID == "" {
		out.MonitorID = l.MonitorID
	}
	if out.ScheduleID == "" {
		out.ScheduleID = l.ScheduleID
	}
	if out.Title == "" {
		out.Title = l.Title
	}
	if out.Severity == "" {
		out.Severity = l.Severity
	}
	if out.Message == "" {
		out.Message = l.Message
	}
	if out.Status == "" {
		out.Status = l.Status
	}

	switch out.Status {
	case monitoring.AlertActive:
		out.ResolvedAt, out.ResolvedBy = nil, ""
	case monitoring.AlertAcknowledged, monitoring.AlertResolved:
		if out.AcknowledgedAt == nil && out.AcknowledgedBy == "" {
			out.AcknowledgedAt = cloneTime(l.AcknowledgedAt)
			out.AcknowledgedBy = l.AcknowledgedBy
		}
		if out.AcknowledgedAt == nil {
			t := extTime
			out.AcknowledgedAt = &t
		}
		if out.Status == monitoring.AlertResolved && out.ResolvedAt == nil {
			t := extTime
			out.ResolvedAt = &t
		}
	}
	out.ExternalIDs = mergeExternalIDs(l.ExternalIDs, x.ExternalIDs)
	return monitoring.AlertResource(out), TagExternalWins
}

// ResolveSchedule keeps the local schedule. The external id is preserved as a
// foreign reference.
func ResolveSchedule(local, external monitoring.Resource, source monitoring.System) (monitoring.Resource, Tag) {
	out := local.Schedule.Clone()
	out.ExternalIDs = mergeExternalIDs(local.Schedule.ExternalIDs, external.Schedule.ExternalIDs)
	return monitoring.ScheduleResource(out), TagLocalWins
}

// ResolveIncident keeps the local incident.
func ResolveIncident(local, _ monitoring.Resource, _ monitoring.System) (monitoring.Resource, Tag) {
	return local.Clone(), TagLocalWins
}

func mergeExternalIDs(local, external monitoring.ExternalIDs) monitoring.ExternalIDs {
	out := external.Clone()
	for system, id := range local {
		if id != "" {
			out[system] = id
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
