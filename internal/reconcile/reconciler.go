// Package reconcile periodically compares linked entities with their external
// copies to repair whatever missed webhooks or failed calls left behind.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
	"github.com/opsbridge/opsbridge/internal/telemetry"
)

// Pass names a kind of reconciliation pass.
type Pass string

// Pass kinds.
const (
	// PassFull checks every linked monitor, alert and schedule.
	PassFull Pass = "full"

	// PassLight checks linked alerts that are not resolved yet.
	PassLight Pass = "light"
)

// Bridge is the part of the sync engine the reconciler drives.
type Bridge interface {
	Systems() []monitoring.System
	Adapter(system monitoring.System) (bridge.Adapter, bool)
	ReconcileEntity(ctx context.Context, system monitoring.System, local monitoring.Resource) (bridge.ReconcileResult, error)
}

// Flags gates scheduled passes.
type Flags interface {
	IsReconcileDisabled(ctx context.Context) bool
}

// Config holds configuration for the reconciler.
type Config struct {
	Bridge     Bridge
	Repository monitoring.Repository
	Log        *integrationlog.Log
	Logger     zerolog.Logger

	// Flags can switch passes off. Optional.
	Flags Flags

	// Metrics records pass outcomes. Optional.
	Metrics *telemetry.SyncMetrics

	// Concurrency is the number of entities checked at once.
	// Default: 4
	Concurrency int

	// EntityTimeout bounds the check of one entity against one system.
	// Default: 30 seconds
	EntityTimeout time.Duration
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	bridge  Bridge
	repo    monitoring.Repository
	log     *integrationlog.Log
	flags   Flags
	metrics *telemetry.SyncMetrics
	logger  zerolog.Logger
	cfg     Config
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("bridge is required")
	}
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.EntityTimeout == 0 {
		cfg.EntityTimeout = 30 * time.Second
	}

	return &Reconciler{
		bridge:  cfg.Bridge,
		repo:    cfg.Repository,
		log:     cfg.Log,
		flags:   cfg.Flags,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "reconciler").Logger(),
		cfg:     cfg,
	}, nil
}

// PassOptions selects what a pass covers.
type PassOptions struct {
	Pass Pass

	// TenantID restricts the pass to one tenant. Empty means all tenants.
	TenantID string

	// Force runs the pass even when reconciliation is switched off.
	Force bool
}

// PassResult contains the result of a reconciliation pass.
type PassResult struct {
	Pass      Pass
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	// Skipped is set when the pass did not run because it is switched off.
	Skipped bool

	Checked  int
	Diverged int
	Pulled   int
	Pushed   int
	Relinked int
	Refused  int
	Failed   int
	Errors   []EntityError
}

// EntityError represents a failed check.
type EntityError struct {
	System     monitoring.System
	Kind       monitoring.Kind
	ResourceID string
	Error      string
}

type target struct {
	system   monitoring.System
	resource monitoring.Resource
}

type targetResult struct {
	target target
	result bridge.ReconcileResult
	err    error
}

// Run executes one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context, opts PassOptions) *PassResult {
	if opts.Pass == "" {
		opts.Pass = PassFull
	}
	startTime := time.Now()
	result := &PassResult{Pass: opts.Pass, StartTime: startTime}

	if !opts.Force && r.flags != nil && r.flags.IsReconcileDisabled(ctx) {
		r.logger.Debug().Str("pass", string(opts.Pass)).Msg("reconciliation disabled, skipping pass")
		result.Skipped = true
		result.EndTime = time.Now()
		return result
	}

	targets, err := r.targets(ctx, opts)
	if err != nil {
		r.logger.Error().Err(err).Str("pass", string(opts.Pass)).Msg("failed to list entities for reconciliation")
		result.Failed++
		result.Errors = append(result.Errors, EntityError{Error: err.Error()})
		r.finish(ctx, opts, result)
		return result
	}

	r.logger.Info().
		Str("pass", string(opts.Pass)).
		Int("targets", len(targets)).
		Int("concurrency", r.cfg.Concurrency).
		Msg("starting reconciliation pass")

	targetsChan := make(chan target, len(targets))
	resultsChan := make(chan targetResult, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx, targetsChan, resultsChan)
		}()
	}

	for _, t := range targets {
		targetsChan <- t
	}
	close(targetsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for tr := range resultsChan {
		result.Checked++
		if tr.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, EntityError{
				System:     tr.target.system,
				Kind:       tr.target.resource.Kind,
				ResourceID: tr.target.resource.ID(),
				Error:      tr.err.Error(),
			})
			continue
		}
		if tr.result.Diverged() {
			result.Diverged++
		}
		if tr.result.Pulled {
			result.Pulled++
		}
		if tr.result.Pushed {
			result.Pushed++
		}
		if tr.result.Relinked {
			result.Relinked++
		}
		if tr.result.Refused {
			result.Refused++
		}
	}

	r.finish(ctx, opts, result)
	return result
}

func (r *Reconciler) worker(ctx context.Context, targets <-chan target, results chan<- targetResult) {
	for t := range targets {
		select {
		case <-ctx.Done():
			results <- targetResult{target: t, err: ctx.Err()}
		default:
			results <- r.check(ctx, t)
		}
	}
}

func (r *Reconciler) check(ctx context.Context, t target) targetResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.EntityTimeout)
	defer cancel()

	res, err := r.bridge.ReconcileEntity(ctx, t.system, t.resource)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("system", string(t.system)).
			Str("kind", string(t.resource.Kind)).
			Str("resource_id", t.resource.ID()).
			Msg("reconciliation check failed")
	}
	return targetResult{target: t, result: res, err: err}
}

// targets lists every (system, entity) pair the pass covers: entities with an
// external id under a system whose adapter can read that kind back.
func (r *Reconciler) targets(ctx context.Context, opts PassOptions) ([]target, error) {
	var resources []monitoring.Resource

	if opts.Pass == PassFull {
		monitors, err := r.repo.ListMonitors(ctx, monitoring.MonitorFilter{TenantID: opts.TenantID, Linked: true})
		if err != nil {
			return nil, err
		}
		for _, m := range monitors {
			if m.PendingDeletion {
				continue
			}
			resources = append(resources, monitoring.MonitorResource(m))
		}

		schedules, err := r.repo.ListSchedules(ctx, monitoring.ScheduleFilter{TenantID: opts.TenantID, Linked: true})
		if err != nil {
			return nil, err
		}
		for _, s := range schedules {
			resources = append(resources, monitoring.ScheduleResource(s))
		}
	}

	alertFilter := monitoring.AlertFilter{TenantID: opts.TenantID, Linked: true}
	if opts.Pass == PassLight {
		alertFilter.Statuses = []monitoring.AlertStatus{monitoring.AlertActive, monitoring.AlertAcknowledged}
	}
	alerts, err := r.repo.ListAlerts(ctx, alertFilter)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		resources = append(resources, monitoring.AlertResource(a))
	}

	var targets []target
	for _, system := range r.bridge.Systems() {
		a, ok := r.bridge.Adapter(system)
		if !ok {
			continue
		}
		if _, ok := a.(bridge.RemoteReader); !ok {
			continue
		}
		for _, res := range resources {
			if a.Supports(res.Kind) && res.ExternalIDs().Get(system) != "" {
				targets = append(targets, target{system: system, resource: res})
			}
		}
	}
	return targets, nil
}

func (r *Reconciler) finish(ctx context.Context, opts PassOptions, result *PassResult) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	r.metrics.RecordReconcile(string(opts.Pass), result.Duration, result.Checked, result.Diverged, result.Failed)

	if r.log != nil {
		r.log.Record(ctx, integrationlog.Entry{
			TenantID:  opts.TenantID,
			EventType: integrationlog.TypeReconcile,
			Metadata: map[string]interface{}{
				"pass":        string(opts.Pass),
				"checked":     result.Checked,
				"diverged":    result.Diverged,
				"pulled":      result.Pulled,
				"pushed":      result.Pushed,
				"relinked":    result.Relinked,
				"refused":     result.Refused,
				"failed":      result.Failed,
				"duration_ms": result.Duration.Milliseconds(),
			},
		})
	}

	r.logger.Info().
		Str("pass", string(opts.Pass)).
		Dur("duration", result.Duration).
		Int("checked", result.Checked).
		Int("diverged", result.Diverged).
		Int("failed", result.Failed).
		Msg("reconciliation pass completed")
}
