// Package maintenance implements the five background loops of spec.md §4.6:
// the work reaper, the user-work reconciler, the Prometheus watchdog, the
// service failure-rate publisher, and the memory-usage snapshotter. Each
// loop is cron-scheduled (robfig/cron/v3, already the teacher's scheduling
// library), guarded by an advisory per-loop lock so at most one replica
// runs a given loop at a time, and wrapped in a panic recovery that logs
// the panic and lets the process keep running.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
)

// Runner owns the cron scheduler and every registered loop.
type Runner struct {
	store     interfaces.Store
	artifacts interfaces.ArtifactStore
	orch      interfaces.ContainerOrchestrator
	metrics   interfaces.MetricsSink
	logger    arbor.ILogger
	config      *common.MaintenanceConfig
	namespace   string
	environment string

	owner string // unique per-process identity for AcquireMaintenanceLock
	cron  *cron.Cron
}

// New builds a Runner. orch and metrics may be nil: the Prometheus watchdog
// and memory-usage snapshotter loops become no-ops without a
// ContainerOrchestrator, and failure-rate/memory publishing becomes a no-op
// without a MetricsSink, rather than failing startup. namespace is the
// cluster namespace backend service pods run in, used when restarting an
// unhealthy sidecar's pod. environment names the deployment tier
// ("development", "production", ...), used to path-scope the memory-usage
// snapshotter's object-store writes.
func New(store interfaces.Store, artifacts interfaces.ArtifactStore, orch interfaces.ContainerOrchestrator, metrics interfaces.MetricsSink, logger arbor.ILogger, config *common.MaintenanceConfig, namespace string, environment string) *Runner {
	return &Runner{
		store:       store,
		artifacts:   artifacts,
		orch:        orch,
		metrics:     metrics,
		logger:      logger,
		config:      config,
		namespace:   namespace,
		environment: environment,
		owner:       uuid.NewString(),
		cron:        cron.New(),
	}
}

// Start registers every loop with the cron scheduler and begins running
// them in the background. Call Stop to drain in-flight runs on shutdown.
func (r *Runner) Start() error {
	schedule := []struct {
		name string
		expr string
		fn   func(context.Context)
	}{
		{"work_reaper", r.config.WorkReaperCron, r.runWorkReaper},
		{"user_work_reconciler", r.config.UserWorkUpdaterCron, r.runUserWorkReconciler},
		{"prometheus_watchdog", r.config.RestartPrometheusCron, r.runPrometheusWatchdog},
		{"service_failure_rate_publisher", r.config.PublishServiceFailureMetricsCron, r.runFailureRatePublisher},
		{"memory_usage_snapshotter", r.config.MemoryUsageCollectorCron, r.runMemoryUsageSnapshotter},
	}

	for _, s := range schedule {
		name, fn := s.name, s.fn
		if _, err := r.cron.AddFunc(s.expr, func() { r.runGuarded(name, fn) }); err != nil {
			return fmt.Errorf("failed to schedule maintenance loop %s (%q): %w", name, s.expr, err)
		}
	}

	r.cron.Start()
	r.logger.Info().Int("loops", len(schedule)).Msg("Maintenance loops scheduled")
	return nil
}

// Stop waits for any in-flight loop runs to finish, then stops the
// scheduler.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// runGuarded acquires the named loop's advisory lock, recovers and logs any
// panic from fn without re-raising it (unlike the store's transaction
// boundary, which rolls back and re-panics), and always
// releases by simply letting the lease expire (no explicit release: a
// crashed holder's lease lapsing naturally is what the lease is for).
func (r *Runner) runGuarded(name string, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	lease := time.Duration(r.config.LockLeaseSeconds) * time.Second
	acquired, err := r.acquireLock(ctx, name, lease)
	if err != nil {
		r.logger.Error().Err(err).Str("loop", name).Msg("Failed to acquire maintenance lock")
		return
	}
	if !acquired {
		r.logger.Debug().Str("loop", name).Msg("Skipping maintenance loop run, held by another replica")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("loop", name).Msg("PANIC RECOVERED in maintenance loop")
		}
	}()

	start := time.Now()
	fn(ctx)
	r.logger.Debug().Str("loop", name).Str("duration", time.Since(start).String()).Msg("Maintenance loop run complete")
}

func (r *Runner) acquireLock(ctx context.Context, name string, lease time.Duration) (bool, error) {
	var acquired bool
	err := r.store.WithTx(ctx, "", func(ctx context.Context, tx interfaces.Tx) error {
		ok, err := tx.AcquireMaintenanceLock(ctx, name, r.owner, lease)
		acquired = ok
		return err
	})
	return acquired, err
}
