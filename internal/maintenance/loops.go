package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// runWorkReaper deletes jobs that finished (reached a terminal status) more
// than ReapableWorkAgeMinutes ago, purging both their relational rows and
// their artifact objects (spec.md §4.6 "work reaper").
func (r *Runner) runWorkReaper(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(r.config.ReapableWorkAgeMinutes) * time.Minute)
	batch := r.config.WorkReaperBatchSize
	if batch <= 0 {
		batch = 500
	}

	var reaped []string
	err := r.store.WithTx(ctx, "", func(ctx context.Context, tx interfaces.Tx) error {
		jobIDs, err := tx.ListReapableJobs(ctx, cutoff, batch)
		if err != nil {
			return err
		}
		for _, jobID := range jobIDs {
			if err := tx.DeleteJob(ctx, jobID); err != nil {
				return err
			}
		}
		reaped = jobIDs
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Work reaper transaction failed")
		return
	}

	for _, jobID := range reaped {
		if err := r.artifacts.Delete(ctx, jobID); err != nil {
			r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete artifacts for reaped job")
		}
	}
	if len(reaped) > 0 {
		r.logger.Info().Int("count", len(reaped)).Msg("Reaped terminal jobs")
	}
}

// runUserWorkReconciler dispatches every UserWork row that has not been
// touched recently based on the status of its owning job (spec.md §4.6):
// terminal jobs have their row deleted, PAUSED jobs have both counters
// zeroed, and everything else is recomputed directly from work_items,
// realizing invariant I2's "reconciler is the fixpoint" resolution for
// counters that may have drifted from a crash mid-transition (spec.md §4.4).
func (r *Runner) runUserWorkReconciler(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(r.config.UserWorkExpirationMinutes) * time.Minute)

	var deleted, zeroed, recomputed int
	err := r.store.WithTx(ctx, "", func(ctx context.Context, tx interfaces.Tx) error {
		drifted, err := tx.ListDriftedUserWork(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, uw := range drifted {
			job, err := tx.GetJobForUpdate(ctx, uw.JobID)
			if err != nil {
				return err
			}

			switch {
			case job.Status.IsTerminal():
				if err := tx.DeleteUserWork(ctx, uw.JobID, uw.ServiceID); err != nil {
					return err
				}
				deleted++
			case job.Status == models.JobStatusPaused:
				if err := tx.ZeroUserWorkCounts(ctx, uw.JobID, uw.ServiceID); err != nil {
					return err
				}
				zeroed++
			default:
				if _, _, err := tx.RecomputeUserWorkCounts(ctx, uw.JobID, uw.ServiceID); err != nil {
					return err
				}
				recomputed++
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("User-work reconciler transaction failed")
		return
	}
	if deleted+zeroed+recomputed > 0 {
		r.logger.Info().Int("deleted", deleted).Int("zeroed", zeroed).Int("recomputed", recomputed).
			Msg("Reconciled drifted user-work rows")
	}
}

// runPrometheusWatchdog restarts any pod whose metrics-reporting sidecar is
// not Ready, for every configured service (spec.md §4.6 "Prometheus
// watchdog"). A no-op when no ContainerOrchestrator is wired.
func (r *Runner) runPrometheusWatchdog(ctx context.Context) {
	if r.orch == nil {
		return
	}
	for _, serviceID := range r.config.Services {
		pods, err := r.orch.ListUnhealthyMetricsSidecars(ctx, serviceID)
		if err != nil {
			r.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to list unhealthy metrics sidecars")
			continue
		}
		for _, podName := range pods {
			if err := r.orch.RestartPod(ctx, r.namespace, podName); err != nil {
				r.logger.Error().Err(err).Str("service_id", serviceID).Str("pod", podName).Msg("Failed to restart pod")
			}
		}
	}
}

// runFailureRatePublisher computes each configured service's recent
// failure rate and publishes it to the metrics sink (spec.md §4.6
// "failure-rate publisher"). A no-op when no MetricsSink is wired.
func (r *Runner) runFailureRatePublisher(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	since := time.Now().Add(-time.Duration(r.config.FailureMetricsLookBackMinutes) * time.Minute)

	for _, serviceID := range r.config.Services {
		var failed, successful, warning int
		err := r.store.WithTx(ctx, "", func(ctx context.Context, tx interfaces.Tx) error {
			var err error
			failed, successful, warning, err = tx.ServiceFailureRate(ctx, serviceID, since)
			return err
		})
		if err != nil {
			r.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to compute service failure rate")
			continue
		}

		total := failed + successful + warning
		rate := 0.0
		if total > 0 {
			rate = float64(failed) / float64(total)
		}
		r.metrics.SetServiceFailureRate(serviceID, rate)
	}
}

// memoryUsageSnapshot is the JSON document the memory-usage snapshotter
// writes to object storage once per run (spec.md §4.6): one row per pod
// sampled across every configured service.
type memoryUsageSnapshot struct {
	TakenAt time.Time                      `json:"taken_at"`
	Samples []interfaces.ServicePodMetrics `json:"samples"`
}

// runMemoryUsageSnapshotter samples current pod memory usage for every
// configured service, publishes it to the metrics sink, and archives the
// full sample set as a JSON summary under
// <MemoryUsageBucket>/<env>/<UTC YYYY-MM-DD-HHMM>.json, the bucket
// defaulting to harmony-memory-metrics (spec.md §4.6
// "memory-usage snapshotter"). A no-op when no ContainerOrchestrator or
// MetricsSink is wired.
func (r *Runner) runMemoryUsageSnapshotter(ctx context.Context) {
	if r.orch == nil || r.metrics == nil {
		return
	}

	now := time.Now().UTC()
	snapshot := memoryUsageSnapshot{TakenAt: now}

	for _, serviceID := range r.config.Services {
		samples, err := r.orch.PodMemoryUsage(ctx, serviceID)
		if err != nil {
			r.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to sample pod memory usage")
			continue
		}
		for _, s := range samples {
			r.metrics.SetServiceMemoryUsageBytes(s.ServiceID, s.PodName, s.MemoryUsageBytes)
		}
		snapshot.Samples = append(snapshot.Samples, samples...)
	}

	if len(snapshot.Samples) == 0 {
		return
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal memory-usage snapshot")
		return
	}

	bucket := r.config.MemoryUsageBucket
	if bucket == "" {
		bucket = "harmony-memory-metrics"
	}
	key := fmt.Sprintf("%s/%s/%s.json", bucket, r.environment, now.Format("2006-01-02-1504"))
	if _, err := r.artifacts.PutRaw(ctx, key, body); err != nil {
		r.logger.Error().Err(err).Str("key", key).Msg("Failed to write memory-usage snapshot")
	}
}
