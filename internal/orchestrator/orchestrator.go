// Package orchestrator implements the Work Orchestration Core's step
// engine: job creation, the NextStepMaterializer (spec.md §4.2), the
// failure handler and cancellation cascade (§4.3), and the progress and
// result assembler (§4.5). The scheduler package owns dispatch; this
// package owns what happens when a WorkItem completes.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/catalog"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// Orchestrator owns job lifecycle transitions. It is the single writer of
// Job/WorkflowStep/WorkItem/UserWork state outside of dispatch.
type Orchestrator struct {
	store     interfaces.Store
	artifacts interfaces.ArtifactStore
	metrics   interfaces.MetricsSink
	logger    arbor.ILogger
	limits    *common.LimitsConfig
}

// New builds an Orchestrator. metrics may be nil (no-op dispatch counters).
func New(store interfaces.Store, artifacts interfaces.ArtifactStore, metrics interfaces.MetricsSink, logger arbor.ILogger, limits *common.LimitsConfig) *Orchestrator {
	return &Orchestrator{store: store, artifacts: artifacts, metrics: metrics, logger: logger, limits: limits}
}

// ServiceChainStep describes one stage of the pipeline a new job should
// execute, as resolved by the (out of scope) public request surface before
// calling CreateJob.
type ServiceChainStep struct {
	ServiceID           string
	HasAggregatedOutput bool
}

// CreateJobRequest is everything the orchestrator needs to materialize a
// new Job, its WorkflowSteps, and its initial producer WorkItem.
type CreateJobRequest struct {
	Username             string
	NumInputGranules     int
	IgnoreErrors         bool
	IsAsync              bool
	GranuleCapPerService int
	Chain                []ServiceChainStep
}

// CreateJob persists a new Job with its WorkflowStep plan and a single
// READY WorkItem for step 1, and seeds the matching UserWork row.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if len(req.Chain) == 0 {
		return nil, herrors.Classify(herrors.ClassValidation, fmt.Errorf("a job requires at least one workflow step"))
	}

	now := time.Now().UTC()
	job := &models.Job{
		JobID:                uuid.NewString(),
		Username:             req.Username,
		Status:               models.JobStatusAccepted,
		NumInputGranules:     req.NumInputGranules,
		IgnoreErrors:         req.IgnoreErrors,
		IsAsync:              req.IsAsync,
		GranuleCapPerService: req.GranuleCapPerService,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	steps := make([]models.WorkflowStep, len(req.Chain))
	for i, c := range req.Chain {
		steps[i] = models.WorkflowStep{
			JobID:               job.JobID,
			StepIndex:           i + 1,
			ServiceID:           c.ServiceID,
			HasAggregatedOutput: c.HasAggregatedOutput,
		}
	}
	steps[0].WorkItemCount = 1

	err := o.store.WithTx(ctx, job.JobID, func(ctx context.Context, tx interfaces.Tx) error {
		if err := tx.CreateJob(ctx, job, steps); err != nil {
			return err
		}

		created, err := tx.CreateWorkItems(ctx, []models.WorkItem{{
			JobID:             job.JobID,
			WorkflowStepIndex: 1,
			ServiceID:         steps[0].ServiceID,
			Status:            models.WorkItemStatusReady,
		}})
		if err != nil {
			return err
		}
		_ = created

		uw := &models.UserWork{
			Username:   job.Username,
			JobID:      job.JobID,
			ServiceID:  steps[0].ServiceID,
			IsAsync:    job.IsAsync,
			ReadyCount: 1,
			LastWorked: now,
		}
		return tx.UpsertUserWork(ctx, uw)
	})
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatusRunning
	if err := o.store.WithTx(ctx, job.JobID, func(ctx context.Context, tx interfaces.Tx) error {
		j, err := tx.GetJobForUpdate(ctx, job.JobID)
		if err != nil {
			return err
		}
		j.Status = models.JobStatusRunning
		j.UpdatedAt = time.Now().UTC()
		return tx.UpdateJob(ctx, j)
	}); err != nil {
		return nil, err
	}

	return job, nil
}

// RemainingGranuleBudget computes min(job.NumInputGranules, collectionLimit)
// - job.GranulesProduced for the producer stage, per spec.md §4.2 Case D.
// collectionLimit is supplied by the (out of scope) catalog-search
// collaborator; callers without one should pass 0 to mean "unbounded".
func (o *Orchestrator) RemainingGranuleBudget(ctx context.Context, jobID string, collectionLimit int) (int, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}

	budget := job.NumInputGranules
	if collectionLimit > 0 && collectionLimit < budget {
		budget = collectionLimit
	}
	remaining := budget - job.GranulesProduced
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// WorkItemUpdate is the worker-reported completion payload (spec.md §6
// UpdateWorkItem).
type WorkItemUpdate struct {
	Status   models.WorkItemStatus
	Results  []string // ArtifactCatalog URLs
	ScrollID *string  // producer continuation token, meaningful at step 1 only
	Message  *string
}

// CompleteWorkItem applies a worker's completion report to one WorkItem,
// enforcing the I1/I3 fencing rule, then dispatches to the success or
// failure path (spec.md §4.2 steps 1-3).
func (o *Orchestrator) CompleteWorkItem(ctx context.Context, itemID int64, upd WorkItemUpdate) error {
	if upd.Status != models.WorkItemStatusSuccessful && upd.Status != models.WorkItemStatusWarning && upd.Status != models.WorkItemStatusFailed {
		return herrors.Classify(herrors.ClassValidation, fmt.Errorf("invalid terminal status %q", upd.Status))
	}

	return o.store.WithTx(ctx, "", func(ctx context.Context, tx interfaces.Tx) error {
		item, err := tx.GetWorkItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		job, err := tx.GetJobForUpdate(ctx, item.JobID)
		if err != nil {
			return err
		}

		// I3: job already terminal rejects every further completion.
		if job.Status.IsTerminal() {
			return herrors.Classify(herrors.ClassConflict, herrors.ErrConflict)
		}
		// I1/fencing: only a RUNNING item can be completed; a second
		// completion attempt for the same item observes this and is
		// rejected rather than double-applied.
		if item.Status != models.WorkItemStatusRunning {
			return herrors.Classify(herrors.ClassConflict, herrors.ErrConflict)
		}

		step, err := tx.GetWorkflowStep(ctx, item.JobID, item.WorkflowStepIndex)
		if err != nil {
			return err
		}

		// Every completion releases this item's RUNNING slot regardless
		// of outcome; readyCount deltas (retry requeue, next-step fanout)
		// are applied by whichever path below needs them.
		if err := tx.IncrementUserWork(ctx, item.JobID, item.ServiceID, 0, -1); err != nil {
			return err
		}

		if upd.Status == models.WorkItemStatusFailed {
			return o.handleFailure(ctx, tx, job, step, item, upd)
		}
		return o.handleSuccess(ctx, tx, job, step, item, upd)
	})
}

func (o *Orchestrator) handleSuccess(ctx context.Context, tx interfaces.Tx, job *models.Job, step *models.WorkflowStep, item *models.WorkItem, upd WorkItemUpdate) error {
	catalogs, err := o.decodeCatalogs(ctx, upd.Results)
	if err != nil {
		// Validation failures are not worker failures: spec.md §4.5 "cause
		// the item to be marked FAILED with a RequestValidationError
		// message" rather than retried.
		return o.terminalFailure(ctx, tx, job, step, item, err.Error(), false)
	}

	item.Status = upd.Status
	item.Results = upd.Results
	item.ScrollID = upd.ScrollID
	item.Message = upd.Message
	if err := tx.UpdateWorkItem(ctx, item); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.IncWorkItemsCompleted(step.ServiceID, string(item.Status))
	}

	if err := materializeNextStep(ctx, tx, o.artifacts, o.limits, job, step, item, catalogs); err != nil {
		return err
	}

	if step.IsProducer() {
		if err := continueProducer(ctx, tx, job, step, item, upd, o.limits); err != nil {
			return err
		}
	}

	return o.recomputeProgressAndFinalize(ctx, tx, job)
}

// decodeCatalogs fetches and validates every result catalog URL reported by
// a worker. Any failure here is a validation failure, not a worker failure
// (spec.md §4.5).
func (o *Orchestrator) decodeCatalogs(ctx context.Context, urls []string) ([]*models.ArtifactCatalog, error) {
	out := make([]*models.ArtifactCatalog, 0, len(urls))
	for _, url := range urls {
		body, err := o.artifacts.Get(ctx, url)
		if err != nil {
			return nil, herrors.Classify(herrors.ClassValidation, fmt.Errorf("fetching result catalog %s: %w", url, err))
		}
		c, err := catalog.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("decoding result catalog %s: %w", url, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, tx interfaces.Tx, job *models.Job, step *models.WorkflowStep, item *models.WorkItem, upd WorkItemUpdate) error {
	maxRetries := 0
	if o.limits != nil {
		maxRetries = o.limits.MaxRetries
	}

	if item.Retries < maxRetries {
		// Worker failure within budget: re-queue READY rather than count
		// it as a terminal failure (spec.md §4.3 retry policy).
		item.Status = models.WorkItemStatusReady
		item.Retries++
		item.Message = upd.Message
		if err := tx.UpdateWorkItem(ctx, item); err != nil {
			return err
		}
		return tx.IncrementUserWork(ctx, item.JobID, item.ServiceID, 1, 0)
	}

	message := "work item failed after exhausting retries"
	if upd.Message != nil && *upd.Message != "" {
		message = *upd.Message
	}
	return o.terminalFailure(ctx, tx, job, step, item, message, true)
}

// terminalFailure marks item FAILED, increments the job's failure counter,
// and applies the ignoreErrors policy (spec.md §4.3): cancel the whole job
// when errors are not tolerated or the budget is exceeded, otherwise
// continue and let progress/finalization run as normal. A tolerated failure
// also gives an aggregating next step its chance to close out (Case C), in
// case this item was the last of its step to finish.
func (o *Orchestrator) terminalFailure(ctx context.Context, tx interfaces.Tx, job *models.Job, step *models.WorkflowStep, item *models.WorkItem, message string, countsAsWorkerFailure bool) error {
	item.Status = models.WorkItemStatusFailed
	item.Message = &message
	if err := tx.UpdateWorkItem(ctx, item); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.IncWorkItemsCompleted(step.ServiceID, string(item.Status))
	}

	job.FailedItems++
	maxErrors := 0
	if o.limits != nil {
		maxErrors = o.limits.MaxErrorsForJob
	}

	if err := tx.AppendJobLog(ctx, job.JobID, "error", message); err != nil {
		return err
	}

	if !job.IgnoreErrors || job.FailedItems > maxErrors {
		return o.cancelJob(ctx, tx, job, message)
	}

	nextStep, err := tx.GetWorkflowStep(ctx, job.JobID, step.StepIndex+1)
	if err != nil && err != herrors.ErrWorkflowStepNotFound {
		return err
	}
	if err == nil && nextStep.HasAggregatedOutput {
		outputs, err := tx.ListTerminalStepOutputs(ctx, job.JobID, step.StepIndex)
		if err != nil {
			return err
		}
		if len(outputs) > 0 {
			if err := materializeCaseC(ctx, tx, o.artifacts, o.limits, job, step, nextStep); err != nil {
				return err
			}
		}
	}

	job.Status = models.JobStatusRunningWithErrors
	job.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	return o.recomputeProgressAndFinalize(ctx, tx, job)
}

// cancelJob implements the cancellation cascade of spec.md §4.3/§9: a
// single bulk statement cancels every non-terminal item, UserWork for the
// job is cleared, and the job moves to FAILED in the same transaction.
func (o *Orchestrator) cancelJob(ctx context.Context, tx interfaces.Tx, job *models.Job, message string) error {
	if _, err := tx.CancelNonTerminalWorkItems(ctx, job.JobID); err != nil {
		return err
	}
	if err := tx.ClearUserWorkForJob(ctx, job.JobID); err != nil {
		return err
	}

	job.Status = models.JobStatusFailed
	job.Message = message
	job.UpdatedAt = time.Now().UTC()
	return tx.UpdateJob(ctx, job)
}

// CancelJob terminates a job at the user's request: every non-terminal
// WorkItem is canceled and the job moves to CANCELED (spec.md §5
// "Cancellation").
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	return o.store.WithTx(ctx, jobID, func(ctx context.Context, tx interfaces.Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return herrors.Classify(herrors.ClassConflict, herrors.ErrConflict)
		}

		if _, err := tx.CancelNonTerminalWorkItems(ctx, jobID); err != nil {
			return err
		}
		if err := tx.ClearUserWorkForJob(ctx, jobID); err != nil {
			return err
		}

		job.Status = models.JobStatusCanceled
		job.Message = "canceled by user request"
		job.UpdatedAt = time.Now().UTC()
		return tx.UpdateJob(ctx, job)
	})
}
