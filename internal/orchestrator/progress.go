package orchestrator

import (
	"context"
	"time"

	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// terminalCountingStatuses enumerates every WorkItemStatus that counts
// toward "this step is done" (spec.md §4.4 "every step's items are all
// terminal").
var terminalCountingStatuses = []models.WorkItemStatus{
	models.WorkItemStatusSuccessful,
	models.WorkItemStatusWarning,
	models.WorkItemStatusFailed,
	models.WorkItemStatusCanceled,
}

// recomputeProgressAndFinalize is the Progress & Result Assembler of
// spec.md §4.5. It runs after every terminal WorkItem transition and does
// two things in one pass over the pipeline's steps:
//
//  1. Recomputes Job.Progress as the terminal fraction of the last step's
//     planned WorkItemCount, clamped to 95 until the whole pipeline closes
//     out (a step's WorkItemCount can still grow after this call, via
//     materializeCaseB/C or a producer continuation, so 100 is reserved for
//     "nothing more will ever be queued").
//  2. Detects pipeline closure — every step's terminal count equals its
//     current WorkItemCount — and, if closed, moves the job to its final
//     SUCCESSFUL, COMPLETE_WITH_ERRORS or FAILED state (FAILED when items
//     failed or warned and the job has no links at all). CANCELED, and
//     FAILED after a failure that is not tolerated, are reached directly
//     by cancelJob/CancelJob and never pass through here.
func (o *Orchestrator) recomputeProgressAndFinalize(ctx context.Context, tx interfaces.Tx, job *models.Job) error {
	if job.Status.IsTerminal() {
		return nil
	}

	steps, err := tx.ListWorkflowSteps(ctx, job.JobID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	lastStep := steps[len(steps)-1]

	allDone := true
	warnings := 0
	var lastTerminal, lastTotal int

	for _, s := range steps {
		terminal := 0
		for _, st := range terminalCountingStatuses {
			n, err := tx.CountWorkItemsByStatus(ctx, job.JobID, s.StepIndex, st)
			if err != nil {
				return err
			}
			terminal += n
			if st == models.WorkItemStatusWarning {
				warnings += n
			}
		}
		if terminal < s.WorkItemCount {
			allDone = false
		}
		if s.StepIndex == lastStep.StepIndex {
			lastTerminal, lastTotal = terminal, s.WorkItemCount
		}
	}

	if lastTotal > 0 {
		progress := lastTerminal * 100 / lastTotal
		if !allDone && progress > 95 {
			progress = 95
		}
		job.Progress = progress
	}

	if !allDone {
		job.UpdatedAt = time.Now().UTC()
		return tx.UpdateJob(ctx, job)
	}

	switch {
	case (job.FailedItems > 0 || warnings > 0) && len(job.Links) == 0:
		// ignoreErrors kept the job alive within its retry budget, but
		// every item failed and nothing was ever produced (spec.md §4.3:
		// "FAILED if no outputs at all").
		job.Status = models.JobStatusFailed
	case job.FailedItems > 0 || warnings > 0:
		job.Status = models.JobStatusCompleteWithErrors
	default:
		job.Status = models.JobStatusSuccessful
	}
	job.Progress = 100
	job.UpdatedAt = time.Now().UTC()
	return tx.UpdateJob(ctx, job)
}
