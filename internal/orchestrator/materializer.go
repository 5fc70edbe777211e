package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/harmony/internal/catalog"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// materializeNextStep implements the NextStepMaterializer of spec.md §4.2:
// once a WorkItem's results are decoded and validated, this decides what
// happens to the pipeline immediately downstream of it.
//
//   - Case A: there is no next step. The catalog's items become Job.Links.
//   - Case B: the next step does not aggregate. One WorkItem is fanned out
//     per result catalog URL.
//   - Case C: the next step aggregates. Materialization waits until every
//     item of the current step is terminal, then merges and pages all
//     SUCCESSFUL/WARNING outputs into a single input catalog for exactly
//     one WorkItem at the next step.
func materializeNextStep(ctx context.Context, tx interfaces.Tx, artifacts interfaces.ArtifactStore, limits *common.LimitsConfig, job *models.Job, step *models.WorkflowStep, item *models.WorkItem, catalogs []*models.ArtifactCatalog) error {
	nextIndex := item.WorkflowStepIndex + 1
	nextStep, err := tx.GetWorkflowStep(ctx, job.JobID, nextIndex)
	if err == herrors.ErrWorkflowStepNotFound {
		return materializeCaseA(ctx, tx, job, item, catalogs)
	}
	if err != nil {
		return err
	}

	if nextStep.HasAggregatedOutput {
		return materializeCaseC(ctx, tx, artifacts, limits, job, step, nextStep)
	}
	return materializeCaseB(ctx, tx, job, nextStep, item)
}

// materializeCaseA attaches a terminal item's result catalogs directly to
// Job.Links: this is the last stage of the pipeline, so there is nowhere
// downstream for the results to flow except the user-visible result list.
func materializeCaseA(ctx context.Context, tx interfaces.Tx, job *models.Job, item *models.WorkItem, catalogs []*models.ArtifactCatalog) error {
	var links []models.Link
	for _, c := range catalogs {
		ls, err := catalog.ToLinks(c, item.WorkflowStepIndex, item.ID)
		if err != nil {
			return err
		}
		links = append(links, ls...)
	}
	if len(links) == 0 {
		return nil
	}
	if err := tx.AppendJobLinks(ctx, job.JobID, links); err != nil {
		return err
	}
	job.Links = append(job.Links, links...)
	return nil
}

// materializeCaseB fans out one READY WorkItem per result catalog URL to a
// non-aggregating next step: each result becomes an independent unit of work
// rather than waiting on its siblings.
func materializeCaseB(ctx context.Context, tx interfaces.Tx, job *models.Job, nextStep *models.WorkflowStep, item *models.WorkItem) error {
	if len(item.Results) == 0 {
		return nil
	}

	newItems := make([]models.WorkItem, 0, len(item.Results))
	for _, url := range item.Results {
		loc := url
		newItems = append(newItems, models.WorkItem{
			JobID:               job.JobID,
			WorkflowStepIndex:   nextStep.StepIndex,
			ServiceID:           nextStep.ServiceID,
			Status:              models.WorkItemStatusReady,
			StacCatalogLocation: &loc,
		})
	}

	created, err := tx.CreateWorkItems(ctx, newItems)
	if err != nil {
		return err
	}

	nextStep.WorkItemCount += len(created)
	if err := tx.UpdateWorkflowStep(ctx, nextStep); err != nil {
		return err
	}
	return ensureUserWorkAndIncrement(ctx, tx, job, nextStep.ServiceID, len(created))
}

// materializeCaseC waits for every WorkItem of the current step to reach a
// terminal state, then merges and pages all SUCCESSFUL and WARNING outputs
// into a single input catalog for the next (aggregating) step (spec.md
// §4.2 Case C, §8 scenario 5). Called on every terminal transition of a
// sibling item, it is a no-op until the last one lands.
func materializeCaseC(ctx context.Context, tx interfaces.Tx, artifacts interfaces.ArtifactStore, limits *common.LimitsConfig, job *models.Job, step *models.WorkflowStep, nextStep *models.WorkflowStep) error {
	var terminal int
	for _, st := range []models.WorkItemStatus{
		models.WorkItemStatusSuccessful, models.WorkItemStatusWarning,
		models.WorkItemStatusFailed, models.WorkItemStatusCanceled,
	} {
		n, err := tx.CountWorkItemsByStatus(ctx, job.JobID, step.StepIndex, st)
		if err != nil {
			return err
		}
		terminal += n
	}
	if terminal < step.WorkItemCount {
		// Siblings still outstanding; this item's completion alone does not
		// close out the aggregating step.
		return nil
	}

	outputs, err := tx.ListTerminalStepOutputs(ctx, job.JobID, step.StepIndex)
	if err != nil {
		return err
	}

	var catalogs []*models.ArtifactCatalog
	for _, out := range outputs {
		for _, url := range out.Results {
			body, err := artifacts.Get(ctx, url)
			if err != nil {
				return herrors.Classify(herrors.ClassTransientInfra, fmt.Errorf("fetching aggregation input %s: %w", url, err))
			}
			c, err := catalog.Decode(body)
			if err != nil {
				return err
			}
			catalogs = append(catalogs, c)
		}
	}
	merged := catalog.Merge(catalogs...)

	maxPageSize := 0
	if limits != nil {
		maxPageSize = limits.AggregateStacCatalogMaxPageSize
	}
	pages := catalog.Paginate(merged, maxPageSize, func(i int) string {
		return artifacts.URLFor(job.JobID, nextStep.StepIndex, 0, aggPageKind(i))
	})

	var headURL string
	for i, page := range pages {
		body, err := json.Marshal(page)
		if err != nil {
			return herrors.Classify(herrors.ClassProgrammerError, fmt.Errorf("marshaling aggregate catalog page %d: %w", i, err))
		}
		url, err := artifacts.Put(ctx, job.JobID, nextStep.StepIndex, 0, aggPageKind(i), body)
		if err != nil {
			if err == herrors.ErrArtifactExists {
				// A prior attempt at this same completion already wrote this
				// page (write-once keys are deterministic); reuse its URL.
				url = artifacts.URLFor(job.JobID, nextStep.StepIndex, 0, aggPageKind(i))
			} else {
				return err
			}
		}
		if i == 0 {
			headURL = url
		}
	}

	if _, err := tx.CreateWorkItems(ctx, []models.WorkItem{{
		JobID:               job.JobID,
		WorkflowStepIndex:   nextStep.StepIndex,
		ServiceID:           nextStep.ServiceID,
		Status:              models.WorkItemStatusReady,
		StacCatalogLocation: &headURL,
	}}); err != nil {
		return err
	}

	nextStep.WorkItemCount = 1
	if err := tx.UpdateWorkflowStep(ctx, nextStep); err != nil {
		return err
	}
	return ensureUserWorkAndIncrement(ctx, tx, job, nextStep.ServiceID, 1)
}

func aggPageKind(pageIndex int) string {
	return fmt.Sprintf("agg-page-%d", pageIndex)
}

// ensureUserWorkAndIncrement credits readyDelta READY items to (job,
// serviceID)'s UserWork row, creating the row first if this is the first
// time the job has had work for that service (spec.md §3 "UserWork exists
// only while the job has non-terminal work for that service").
func ensureUserWorkAndIncrement(ctx context.Context, tx interfaces.Tx, job *models.Job, serviceID string, readyDelta int) error {
	if readyDelta == 0 {
		return nil
	}
	existing, err := tx.GetUserWorkForUpdate(ctx, job.JobID, serviceID)
	if err != nil {
		return err
	}
	if existing == nil {
		return tx.UpsertUserWork(ctx, &models.UserWork{
			Username:   job.Username,
			JobID:      job.JobID,
			ServiceID:  serviceID,
			IsAsync:    job.IsAsync,
			ReadyCount: readyDelta,
			LastWorked: time.Now().UTC(),
		})
	}
	return tx.IncrementUserWork(ctx, job.JobID, serviceID, readyDelta, 0)
}

// continueProducer implements Case D of spec.md §4.2: the producer stage
// (step 1) pages through an upstream search using a scrollID. As long as the
// worker reports a continuation token and the job's granule budget is not
// exhausted, one more READY producer WorkItem is queued to fetch the next
// page.
func continueProducer(ctx context.Context, tx interfaces.Tx, job *models.Job, step *models.WorkflowStep, item *models.WorkItem, upd WorkItemUpdate, limits *common.LimitsConfig) error {
	produced := 0
	for range item.Results {
		produced++
	}
	job.GranulesProduced += produced

	if upd.ScrollID == nil || *upd.ScrollID == "" {
		return nil
	}

	budget := job.NumInputGranules
	if job.GranuleCapPerService > 0 && job.GranuleCapPerService < budget {
		budget = job.GranuleCapPerService
	}
	if job.GranulesProduced >= budget {
		return nil
	}

	scrollID := *upd.ScrollID
	created, err := tx.CreateWorkItems(ctx, []models.WorkItem{{
		JobID:             job.JobID,
		WorkflowStepIndex: step.StepIndex,
		ServiceID:         step.ServiceID,
		Status:            models.WorkItemStatusReady,
		ScrollID:          &scrollID,
	}})
	if err != nil {
		return err
	}
	_ = created

	step.WorkItemCount++
	if err := tx.UpdateWorkflowStep(ctx, step); err != nil {
		return err
	}
	return ensureUserWorkAndIncrement(ctx, tx, job, step.ServiceID, 1)
}
