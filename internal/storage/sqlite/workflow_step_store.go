package sqlite

import (
	"context"
	"database/sql"

	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/models"
)

// GetWorkflowSteps returns every step of a job's pipeline, ordered by
// stepIndex ascending (spec.md §3 "dense, increasing").
func (s *Store) GetWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT job_id, step_index, service_id, work_item_count, has_aggregated_output, is_complete
		FROM workflow_steps WHERE job_id = ? ORDER BY step_index ASC`, jobID)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var steps []models.WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanWorkflowStep(rows *sql.Rows) (models.WorkflowStep, error) {
	var w models.WorkflowStep
	var hasAgg, isComplete int
	if err := rows.Scan(&w.JobID, &w.StepIndex, &w.ServiceID, &w.WorkItemCount, &hasAgg, &isComplete); err != nil {
		return w, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	w.HasAggregatedOutput = intToBool(hasAgg)
	w.IsComplete = intToBool(isComplete)
	return w, nil
}

// GetWorkflowStep reads one step of a job's pipeline within a transaction.
func (t *txImpl) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT job_id, step_index, service_id, work_item_count, has_aggregated_output, is_complete
		FROM workflow_steps WHERE job_id = ? AND step_index = ?`, jobID, stepIndex)

	var w models.WorkflowStep
	var hasAgg, isComplete int
	err := row.Scan(&w.JobID, &w.StepIndex, &w.ServiceID, &w.WorkItemCount, &hasAgg, &isComplete)
	if err == sql.ErrNoRows {
		return nil, herrors.ErrWorkflowStepNotFound
	}
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	w.HasAggregatedOutput = intToBool(hasAgg)
	w.IsComplete = intToBool(isComplete)
	return &w, nil
}

// ListWorkflowSteps returns every step of a job's pipeline within a
// transaction, ordered by stepIndex ascending. Unlike Store.GetWorkflowSteps
// it participates in the caller's transaction, so the progress assembler can
// read a consistent view of steps alongside the WorkItem counts it compares
// them against.
func (t *txImpl) ListWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT job_id, step_index, service_id, work_item_count, has_aggregated_output, is_complete
		FROM workflow_steps WHERE job_id = ? ORDER BY step_index ASC`, jobID)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var steps []models.WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateWorkflowStep upserts a workflow step row (used both for initial
// pipeline-plan creation and for workItemCount/isComplete mutation as the
// step engine materializes work).
func (t *txImpl) UpdateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (job_id, step_index, service_id, work_item_count, has_aggregated_output, is_complete)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, step_index) DO UPDATE SET
			service_id = excluded.service_id,
			work_item_count = excluded.work_item_count,
			has_aggregated_output = excluded.has_aggregated_output,
			is_complete = excluded.is_complete`,
		step.JobID, step.StepIndex, step.ServiceID, step.WorkItemCount,
		boolToInt(step.HasAggregatedOutput), boolToInt(step.IsComplete))
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}
