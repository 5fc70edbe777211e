package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/models"
)

const workItemColumns = `id, job_id, workflow_step_index, service_id, status, retries,
	scroll_id, stac_catalog_location, results_json, message, updated_at`

func scanWorkItem(row interface{ Scan(...interface{}) error }) (*models.WorkItem, error) {
	var w models.WorkItem
	var resultsJSON string
	var updatedAt int64
	err := row.Scan(&w.ID, &w.JobID, &w.WorkflowStepIndex, &w.ServiceID, &w.Status, &w.Retries,
		&w.ScrollID, &w.StacCatalogLocation, &resultsJSON, &w.Message, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, herrors.ErrWorkItemNotFound
	}
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	if resultsJSON != "" {
		if err := json.Unmarshal([]byte(resultsJSON), &w.Results); err != nil {
			return nil, herrors.Classify(herrors.ClassProgrammerError, err)
		}
	}
	w.UpdatedAt = unixToTime(updatedAt)
	return &w, nil
}

// GetWorkItem reads one work item without holding a row lock.
func (s *Store) GetWorkItem(ctx context.Context, itemID int64) (*models.WorkItem, error) {
	row := s.db.DB().QueryRowContext(ctx, "SELECT "+workItemColumns+" FROM work_items WHERE id = ?", itemID)
	return scanWorkItem(row)
}

// ListWorkItems returns every work item at a given step of a job.
func (s *Store) ListWorkItems(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT "+workItemColumns+" FROM work_items WHERE job_id = ? AND workflow_step_index = ? ORDER BY id ASC",
		jobID, stepIndex)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// GetWorkItemForUpdate reads one work item within a transaction.
func (t *txImpl) GetWorkItemForUpdate(ctx context.Context, itemID int64) (*models.WorkItem, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+workItemColumns+" FROM work_items WHERE id = ?", itemID)
	return scanWorkItem(row)
}

// CreateWorkItems inserts a batch of new READY work items (the step
// engine's fan-out per spec.md §4.2 Cases B/D) and returns them with IDs
// populated. UserWork counters are not touched here; the caller credits
// the new READY items to UserWork in the same transaction (I2 invariant:
// readyCount tracks these rows).
func (t *txImpl) CreateWorkItems(ctx context.Context, items []models.WorkItem) ([]models.WorkItem, error) {
	out := make([]models.WorkItem, 0, len(items))
	now := time.Now().Unix()

	for _, item := range items {
		resultsJSON, err := json.Marshal(item.Results)
		if err != nil {
			return nil, herrors.Classify(herrors.ClassProgrammerError, err)
		}
		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO work_items (job_id, workflow_step_index, service_id, status, retries,
			                         scroll_id, stac_catalog_location, results_json, message, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.JobID, item.WorkflowStepIndex, item.ServiceID, item.Status, item.Retries,
			item.ScrollID, item.StacCatalogLocation, string(resultsJSON), item.Message, now)
		if err != nil {
			return nil, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		item.ID = id
		item.UpdatedAt = unixToTime(now)
		out = append(out, item)
	}
	return out, nil
}

// UpdateWorkItem persists a work item's mutable fields in full, including
// its results list and terminal-state message.
func (t *txImpl) UpdateWorkItem(ctx context.Context, item *models.WorkItem) error {
	resultsJSON, err := json.Marshal(item.Results)
	if err != nil {
		return herrors.Classify(herrors.ClassProgrammerError, err)
	}
	now := time.Now().Unix()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE work_items SET status=?, retries=?, scroll_id=?, stac_catalog_location=?,
		                      results_json=?, message=?, updated_at=?
		WHERE id=?`,
		item.Status, item.Retries, item.ScrollID, item.StacCatalogLocation,
		string(resultsJSON), item.Message, now, item.ID)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	if n == 0 {
		return herrors.ErrWorkItemNotFound
	}
	item.UpdatedAt = unixToTime(now)
	return nil
}

// CountWorkItemsByStatus counts work items at a step matching status, used
// by the NextStepMaterializer to decide whether an aggregating step's
// fan-in is complete (spec.md §4.2 Case C).
func (t *txImpl) CountWorkItemsByStatus(ctx context.Context, jobID string, stepIndex int, status models.WorkItemStatus) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE job_id = ? AND workflow_step_index = ? AND status = ?`,
		jobID, stepIndex, status).Scan(&n)
	if err != nil {
		return 0, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return n, nil
}

// ListTerminalStepOutputs returns every SUCCESSFUL or WARNING work item of
// a step, used to merge successful outputs into the next step's input
// catalog (spec.md §4.2 Cases B/C).
func (t *txImpl) ListTerminalStepOutputs(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+workItemColumns+` FROM work_items
		 WHERE job_id = ? AND workflow_step_index = ? AND status IN (?, ?)
		 ORDER BY id ASC`,
		jobID, stepIndex, models.WorkItemStatusSuccessful, models.WorkItemStatusWarning)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CancelNonTerminalWorkItems transitions every READY/RUNNING work item of a
// job to CANCELED, implementing the failure handler's cancellation cascade
// (spec.md §4.3: a FAILED item without ignoreErrors cancels every sibling
// still in flight). Returns the count canceled.
func (t *txImpl) CancelNonTerminalWorkItems(ctx context.Context, jobID string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE job_id = ? AND status IN (?, ?)`,
		models.WorkItemStatusCanceled, time.Now().Unix(),
		jobID, models.WorkItemStatusReady, models.WorkItemStatusRunning)
	if err != nil {
		return 0, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return int(n), nil
}

// DequeueReady atomically claims one READY work item in (jobID, serviceID)
// and transitions it to RUNNING. Realizes invariant I1 ("RUNNING for at
// most one worker"): with MaxOpenConns(1) this SELECT+UPDATE pair inside a
// single transaction can never race with another DequeueReady call.
func (t *txImpl) DequeueReady(ctx context.Context, jobID, serviceID string) (*models.WorkItem, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id FROM work_items
		WHERE job_id = ? AND service_id = ? AND status = ?
		ORDER BY id ASC LIMIT 1`,
		jobID, serviceID, models.WorkItemStatusReady)

	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, herrors.ErrWorkItemNotFound
		}
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}

	now := time.Now().Unix()
	if _, err := t.tx.ExecContext(ctx, `UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`,
		models.WorkItemStatusRunning, now, id); err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}

	row = t.tx.QueryRowContext(ctx, "SELECT "+workItemColumns+" FROM work_items WHERE id = ?", id)
	return scanWorkItem(row)
}
