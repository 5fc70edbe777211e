package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/models"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool { return i != 0 }

func unixToTime(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0).UTC()
}

// GetJob reads a job without holding a row lock, for read-mostly status
// queries that do not need to couple with a mutation.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT job_id, username, status, progress, message, num_input_granules,
		       ignore_errors, is_async, granule_cap_per_service, failed_items,
		       granules_produced, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	links, err := s.loadJobLinks(ctx, s.db.DB(), jobID)
	if err != nil {
		return nil, err
	}
	job.Links = links
	return job, nil
}

func scanJob(row *sql.Row) (*models.Job, error) {
	var j models.Job
	var ignoreErrors, isAsync int
	var createdAt, updatedAt int64
	err := row.Scan(&j.JobID, &j.Username, &j.Status, &j.Progress, &j.Message,
		&j.NumInputGranules, &ignoreErrors, &isAsync, &j.GranuleCapPerService,
		&j.FailedItems, &j.GranulesProduced, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, herrors.ErrJobNotFound
	}
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	j.IgnoreErrors = intToBool(ignoreErrors)
	j.IsAsync = intToBool(isAsync)
	j.CreatedAt = unixToTime(createdAt)
	j.UpdatedAt = unixToTime(updatedAt)
	return &j, nil
}

func rowsToJob(rows *sql.Rows) (*models.Job, error) {
	var j models.Job
	var ignoreErrors, isAsync int
	var createdAt, updatedAt int64
	if err := rows.Scan(&j.JobID, &j.Username, &j.Status, &j.Progress, &j.Message,
		&j.NumInputGranules, &ignoreErrors, &isAsync, &j.GranuleCapPerService,
		&j.FailedItems, &j.GranulesProduced, &createdAt, &updatedAt); err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	j.IgnoreErrors = intToBool(ignoreErrors)
	j.IsAsync = intToBool(isAsync)
	j.CreatedAt = unixToTime(createdAt)
	j.UpdatedAt = unixToTime(updatedAt)
	return &j, nil
}

func (s *Store) loadJobLinks(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
}, jobID string) ([]models.Link, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT href, title, type, bbox_json, temporal_start, temporal_end, step_index, item_id
		FROM job_links WHERE job_id = ? ORDER BY step_index ASC, item_id ASC`, jobID)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var links []models.Link
	for rows.Next() {
		var l models.Link
		var bboxJSON sql.NullString
		var tStart, tEnd sql.NullInt64
		if err := rows.Scan(&l.Href, &l.Title, &l.Type, &bboxJSON, &tStart, &tEnd, &l.StepIndex, &l.ItemID); err != nil {
			return nil, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		if bboxJSON.Valid {
			var b models.BBox
			if err := json.Unmarshal([]byte(bboxJSON.String), &b); err == nil {
				l.BBox = &b
			}
		}
		if tStart.Valid && tEnd.Valid {
			l.Temporal = &models.Temporal{Start: unixToTime(tStart.Int64), End: unixToTime(tEnd.Int64)}
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// CreateJob inserts a job and its initial workflow step plan in one
// transaction.
func (t *txImpl) CreateJob(ctx context.Context, job *models.Job, steps []models.WorkflowStep) error {
	now := job.CreatedAt.Unix()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, username, status, progress, message, num_input_granules,
		                   ignore_errors, is_async, granule_cap_per_service, failed_items,
		                   granules_produced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Username, job.Status, job.Progress, job.Message, job.NumInputGranules,
		boolToInt(job.IgnoreErrors), boolToInt(job.IsAsync), job.GranuleCapPerService,
		job.FailedItems, job.GranulesProduced, now, now)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}

	for _, step := range steps {
		if err := t.UpdateWorkflowStep(ctx, &step); err != nil {
			return err
		}
	}
	return nil
}

// GetJobForUpdate reads a job within the transaction; with MaxOpenConns(1)
// every transaction already excludes every other, so this is a plain read
// scoped to the tx for call-site clarity about intent (§4.4 "row lock").
func (t *txImpl) GetJobForUpdate(ctx context.Context, jobID string) (*models.Job, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT job_id, username, status, progress, message, num_input_granules,
		       ignore_errors, is_async, granule_cap_per_service, failed_items,
		       granules_produced, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	links, err := loadJobLinksTx(ctx, t.tx, jobID)
	if err != nil {
		return nil, err
	}
	job.Links = links
	return job, nil
}

func loadJobLinksTx(ctx context.Context, tx *sql.Tx, jobID string) ([]models.Link, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT href, title, type, bbox_json, temporal_start, temporal_end, step_index, item_id
		FROM job_links WHERE job_id = ? ORDER BY step_index ASC, item_id ASC`, jobID)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var links []models.Link
	for rows.Next() {
		var l models.Link
		var bboxJSON sql.NullString
		var tStart, tEnd sql.NullInt64
		if err := rows.Scan(&l.Href, &l.Title, &l.Type, &bboxJSON, &tStart, &tEnd, &l.StepIndex, &l.ItemID); err != nil {
			return nil, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		if bboxJSON.Valid {
			var b models.BBox
			if err := json.Unmarshal([]byte(bboxJSON.String), &b); err == nil {
				l.BBox = &b
			}
		}
		if tStart.Valid && tEnd.Valid {
			l.Temporal = &models.Temporal{Start: unixToTime(tStart.Int64), End: unixToTime(tEnd.Int64)}
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// UpdateJob persists every mutable field of job, including its updatedAt
// stamp. Callers are expected to have checked I3 terminal-fencing before
// calling this for a terminal-bound transition.
func (t *txImpl) UpdateJob(ctx context.Context, job *models.Job) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET status=?, progress=?, message=?, num_input_granules=?,
		                ignore_errors=?, is_async=?, granule_cap_per_service=?,
		                failed_items=?, granules_produced=?, updated_at=?
		WHERE job_id=?`,
		job.Status, job.Progress, job.Message, job.NumInputGranules,
		boolToInt(job.IgnoreErrors), boolToInt(job.IsAsync), job.GranuleCapPerService,
		job.FailedItems, job.GranulesProduced, job.UpdatedAt.Unix(), job.JobID)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	if n == 0 {
		return herrors.ErrJobNotFound
	}
	return nil
}

// AppendJobLog writes one structured log line for a job into job_logs
// (spec.md §9's per-job log retention).
func (t *txImpl) AppendJobLog(ctx context.Context, jobID, level, message string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		jobID, level, message, time.Now().Unix())
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}

// AppendJobLinks appends result links to a job, used by the progress and
// result assembler (spec.md §4.5) in (stepIndex, itemID) order.
func (t *txImpl) AppendJobLinks(ctx context.Context, jobID string, links []models.Link) error {
	for _, l := range links {
		var bboxJSON sql.NullString
		if l.BBox != nil {
			b, err := json.Marshal(l.BBox)
			if err != nil {
				return herrors.Classify(herrors.ClassProgrammerError, err)
			}
			bboxJSON = sql.NullString{String: string(b), Valid: true}
		}
		var tStart, tEnd sql.NullInt64
		if l.Temporal != nil {
			tStart = sql.NullInt64{Int64: l.Temporal.Start.Unix(), Valid: true}
			tEnd = sql.NullInt64{Int64: l.Temporal.End.Unix(), Valid: true}
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO job_links (job_id, step_index, item_id, href, title, type, bbox_json, temporal_start, temporal_end)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, l.StepIndex, l.ItemID, l.Href, l.Title, l.Type, bboxJSON, tStart, tEnd)
		if err != nil {
			return herrors.Classify(herrors.ClassTransientInfra, err)
		}
	}
	return nil
}

// DeleteJob removes a job and every row that cascades from it (workflow
// steps, work items, user_work, links, errors, logs), used by the reaper
// loop (spec.md §4.6).
func (t *txImpl) DeleteJob(ctx context.Context, jobID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}

// ListReapableJobs returns job IDs in a terminal state whose updated_at
// predates olderThan, capped at batchSize (spec.md §4.6 reaper loop).
func (t *txImpl) ListReapableJobs(ctx context.Context, olderThan time.Time, batchSize int) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT job_id FROM jobs
		WHERE status IN (?, ?, ?, ?) AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		models.JobStatusCanceled, models.JobStatusCompleteWithErrors, models.JobStatusSuccessful, models.JobStatusFailed,
		olderThan.Unix(), batchSize)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
