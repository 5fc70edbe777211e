package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

func scanUserWork(row interface{ Scan(...interface{}) error }) (*models.UserWork, error) {
	var u models.UserWork
	var isAsync int
	var lastWorked int64
	err := row.Scan(&u.JobID, &u.ServiceID, &u.Username, &isAsync, &u.ReadyCount, &u.RunningCount, &lastWorked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	u.IsAsync = intToBool(isAsync)
	u.LastWorked = unixToTime(lastWorked)
	return &u, nil
}

const userWorkColumns = `job_id, service_id, username, is_async, ready_count, running_count, last_worked`

// GetUserWork reads one (job, service) queue aggregate without a row lock.
// Returns (nil, nil) if no row exists: UserWork rows only exist while a job
// has non-terminal work for that service (spec.md §3).
func (s *Store) GetUserWork(ctx context.Context, jobID, serviceID string) (*models.UserWork, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT "+userWorkColumns+" FROM user_work WHERE job_id = ? AND service_id = ?", jobID, serviceID)
	return scanUserWork(row)
}

// GetUserWorkForUpdate reads one (job, service) queue aggregate within a
// transaction.
func (t *txImpl) GetUserWorkForUpdate(ctx context.Context, jobID, serviceID string) (*models.UserWork, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+userWorkColumns+" FROM user_work WHERE job_id = ? AND service_id = ?", jobID, serviceID)
	return scanUserWork(row)
}

// UpsertUserWork creates or fully replaces a (job, service) queue aggregate
// row.
func (t *txImpl) UpsertUserWork(ctx context.Context, uw *models.UserWork) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_work (job_id, service_id, username, is_async, ready_count, running_count, last_worked)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, service_id) DO UPDATE SET
			username = excluded.username,
			is_async = excluded.is_async,
			ready_count = excluded.ready_count,
			running_count = excluded.running_count,
			last_worked = excluded.last_worked`,
		uw.JobID, uw.ServiceID, uw.Username, boolToInt(uw.IsAsync), uw.ReadyCount, uw.RunningCount, uw.LastWorked.Unix())
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}

// IncrementUserWork applies signed deltas to a (job, service) row's
// readyCount/runningCount, clamped at zero, realizing the I2 invariant's
// counter maintenance on every dispatch/completion transition (spec.md
// §4.4). It is a no-op if the row does not exist (already cleared).
func (t *txImpl) IncrementUserWork(ctx context.Context, jobID, serviceID string, readyDelta, runningDelta int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE user_work SET
			ready_count = MAX(0, ready_count + ?),
			running_count = MAX(0, running_count + ?)
		WHERE job_id = ? AND service_id = ?`,
		readyDelta, runningDelta, jobID, serviceID)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}

// DeleteUserWork removes a (job, service) aggregate row once it has no more
// non-terminal work (spec.md §3).
func (t *txImpl) DeleteUserWork(ctx context.Context, jobID, serviceID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM user_work WHERE job_id = ? AND service_id = ?`, jobID, serviceID)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}

// ZeroUserWorkCounts resets both counters to zero for a PAUSED job's
// (job, service) row, leaving the row itself in place (spec.md §4.6).
func (t *txImpl) ZeroUserWorkCounts(ctx context.Context, jobID, serviceID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE user_work SET ready_count = 0, running_count = 0 WHERE job_id = ? AND service_id = ?`,
		jobID, serviceID)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}

// ClearUserWorkForJob removes every UserWork row for a job, used by the
// failure handler's cancellation cascade and by the reaper.
func (t *txImpl) ClearUserWorkForJob(ctx context.Context, jobID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM user_work WHERE job_id = ?`, jobID)
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return nil
}

// FairQueueCandidates returns the ranked (jobID, username) pairs with
// readyCount>0 for a service, per spec.md §4.1's ordering rule: sync before
// async within a user, then oldest lastWorked first, interleaved
// round-robin across users. This query produces the ranking within each
// user (sync before async, then oldest lastWorked); internal/scheduler performs
// the round-robin interleave across the distinct usernames this returns,
// since that interleaving is a stateful walk the SQL layer should not own.
func (t *txImpl) FairQueueCandidates(ctx context.Context, serviceID string, maxItems int) ([]interfaces.FairQueueCandidate, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT job_id, username, is_async, last_worked
		FROM user_work
		WHERE service_id = ? AND ready_count > 0
		ORDER BY username ASC, is_async ASC, last_worked ASC
		LIMIT ?`,
		serviceID, maxItems)
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var out []interfaces.FairQueueCandidate
	for rows.Next() {
		var c interfaces.FairQueueCandidate
		var isAsync int
		var lastWorked int64
		if err := rows.Scan(&c.JobID, &c.Username, &isAsync, &lastWorked); err != nil {
			return nil, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		c.IsAsync = intToBool(isAsync)
		c.LastWorked = unixToTime(lastWorked)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDriftedUserWork returns UserWork rows not refreshed since
// lastWorkedBefore, candidates for the user-work reconciler loop's
// recomputation pass (spec.md §4.6, invariant I2).
func (t *txImpl) ListDriftedUserWork(ctx context.Context, lastWorkedBefore time.Time) ([]models.UserWork, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+userWorkColumns+" FROM user_work WHERE last_worked < ? ORDER BY last_worked ASC",
		lastWorkedBefore.Unix())
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	defer rows.Close()

	var out []models.UserWork
	for rows.Next() {
		uw, err := scanUserWork(rows)
		if err != nil {
			return nil, err
		}
		if uw != nil {
			out = append(out, *uw)
		}
	}
	return out, rows.Err()
}

// RecomputeUserWorkCounts recounts a (job, service)'s READY/RUNNING work
// items directly from work_items and writes the corrected counters,
// realizing I2's "reconciler is the fixpoint" resolution (spec.md §4.4,
// §9).
func (t *txImpl) RecomputeUserWorkCounts(ctx context.Context, jobID, serviceID string) (readyCount, runningCount int, err error) {
	err = t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items WHERE job_id = ? AND service_id = ? AND status = ?`,
		jobID, serviceID, models.WorkItemStatusReady).Scan(&readyCount)
	if err != nil {
		return 0, 0, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	err = t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_items WHERE job_id = ? AND service_id = ? AND status = ?`,
		jobID, serviceID, models.WorkItemStatusRunning).Scan(&runningCount)
	if err != nil {
		return 0, 0, herrors.Classify(herrors.ClassTransientInfra, err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE user_work SET ready_count = ?, running_count = ? WHERE job_id = ? AND service_id = ?`,
		readyCount, runningCount, jobID, serviceID)
	if err != nil {
		return 0, 0, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return readyCount, runningCount, nil
}

// ServiceFailureRate counts terminal work items completed by serviceID
// since the given time, split by outcome, for the failure-rate publisher
// loop (spec.md §4.6).
func (t *txImpl) ServiceFailureRate(ctx context.Context, serviceID string, since time.Time) (failed, successful, warning int, err error) {
	rows, qerr := t.tx.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items
		WHERE service_id = ? AND updated_at >= ? AND status IN (?, ?, ?)
		GROUP BY status`,
		serviceID, since.Unix(), models.WorkItemStatusFailed, models.WorkItemStatusSuccessful, models.WorkItemStatusWarning)
	if qerr != nil {
		return 0, 0, 0, herrors.Classify(herrors.ClassTransientInfra, qerr)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.WorkItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		switch status {
		case models.WorkItemStatusFailed:
			failed = count
		case models.WorkItemStatusSuccessful:
			successful = count
		case models.WorkItemStatusWarning:
			warning = count
		}
	}
	return failed, successful, warning, rows.Err()
}

// AcquireMaintenanceLock implements the advisory per-loop lock design note
// in spec.md §9: at most one replica runs a given named loop at a time. A
// holder whose lease has expired is displaced by the next caller.
func (t *txImpl) AcquireMaintenanceLock(ctx context.Context, loopName string, owner string, lease time.Duration) (bool, error) {
	now := time.Now()
	leaseUntil := now.Add(lease).Unix()

	row := t.tx.QueryRowContext(ctx, `SELECT owner, lease_until FROM maintenance_locks WHERE loop_name = ?`, loopName)
	var currentOwner string
	var currentLeaseUntil int64
	err := row.Scan(&currentOwner, &currentLeaseUntil)

	switch {
	case err == sql.ErrNoRows:
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO maintenance_locks (loop_name, owner, lease_until) VALUES (?, ?, ?)`,
			loopName, owner, leaseUntil)
		if err != nil {
			return false, herrors.Classify(herrors.ClassTransientInfra, err)
		}
		return true, nil
	case err != nil:
		return false, herrors.Classify(herrors.ClassTransientInfra, err)
	}

	if currentOwner != owner && currentLeaseUntil > now.Unix() {
		return false, nil
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE maintenance_locks SET owner = ?, lease_until = ? WHERE loop_name = ?`,
		owner, leaseUntil, loopName)
	if err != nil {
		return false, herrors.Classify(herrors.ClassTransientInfra, err)
	}
	return true, nil
}
