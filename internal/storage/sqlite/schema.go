package sqlite

const schemaSQL = `
-- One row per user request. Terminal statuses are CANCELED,
-- COMPLETE_WITH_ERRORS, SUCCESSFUL, FAILED; once in one of those no
-- counter, link, or child item may change (spec §3 invariant).
CREATE TABLE IF NOT EXISTS jobs (
	job_id                   TEXT PRIMARY KEY,
	username                 TEXT NOT NULL,
	status                   TEXT NOT NULL,
	progress                 INTEGER NOT NULL DEFAULT 0,
	message                  TEXT NOT NULL DEFAULT '',
	num_input_granules       INTEGER NOT NULL DEFAULT 0,
	ignore_errors            INTEGER NOT NULL DEFAULT 0,
	is_async                 INTEGER NOT NULL DEFAULT 0,
	granule_cap_per_service  INTEGER NOT NULL DEFAULT 0,
	failed_items             INTEGER NOT NULL DEFAULT 0,
	granules_produced        INTEGER NOT NULL DEFAULT 0,
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username, created_at DESC);

-- One row per pipeline stage. stepIndex is 1-based, dense, increasing
-- within a job (spec §3).
CREATE TABLE IF NOT EXISTS workflow_steps (
	job_id                 TEXT NOT NULL,
	step_index             INTEGER NOT NULL,
	service_id              TEXT NOT NULL,
	work_item_count          INTEGER NOT NULL DEFAULT 0,
	has_aggregated_output    INTEGER NOT NULL DEFAULT 0,
	is_complete              INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, step_index),
	FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);

-- One row per dispatchable unit. See spec §3 lifecycle
-- READY -> RUNNING -> {SUCCESSFUL, WARNING, FAILED, CANCELED}.
CREATE TABLE IF NOT EXISTS work_items (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id                   TEXT NOT NULL,
	workflow_step_index      INTEGER NOT NULL,
	service_id               TEXT NOT NULL,
	status                   TEXT NOT NULL,
	retries                  INTEGER NOT NULL DEFAULT 0,
	scroll_id                TEXT,
	stac_catalog_location    TEXT,
	results_json             TEXT NOT NULL DEFAULT '[]',
	message                  TEXT,
	updated_at               INTEGER NOT NULL,
	FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);

-- Required composite index per spec §6: the scheduler and the step
-- engine's terminal-count checks both key off this triple.
CREATE INDEX IF NOT EXISTS idx_work_items_job_step_status ON work_items(job_id, workflow_step_index, status);
CREATE INDEX IF NOT EXISTS idx_work_items_service_status ON work_items(service_id, status);

-- Per (job, service) queue aggregate the scheduler reads. Exists only
-- while the job has non-terminal work for that service (spec §3).
CREATE TABLE IF NOT EXISTS user_work (
	job_id            TEXT NOT NULL,
	service_id        TEXT NOT NULL,
	username          TEXT NOT NULL,
	is_async          INTEGER NOT NULL DEFAULT 0,
	ready_count       INTEGER NOT NULL DEFAULT 0,
	running_count     INTEGER NOT NULL DEFAULT 0,
	last_worked       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, service_id),
	FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);

-- Required composite indices per spec §6.
CREATE INDEX IF NOT EXISTS idx_user_work_service_ready ON user_work(service_id, ready_count);
CREATE INDEX IF NOT EXISTS idx_user_work_job ON user_work(job_id);
CREATE INDEX IF NOT EXISTS idx_user_work_username_service ON user_work(username, service_id, last_worked);

-- Job output links, assembled by the progress/result assembler (spec §4.5)
-- in deterministic (step_index, item_id) order.
CREATE TABLE IF NOT EXISTS job_links (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id         TEXT NOT NULL,
	step_index     INTEGER NOT NULL,
	item_id        INTEGER NOT NULL,
	href           TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL DEFAULT '',
	bbox_json      TEXT,
	temporal_start INTEGER,
	temporal_end   INTEGER,
	FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_job_links_job ON job_links(job_id, step_index, item_id);

-- Per-job structured error record. No store method writes to this table;
-- the message of a FAILED terminal transition is recorded in job_logs.
CREATE TABLE IF NOT EXISTS job_errors (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL,
	work_item_id INTEGER,
	class        TEXT NOT NULL,
	message      TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_job_errors_job ON job_errors(job_id, created_at DESC);

-- Structured per-job log lines, written through Tx.AppendJobLog (the step
-- engine records each FAILED work item's message here) so they survive
-- process restarts and log rotation.
CREATE TABLE IF NOT EXISTS job_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, created_at DESC);

-- Advisory per-loop lock so at most one replica runs a named maintenance
-- loop at a time (spec §9 design note). owner is an opaque process
-- identifier; lease_until is a Unix timestamp the holder must renew.
CREATE TABLE IF NOT EXISTS maintenance_locks (
	loop_name   TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	lease_until INTEGER NOT NULL
);
`

// InitSchema initializes the database schema.
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	s.logger.Info().Msg("Database schema initialized")
	return nil
}
