// Package interfaces defines the seams between the Work Orchestration Core
// and its external collaborators: the persistent store, the artifact
// catalog object store, the container orchestrator, and metrics sinks.
package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/harmony/internal/models"
)

// Store is the transactional key/row store adapter backing all
// orchestration state (spec.md §4's "Persistent Store Adapter" and the
// logical table layout in §6). All mutating methods run inside a single
// store-level transaction; WithTx exposes that boundary to callers that
// must couple several mutations (e.g. item completion + UserWork counters,
// per the I1/I2/I3 invariants in §4.4).
type Store interface {
	// WithTx runs fn inside a single transaction. A store-level row lock on
	// the job row is implied for callers that pass lockJob=true, realizing
	// the "job-row lock" serialization point described in §5.
	WithTx(ctx context.Context, lockJobID string, fn func(ctx context.Context, tx Tx) error) error

	// Reads that do not require transactional isolation.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error)
	GetWorkItem(ctx context.Context, itemID int64) (*models.WorkItem, error)
	ListWorkItems(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error)
	GetUserWork(ctx context.Context, jobID, serviceID string) (*models.UserWork, error)
}

// Tx is the set of operations available inside a Store transaction. Every
// method here participates in the same underlying database transaction, so
// a crash between two calls leaves no partial effect once the transaction
// either commits or rolls back as a unit.
type Tx interface {
	CreateJob(ctx context.Context, job *models.Job, steps []models.WorkflowStep) error
	GetJobForUpdate(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	AppendJobLog(ctx context.Context, jobID, level, message string) error

	GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error)
	ListWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error)
	UpdateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error

	GetWorkItemForUpdate(ctx context.Context, itemID int64) (*models.WorkItem, error)
	CreateWorkItems(ctx context.Context, items []models.WorkItem) ([]models.WorkItem, error)
	UpdateWorkItem(ctx context.Context, item *models.WorkItem) error
	CountWorkItemsByStatus(ctx context.Context, jobID string, stepIndex int, status models.WorkItemStatus) (int, error)
	ListTerminalStepOutputs(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error)
	CancelNonTerminalWorkItems(ctx context.Context, jobID string) (int, error)

	// DequeueReady atomically transitions one READY WorkItem in the given
	// (jobID, serviceID) to RUNNING and returns it, realizing the
	// "returned to at most one caller concurrently" guarantee of §4.1.
	DequeueReady(ctx context.Context, jobID, serviceID string) (*models.WorkItem, error)

	GetUserWorkForUpdate(ctx context.Context, jobID, serviceID string) (*models.UserWork, error)
	UpsertUserWork(ctx context.Context, uw *models.UserWork) error
	IncrementUserWork(ctx context.Context, jobID, serviceID string, readyDelta, runningDelta int) error
	DeleteUserWork(ctx context.Context, jobID, serviceID string) error
	ClearUserWorkForJob(ctx context.Context, jobID string) error

	// ZeroUserWorkCounts sets both counters to zero without deleting the
	// row, for PAUSED jobs (spec.md §4.6 reconciler: "for PAUSED jobs, sets
	// both counts to zero").
	ZeroUserWorkCounts(ctx context.Context, jobID, serviceID string) error

	// FairQueueCandidates returns, for a given service, the ordered set of
	// (jobID, username) pairs with readyCount>0, grouped by username and
	// ranked within each user (sync before async, then oldest lastWorked
	// first). The interleaved round-robin across users is not part of this
	// ordering: the Scheduler performs it over the usernames returned.
	FairQueueCandidates(ctx context.Context, serviceID string, maxItems int) ([]FairQueueCandidate, error)

	AppendJobLinks(ctx context.Context, jobID string, links []models.Link) error

	// Maintenance-loop support.
	ListReapableJobs(ctx context.Context, olderThan time.Time, batchSize int) ([]string, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListDriftedUserWork(ctx context.Context, lastWorkedBefore time.Time) ([]models.UserWork, error)
	RecomputeUserWorkCounts(ctx context.Context, jobID, serviceID string) (readyCount, runningCount int, err error)
	ServiceFailureRate(ctx context.Context, serviceID string, since time.Time) (failed, successful, warning int, err error)

	// AcquireMaintenanceLock implements the advisory per-loop lock design
	// note in spec.md §9: at most one replica runs a given named loop at a
	// time. Returns false if another holder's lease has not yet expired.
	AcquireMaintenanceLock(ctx context.Context, loopName string, owner string, lease time.Duration) (bool, error)
}

// FairQueueCandidate is one ranked entry from Tx.FairQueueCandidates.
type FairQueueCandidate struct {
	JobID      string
	Username   string
	IsAsync    bool
	LastWorked time.Time
}
