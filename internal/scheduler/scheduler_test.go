package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
)

// fakeTx is a minimal in-memory interfaces.Tx sufficient to drive the
// fair-queue ordering logic without a real database.
type fakeTx struct {
	candidates map[string][]interfaces.FairQueueCandidate
	ready      map[string][]*models.WorkItem // keyed by jobID+"/"+serviceID
	dequeued   []int64
}

func (f *fakeTx) FairQueueCandidates(ctx context.Context, serviceID string, maxItems int) ([]interfaces.FairQueueCandidate, error) {
	return f.candidates[serviceID], nil
}

func (f *fakeTx) DequeueReady(ctx context.Context, jobID, serviceID string) (*models.WorkItem, error) {
	key := jobID + "/" + serviceID
	items := f.ready[key]
	if len(items) == 0 {
		return nil, herrors.ErrWorkItemNotFound
	}
	item := items[0]
	f.ready[key] = items[1:]
	item.Status = models.WorkItemStatusRunning
	f.dequeued = append(f.dequeued, item.ID)
	return item, nil
}

func (f *fakeTx) GetUserWorkForUpdate(ctx context.Context, jobID, serviceID string) (*models.UserWork, error) {
	return &models.UserWork{JobID: jobID, ServiceID: serviceID}, nil
}
func (f *fakeTx) UpsertUserWork(ctx context.Context, uw *models.UserWork) error { return nil }
func (f *fakeTx) IncrementUserWork(ctx context.Context, jobID, serviceID string, readyDelta, runningDelta int) error {
	return nil
}

// Unused Tx methods below satisfy the interface; they panic if exercised
// since this test never calls them.
func (f *fakeTx) CreateJob(ctx context.Context, job *models.Job, steps []models.WorkflowStep) error {
	panic("not used")
}
func (f *fakeTx) GetJobForUpdate(ctx context.Context, jobID string) (*models.Job, error) {
	panic("not used")
}
func (f *fakeTx) UpdateJob(ctx context.Context, job *models.Job) error { panic("not used") }
func (f *fakeTx) AppendJobLog(ctx context.Context, jobID, level, message string) error {
	panic("not used")
}
func (f *fakeTx) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	panic("not used")
}
func (f *fakeTx) ListWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error) {
	panic("not used")
}
func (f *fakeTx) UpdateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	panic("not used")
}
func (f *fakeTx) GetWorkItemForUpdate(ctx context.Context, itemID int64) (*models.WorkItem, error) {
	panic("not used")
}
func (f *fakeTx) CreateWorkItems(ctx context.Context, items []models.WorkItem) ([]models.WorkItem, error) {
	panic("not used")
}
func (f *fakeTx) UpdateWorkItem(ctx context.Context, item *models.WorkItem) error {
	panic("not used")
}
func (f *fakeTx) CountWorkItemsByStatus(ctx context.Context, jobID string, stepIndex int, status models.WorkItemStatus) (int, error) {
	panic("not used")
}
func (f *fakeTx) ListTerminalStepOutputs(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error) {
	panic("not used")
}
func (f *fakeTx) CancelNonTerminalWorkItems(ctx context.Context, jobID string) (int, error) {
	panic("not used")
}
func (f *fakeTx) DeleteUserWork(ctx context.Context, jobID, serviceID string) error {
	panic("not used")
}
func (f *fakeTx) ClearUserWorkForJob(ctx context.Context, jobID string) error { panic("not used") }
func (f *fakeTx) AppendJobLinks(ctx context.Context, jobID string, links []models.Link) error {
	panic("not used")
}
func (f *fakeTx) ListReapableJobs(ctx context.Context, olderThan time.Time, batchSize int) ([]string, error) {
	panic("not used")
}
func (f *fakeTx) DeleteJob(ctx context.Context, jobID string) error { panic("not used") }
func (f *fakeTx) ListDriftedUserWork(ctx context.Context, lastWorkedBefore time.Time) ([]models.UserWork, error) {
	panic("not used")
}
func (f *fakeTx) RecomputeUserWorkCounts(ctx context.Context, jobID, serviceID string) (int, int, error) {
	panic("not used")
}
func (f *fakeTx) ServiceFailureRate(ctx context.Context, serviceID string, since time.Time) (int, int, int, error) {
	panic("not used")
}
func (f *fakeTx) AcquireMaintenanceLock(ctx context.Context, loopName, owner string, lease time.Duration) (bool, error) {
	panic("not used")
}

// fakeStore wraps a single fakeTx and runs WithTx bodies directly against it.
type fakeStore struct {
	tx *fakeTx
}

func (s *fakeStore) WithTx(ctx context.Context, lockJobID string, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	return fn(ctx, s.tx)
}
func (s *fakeStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) { panic("not used") }
func (s *fakeStore) GetWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error) {
	panic("not used")
}
func (s *fakeStore) GetWorkItem(ctx context.Context, itemID int64) (*models.WorkItem, error) {
	panic("not used")
}
func (s *fakeStore) ListWorkItems(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error) {
	panic("not used")
}
func (s *fakeStore) GetUserWork(ctx context.Context, jobID, serviceID string) (*models.UserWork, error) {
	panic("not used")
}

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func TestGetWork_ReturnsErrNoWorkWhenQueueEmpty(t *testing.T) {
	tx := &fakeTx{candidates: map[string][]interfaces.FairQueueCandidate{}, ready: map[string][]*models.WorkItem{}}
	sched := New(&fakeStore{tx: tx}, nil, testLogger(), &common.SchedulerConfig{DispatchRateHz: 1000})

	_, err := sched.GetWork(context.Background(), "svc-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestGetWork_RoundRobinsAcrossUsers(t *testing.T) {
	now := time.Now()
	tx := &fakeTx{
		candidates: map[string][]interfaces.FairQueueCandidate{
			"svc-a": {
				{JobID: "job-alice", Username: "alice", LastWorked: now.Add(-time.Hour)},
				{JobID: "job-bob", Username: "bob", LastWorked: now.Add(-time.Minute)},
			},
		},
		ready: map[string][]*models.WorkItem{
			"job-alice/svc-a": {
				{ID: 1, JobID: "job-alice", ServiceID: "svc-a", Status: models.WorkItemStatusReady},
				{ID: 3, JobID: "job-alice", ServiceID: "svc-a", Status: models.WorkItemStatusReady},
			},
			"job-bob/svc-a": {{ID: 2, JobID: "job-bob", ServiceID: "svc-a", Status: models.WorkItemStatusReady}},
		},
	}
	sched := New(&fakeStore{tx: tx}, nil, testLogger(), &common.SchedulerConfig{DispatchRateHz: 1000})
	ctx := context.Background()

	first, err := sched.GetWork(ctx, "svc-a")
	require.NoError(t, err)
	assert.Equal(t, "job-alice", first.JobID)

	// Re-seed with alice still first and still holding ready work; a true
	// round-robin should not re-serve alice back to back.
	tx.candidates["svc-a"] = []interfaces.FairQueueCandidate{
		{JobID: "job-alice", Username: "alice", LastWorked: now},
		{JobID: "job-bob", Username: "bob", LastWorked: now.Add(-time.Minute)},
	}
	second, err := sched.GetWork(ctx, "svc-a")
	require.NoError(t, err)
	assert.Equal(t, "job-bob", second.JobID)
}
