package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
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

// memStore/memTx is a minimal in-memory interfaces.Store/Tx sufficient to
// drive the step engine end to end without a real database: every mutating
// method runs directly against shared maps, and WithTx just invokes fn
// against the one shared Tx (there is no real isolation to test here, only
// the orchestrator's own state-machine logic).
type memStore struct {
	jobs     map[string]*models.Job
	steps    map[string]map[int]*models.WorkflowStep
	items    map[int64]*models.WorkItem
	nextID   int64
	userWork map[string]*models.UserWork
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*models.Job),
		steps:    make(map[string]map[int]*models.WorkflowStep),
		items:    make(map[int64]*models.WorkItem),
		userWork: make(map[string]*models.UserWork),
	}
}

func uwKey(jobID, serviceID string) string { return jobID + "/" + serviceID }

func (m *memStore) WithTx(ctx context.Context, lockJobID string, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	return fn(ctx, &memTx{m: m})
}

func (m *memStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, herrors.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) GetWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error) {
	return nil, fmt.Errorf("not used")
}
func (m *memStore) GetWorkItem(ctx context.Context, itemID int64) (*models.WorkItem, error) {
	return nil, fmt.Errorf("not used")
}
func (m *memStore) ListWorkItems(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error) {
	return nil, fmt.Errorf("not used")
}
func (m *memStore) GetUserWork(ctx context.Context, jobID, serviceID string) (*models.UserWork, error) {
	uw, ok := m.userWork[uwKey(jobID, serviceID)]
	if !ok {
		return nil, nil
	}
	cp := *uw
	return &cp, nil
}

type memTx struct{ m *memStore }

func (t *memTx) CreateJob(ctx context.Context, job *models.Job, steps []models.WorkflowStep) error {
	cp := *job
	t.m.jobs[job.JobID] = &cp
	t.m.steps[job.JobID] = make(map[int]*models.WorkflowStep)
	for i := range steps {
		s := steps[i]
		t.m.steps[job.JobID][s.StepIndex] = &s
	}
	return nil
}

func (t *memTx) GetJobForUpdate(ctx context.Context, jobID string) (*models.Job, error) {
	j, ok := t.m.jobs[jobID]
	if !ok {
		return nil, herrors.ErrJobNotFound
	}
	return j, nil
}

func (t *memTx) UpdateJob(ctx context.Context, job *models.Job) error {
	if _, ok := t.m.jobs[job.JobID]; !ok {
		return herrors.ErrJobNotFound
	}
	t.m.jobs[job.JobID] = job
	return nil
}

func (t *memTx) AppendJobLog(ctx context.Context, jobID, level, message string) error { return nil }

func (t *memTx) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	s, ok := t.m.steps[jobID][stepIndex]
	if !ok {
		return nil, herrors.ErrWorkflowStepNotFound
	}
	return s, nil
}

func (t *memTx) ListWorkflowSteps(ctx context.Context, jobID string) ([]models.WorkflowStep, error) {
	var out []models.WorkflowStep
	maxIdx := 0
	for idx := range t.m.steps[jobID] {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	for i := 1; i <= maxIdx; i++ {
		if s, ok := t.m.steps[jobID][i]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (t *memTx) UpdateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	if t.m.steps[step.JobID] == nil {
		t.m.steps[step.JobID] = make(map[int]*models.WorkflowStep)
	}
	cp := *step
	t.m.steps[step.JobID][step.StepIndex] = &cp
	return nil
}

func (t *memTx) GetWorkItemForUpdate(ctx context.Context, itemID int64) (*models.WorkItem, error) {
	item, ok := t.m.items[itemID]
	if !ok {
		return nil, herrors.ErrWorkItemNotFound
	}
	return item, nil
}

func (t *memTx) CreateWorkItems(ctx context.Context, items []models.WorkItem) ([]models.WorkItem, error) {
	out := make([]models.WorkItem, len(items))
	for i, it := range items {
		t.m.nextID++
		it.ID = t.m.nextID
		t.m.items[it.ID] = &it
		out[i] = it
	}
	return out, nil
}

func (t *memTx) UpdateWorkItem(ctx context.Context, item *models.WorkItem) error {
	if _, ok := t.m.items[item.ID]; !ok {
		return herrors.ErrWorkItemNotFound
	}
	t.m.items[item.ID] = item
	return nil
}

func (t *memTx) CountWorkItemsByStatus(ctx context.Context, jobID string, stepIndex int, status models.WorkItemStatus) (int, error) {
	n := 0
	for _, it := range t.m.items {
		if it.JobID == jobID && it.WorkflowStepIndex == stepIndex && it.Status == status {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListTerminalStepOutputs(ctx context.Context, jobID string, stepIndex int) ([]models.WorkItem, error) {
	var out []models.WorkItem
	for _, it := range t.m.items {
		if it.JobID == jobID && it.WorkflowStepIndex == stepIndex && it.Status.IsSuccessLike() {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (t *memTx) CancelNonTerminalWorkItems(ctx context.Context, jobID string) (int, error) {
	n := 0
	for _, it := range t.m.items {
		if it.JobID == jobID && !it.Status.IsTerminal() {
			it.Status = models.WorkItemStatusCanceled
			n++
		}
	}
	return n, nil
}

func (t *memTx) DequeueReady(ctx context.Context, jobID, serviceID string) (*models.WorkItem, error) {
	return nil, fmt.Errorf("not used")
}

func (t *memTx) GetUserWorkForUpdate(ctx context.Context, jobID, serviceID string) (*models.UserWork, error) {
	uw, ok := t.m.userWork[uwKey(jobID, serviceID)]
	if !ok {
		return nil, nil
	}
	return uw, nil
}

func (t *memTx) UpsertUserWork(ctx context.Context, uw *models.UserWork) error {
	cp := *uw
	t.m.userWork[uwKey(uw.JobID, uw.ServiceID)] = &cp
	return nil
}

func (t *memTx) IncrementUserWork(ctx context.Context, jobID, serviceID string, readyDelta, runningDelta int) error {
	uw, ok := t.m.userWork[uwKey(jobID, serviceID)]
	if !ok {
		return nil
	}
	uw.ReadyCount += readyDelta
	if uw.ReadyCount < 0 {
		uw.ReadyCount = 0
	}
	uw.RunningCount += runningDelta
	if uw.RunningCount < 0 {
		uw.RunningCount = 0
	}
	return nil
}

func (t *memTx) DeleteUserWork(ctx context.Context, jobID, serviceID string) error {
	delete(t.m.userWork, uwKey(jobID, serviceID))
	return nil
}

func (t *memTx) ClearUserWorkForJob(ctx context.Context, jobID string) error {
	for k, uw := range t.m.userWork {
		if uw.JobID == jobID {
			delete(t.m.userWork, k)
		}
	}
	return nil
}

func (t *memTx) FairQueueCandidates(ctx context.Context, serviceID string, maxItems int) ([]interfaces.FairQueueCandidate, error) {
	return nil, fmt.Errorf("not used")
}

func (t *memTx) AppendJobLinks(ctx context.Context, jobID string, links []models.Link) error {
	if _, ok := t.m.jobs[jobID]; !ok {
		return herrors.ErrJobNotFound
	}
	// GetJobForUpdate hands out the stored *Job itself and the orchestrator
	// appends the same links to it in memory, so they are not appended again
	// here (the sqlite store only inserts job_links rows at this point).
	return nil
}

func (t *memTx) ListReapableJobs(ctx context.Context, olderThan time.Time, batchSize int) ([]string, error) {
	return nil, fmt.Errorf("not used")
}

func (t *memTx) DeleteJob(ctx context.Context, jobID string) error {
	delete(t.m.jobs, jobID)
	delete(t.m.steps, jobID)
	for id, it := range t.m.items {
		if it.JobID == jobID {
			delete(t.m.items, id)
		}
	}
	return nil
}

func (t *memTx) ListDriftedUserWork(ctx context.Context, lastWorkedBefore time.Time) ([]models.UserWork, error) {
	return nil, fmt.Errorf("not used")
}

func (t *memTx) RecomputeUserWorkCounts(ctx context.Context, jobID, serviceID string) (int, int, error) {
	return 0, 0, fmt.Errorf("not used")
}

func (t *memTx) ServiceFailureRate(ctx context.Context, serviceID string, since time.Time) (int, int, int, error) {
	return 0, 0, 0, fmt.Errorf("not used")
}

func (t *memTx) AcquireMaintenanceLock(ctx context.Context, loopName string, owner string, lease time.Duration) (bool, error) {
	return false, fmt.Errorf("not used")
}

// memArtifacts is a trivial in-memory interfaces.ArtifactStore.
type memArtifacts struct {
	objects map[string][]byte
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{objects: make(map[string][]byte)} }

func (a *memArtifacts) key(jobID string, stepIndex int, itemID int64, kind string) string {
	return fmt.Sprintf("%s/%d/%d/%s", jobID, stepIndex, itemID, kind)
}

func (a *memArtifacts) URLFor(jobID string, stepIndex int, itemID int64, kind string) string {
	return "mem://" + a.key(jobID, stepIndex, itemID, kind)
}

func (a *memArtifacts) Put(ctx context.Context, jobID string, stepIndex int, itemID int64, kind string, body []byte) (string, error) {
	url := a.URLFor(jobID, stepIndex, itemID, kind)
	if _, exists := a.objects[url]; exists {
		return "", herrors.ErrArtifactExists
	}
	a.objects[url] = body
	return url, nil
}

func (a *memArtifacts) Get(ctx context.Context, url string) ([]byte, error) {
	body, ok := a.objects[url]
	if !ok {
		return nil, herrors.ErrArtifactNotFound
	}
	return body, nil
}

func (a *memArtifacts) Delete(ctx context.Context, jobID string) error { return nil }

func (a *memArtifacts) PutRaw(ctx context.Context, key string, body []byte) (string, error) {
	url := "mem://" + key
	a.objects[url] = body
	return url, nil
}

func testLogger() arbor.ILogger { return arbor.NewLogger() }

func putCatalog(t *testing.T, artifacts *memArtifacts, jobID string, stepIndex int, itemID int64, kind string, hrefs ...string) string {
	t.Helper()
	items := make([]models.CatalogItem, len(hrefs))
	for i, h := range hrefs {
		items[i] = models.CatalogItem{Href: h}
	}
	body, err := json.Marshal(models.ArtifactCatalog{Items: items})
	require.NoError(t, err)
	url, err := artifacts.Put(context.Background(), jobID, stepIndex, itemID, kind, body)
	require.NoError(t, err)
	return url
}

func TestCreateJob_SeedsSingleReadyProducerItem(t *testing.T) {
	store := newMemStore()
	orc := New(store, newMemArtifacts(), nil, testLogger(), &common.LimitsConfig{MaxRetries: 3})

	job, err := orc.CreateJob(context.Background(), CreateJobRequest{
		Username:         "alice",
		NumInputGranules: 10,
		Chain:            []ServiceChainStep{{ServiceID: "svc-a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	var items []*models.WorkItem
	for _, it := range store.items {
		if it.JobID == job.JobID {
			items = append(items, it)
		}
	}
	require.Len(t, items, 1)
	assert.Equal(t, models.WorkItemStatusReady, items[0].Status)

	uw := store.userWork[uwKey(job.JobID, "svc-a")]
	require.NotNil(t, uw)
	assert.Equal(t, 1, uw.ReadyCount)
}

// TestCompleteWorkItem_SingleStepJobFinishesSuccessful drives Case A (no
// next step): a one-stage pipeline's only item succeeds, its catalog
// becomes Job.Links, and the job closes out SUCCESSFUL.
func TestCompleteWorkItem_SingleStepJobFinishesSuccessful(t *testing.T) {
	store := newMemStore()
	artifacts := newMemArtifacts()
	orc := New(store, artifacts, nil, testLogger(), &common.LimitsConfig{MaxRetries: 3})

	job, err := orc.CreateJob(context.Background(), CreateJobRequest{
		Username: "alice",
		Chain:    []ServiceChainStep{{ServiceID: "svc-a"}},
	})
	require.NoError(t, err)

	var itemID int64
	for id, it := range store.items {
		if it.JobID == job.JobID {
			itemID = id
			it.Status = models.WorkItemStatusRunning
		}
	}

	resultURL := putCatalog(t, artifacts, job.JobID, 1, itemID, "output", "https://example.com/granule-1.tif")

	err = orc.CompleteWorkItem(context.Background(), itemID, WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{resultURL},
	})
	require.NoError(t, err)

	finalJob := store.jobs[job.JobID]
	assert.Equal(t, models.JobStatusSuccessful, finalJob.Status)
	assert.Equal(t, 100, finalJob.Progress)
	require.Len(t, finalJob.Links, 1)
	assert.Equal(t, "https://example.com/granule-1.tif", finalJob.Links[0].Href)
}

// TestCompleteWorkItem_FanOutToNextStep drives Case B: a two-stage pipeline
// fans one result catalog into one WorkItem at the next step.
func TestCompleteWorkItem_FanOutToNextStep(t *testing.T) {
	store := newMemStore()
	artifacts := newMemArtifacts()
	orc := New(store, artifacts, nil, testLogger(), &common.LimitsConfig{MaxRetries: 3})

	job, err := orc.CreateJob(context.Background(), CreateJobRequest{
		Username: "alice",
		Chain:    []ServiceChainStep{{ServiceID: "svc-a"}, {ServiceID: "svc-b"}},
	})
	require.NoError(t, err)

	var itemID int64
	for id, it := range store.items {
		if it.JobID == job.JobID {
			itemID = id
			it.Status = models.WorkItemStatusRunning
		}
	}

	resultURL := putCatalog(t, artifacts, job.JobID, 1, itemID, "output", "https://example.com/granule-1.tif")

	err = orc.CompleteWorkItem(context.Background(), itemID, WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{resultURL},
	})
	require.NoError(t, err)

	var step2Items []*models.WorkItem
	for _, it := range store.items {
		if it.JobID == job.JobID && it.WorkflowStepIndex == 2 {
			step2Items = append(step2Items, it)
		}
	}
	require.Len(t, step2Items, 1)
	assert.Equal(t, models.WorkItemStatusReady, step2Items[0].Status)
	require.NotNil(t, step2Items[0].StacCatalogLocation)
	assert.Equal(t, resultURL, *step2Items[0].StacCatalogLocation)

	uw := store.userWork[uwKey(job.JobID, "svc-b")]
	require.NotNil(t, uw)
	assert.Equal(t, 1, uw.ReadyCount)

	finalJob := store.jobs[job.JobID]
	assert.Equal(t, models.JobStatusRunning, finalJob.Status)
}

// TestCompleteWorkItem_RetriesBeforeTerminalFailure exercises the failure
// handler's retry budget: a FAILED report within budget requeues READY;
// exhausting it cancels the job (ignoreErrors defaults to false).
func TestCompleteWorkItem_RetriesBeforeTerminalFailure(t *testing.T) {
	store := newMemStore()
	orc := New(store, newMemArtifacts(), nil, testLogger(), &common.LimitsConfig{MaxRetries: 1})

	job, err := orc.CreateJob(context.Background(), CreateJobRequest{
		Username: "alice",
		Chain:    []ServiceChainStep{{ServiceID: "svc-a"}},
	})
	require.NoError(t, err)

	var itemID int64
	for id, it := range store.items {
		if it.JobID == job.JobID {
			itemID = id
			it.Status = models.WorkItemStatusRunning
		}
	}

	msg := "transient worker error"
	require.NoError(t, orc.CompleteWorkItem(context.Background(), itemID, WorkItemUpdate{
		Status:  models.WorkItemStatusFailed,
		Message: &msg,
	}))
	item := store.items[itemID]
	assert.Equal(t, models.WorkItemStatusReady, item.Status)
	assert.Equal(t, 1, item.Retries)
	assert.Equal(t, models.JobStatusRunning, store.jobs[job.JobID].Status)

	item.Status = models.WorkItemStatusRunning
	require.NoError(t, orc.CompleteWorkItem(context.Background(), itemID, WorkItemUpdate{
		Status:  models.WorkItemStatusFailed,
		Message: &msg,
	}))

	finalJob := store.jobs[job.JobID]
	assert.Equal(t, models.JobStatusFailed, finalJob.Status)
	assert.Equal(t, models.WorkItemStatusFailed, store.items[itemID].Status)
	assert.Nil(t, store.userWork[uwKey(job.JobID, "svc-a")])
}

// TestCompleteWorkItem_IgnoreErrorsContinuesToCompleteWithErrors exercises
// the ignoreErrors policy: a failed item does not cancel the job, and the
// job still closes out once its sibling succeeds, landing on
// COMPLETE_WITH_ERRORS rather than SUCCESSFUL.
func TestCompleteWorkItem_IgnoreErrorsContinuesToCompleteWithErrors(t *testing.T) {
	store := newMemStore()
	artifacts := newMemArtifacts()
	orc := New(store, artifacts, nil, testLogger(), &common.LimitsConfig{MaxRetries: 0, MaxErrorsForJob: 5})

	job, err := orc.CreateJob(context.Background(), CreateJobRequest{
		Username:     "alice",
		IgnoreErrors: true,
		Chain:        []ServiceChainStep{{ServiceID: "svc-a"}},
	})
	require.NoError(t, err)

	var itemID int64
	for id, it := range store.items {
		if it.JobID == job.JobID {
			itemID = id
		}
	}

	// Manually add a second producer item so the step isn't closed out by
	// the first item's failure alone.
	step := store.steps[job.JobID][1]
	step.WorkItemCount = 2
	var secondID int64
	for id := range store.items {
		secondID = id
	}
	_ = secondID
	created, err := (&memTx{m: store}).CreateWorkItems(context.Background(), []models.WorkItem{{
		JobID: job.JobID, WorkflowStepIndex: 1, ServiceID: "svc-a", Status: models.WorkItemStatusRunning,
	}})
	require.NoError(t, err)
	secondID = created[0].ID

	store.items[itemID].Status = models.WorkItemStatusRunning

	msg := "permanent failure"
	require.NoError(t, orc.CompleteWorkItem(context.Background(), itemID, WorkItemUpdate{
		Status:  models.WorkItemStatusFailed,
		Message: &msg,
	}))
	assert.Equal(t, models.JobStatusRunningWithErrors, store.jobs[job.JobID].Status)

	resultURL := putCatalog(t, artifacts, job.JobID, 1, secondID, "output", "https://example.com/granule-2.tif")
	require.NoError(t, orc.CompleteWorkItem(context.Background(), secondID, WorkItemUpdate{
		Status:  models.WorkItemStatusSuccessful,
		Results: []string{resultURL},
	}))

	finalJob := store.jobs[job.JobID]
	assert.Equal(t, models.JobStatusCompleteWithErrors, finalJob.Status)
	assert.Equal(t, 1, finalJob.FailedItems)
}

// TestCompleteWorkItem_IgnoreErrorsAllFailuresZeroOutputsIsFailed exercises
// the ignoreErrors policy when every item fails within budget and the job
// never produces a single output: the job must close out FAILED rather than
// COMPLETE_WITH_ERRORS, since COMPLETE_WITH_ERRORS requires at least one
// surviving output.
func TestCompleteWorkItem_IgnoreErrorsAllFailuresZeroOutputsIsFailed(t *testing.T) {
	store := newMemStore()
	artifacts := newMemArtifacts()
	orc := New(store, artifacts, nil, testLogger(), &common.LimitsConfig{MaxRetries: 0, MaxErrorsForJob: 5})

	job, err := orc.CreateJob(context.Background(), CreateJobRequest{
		Username:     "alice",
		IgnoreErrors: true,
		Chain:        []ServiceChainStep{{ServiceID: "svc-a"}},
	})
	require.NoError(t, err)

	var itemID int64
	for id, it := range store.items {
		if it.JobID == job.JobID {
			itemID = id
		}
	}

	step := store.steps[job.JobID][1]
	step.WorkItemCount = 2
	created, err := (&memTx{m: store}).CreateWorkItems(context.Background(), []models.WorkItem{{
		JobID: job.JobID, WorkflowStepIndex: 1, ServiceID: "svc-a", Status: models.WorkItemStatusRunning,
	}})
	require.NoError(t, err)
	secondID := created[0].ID

	store.items[itemID].Status = models.WorkItemStatusRunning

	msg := "permanent failure"
	require.NoError(t, orc.CompleteWorkItem(context.Background(), itemID, WorkItemUpdate{
		Status:  models.WorkItemStatusFailed,
		Message: &msg,
	}))
	assert.Equal(t, models.JobStatusRunningWithErrors, store.jobs[job.JobID].Status)

	require.NoError(t, orc.CompleteWorkItem(context.Background(), secondID, WorkItemUpdate{
		Status:  models.WorkItemStatusFailed,
		Message: &msg,
	}))

	finalJob := store.jobs[job.JobID]
	assert.Equal(t, models.JobStatusFailed, finalJob.Status)
	assert.Equal(t, 2, finalJob.FailedItems)
	assert.Empty(t, finalJob.Links)
}

func TestCancelJob_FencesAgainstAlreadyTerminalJob(t *testing.T) {
	store := newMemStore()
	orc := New(store, newMemArtifacts(), nil, testLogger(), &common.LimitsConfig{})

	job, err := orc.CreateJob(context.Background(), CreateJobRequest{
		Username: "alice",
		Chain:    []ServiceChainStep{{ServiceID: "svc-a"}},
	})
	require.NoError(t, err)

	require.NoError(t, orc.CancelJob(context.Background(), job.JobID))
	assert.Equal(t, models.JobStatusCanceled, store.jobs[job.JobID].Status)

	err = orc.CancelJob(context.Background(), job.JobID)
	require.Error(t, err)
	assert.Equal(t, herrors.ClassConflict, herrors.ClassOf(err))
}
