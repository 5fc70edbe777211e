// Package models defines the Harmony work-orchestration data model: Job,
// WorkflowStep, WorkItem, UserWork, Link and ArtifactCatalog. These are
// plain data structures; persistence lives in internal/storage, state
// transitions live in internal/orchestrator and internal/scheduler.
package models

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusAccepted              JobStatus = "ACCEPTED"
	JobStatusPreviewing            JobStatus = "PREVIEWING"
	JobStatusRunning                JobStatus = "RUNNING"
	JobStatusRunningWithErrors      JobStatus = "RUNNING_WITH_ERRORS"
	JobStatusPaused                 JobStatus = "PAUSED"
	JobStatusCanceled               JobStatus = "CANCELED"
	JobStatusCompleteWithErrors      JobStatus = "COMPLETE_WITH_ERRORS"
	JobStatusSuccessful              JobStatus = "SUCCESSFUL"
	JobStatusFailed                  JobStatus = "FAILED"
)

// terminalJobStatuses is the fixed terminal set from spec.md §3.
var terminalJobStatuses = map[JobStatus]bool{
	JobStatusCanceled:          true,
	JobStatusCompleteWithErrors: true,
	JobStatusSuccessful:         true,
	JobStatusFailed:             true,
}

// IsTerminal reports whether status is one of the job's terminal states.
func (s JobStatus) IsTerminal() bool {
	return terminalJobStatuses[s]
}

// Job is one user request, owning workflow steps, work items, UserWork rows
// and result links. See spec.md §3 "Job".
type Job struct {
	JobID     string // UUID, primary key. requestID == JobID.
	Username  string

	Status   JobStatus
	Progress int // [0,100]
	Message  string

	NumInputGranules int // planned upper bound, §4.2 Case D
	IgnoreErrors      bool
	IsAsync            bool
	GranuleCapPerService int // per-service granule cap policy flag

	FailedItems      int // counter incremented on every FAILED terminal transition
	GranulesProduced int // running count for the producer-stage budget (§4.2 Case D)

	Links []Link

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Link is one entry in a Job's user-visible result list, built from
// ArtifactCatalog items attached by the final workflow step (spec.md §4.5).
type Link struct {
	Href     string
	Title    string
	Type     string
	BBox     *BBox
	Temporal *Temporal

	// StepIndex/ItemID fix the deterministic ordering rule in §4.5:
	// stepIndex ascending, then item.id ascending.
	StepIndex int
	ItemID    int64
}

// BBox is a validated [West, South, East, North] bounding box.
type BBox struct {
	West, South, East, North float64
}

// Temporal is a validated [Start, End] RFC3339 interval with Start <= End.
type Temporal struct {
	Start, End time.Time
}
