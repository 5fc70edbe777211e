package models

import "time"

// WorkItemStatus is the lifecycle state of a WorkItem.
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "READY"
	WorkItemStatusRunning    WorkItemStatus = "RUNNING"
	WorkItemStatusSuccessful WorkItemStatus = "SUCCESSFUL"
	WorkItemStatusWarning    WorkItemStatus = "WARNING"
	WorkItemStatusFailed     WorkItemStatus = "FAILED"
	WorkItemStatusCanceled   WorkItemStatus = "CANCELED"
)

var terminalWorkItemStatuses = map[WorkItemStatus]bool{
	WorkItemStatusSuccessful: true,
	WorkItemStatusWarning:    true,
	WorkItemStatusFailed:     true,
	WorkItemStatusCanceled:   true,
}

// IsTerminal reports whether status is one of SUCCESSFUL/WARNING/FAILED/CANCELED.
func (s WorkItemStatus) IsTerminal() bool {
	return terminalWorkItemStatuses[s]
}

// IsSuccessLike reports whether status counts as a contributing output for
// aggregation and for Job.Links assembly (SUCCESSFUL and WARNING both do,
// per spec.md §9 open-question resolution).
func (s WorkItemStatus) IsSuccessLike() bool {
	return s == WorkItemStatusSuccessful || s == WorkItemStatusWarning
}

// WorkItem is one dispatchable unit at a given step; it becomes one call to
// one worker. See spec.md §3 "WorkItem".
type WorkItem struct {
	ID                 int64
	JobID              string
	WorkflowStepIndex int
	ServiceID          string

	Status  WorkItemStatus
	Retries int

	// ScrollID is a producer continuation token; meaningful only for
	// WorkflowStepIndex == 1 (the producer stage).
	ScrollID *string

	// StacCatalogLocation is the object-store URL of this item's input
	// catalog.
	StacCatalogLocation *string

	// Results is the ordered list of object-store URLs of this item's
	// output catalogs; populated only on SUCCESSFUL/WARNING.
	Results []string

	Message *string

	UpdatedAt time.Time
}
