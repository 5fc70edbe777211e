package models

// WorkflowStep is one stage in a job's ordered processing pipeline, bound to
// a logical backend service. See spec.md §3 "WorkflowStep".
type WorkflowStep struct {
	JobID     string
	StepIndex int // 1-based, dense, increasing

	ServiceID string // logical service name + tag, e.g. "harmony-service/reproject:v1.2.3"

	WorkItemCount      int  // planned fan-out, grows as items are materialized
	HasAggregatedOutput bool // true: this step consumes ALL prior-step outputs as one input catalog
	IsComplete           bool
}

// IsProducer reports whether this is the catalog-producer stage (normally
// step 1, see spec.md §3 invariant and §4.2 Case D).
func (s WorkflowStep) IsProducer() bool {
	return s.StepIndex == 1
}
