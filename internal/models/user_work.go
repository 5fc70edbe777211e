package models

import "time"

// UserWork is the per-(job,service) queue aggregate the Scheduler reads.
// It exists only while the job has non-terminal work for that service.
// See spec.md §3 "UserWork" and the I2 invariant in §4.4.
type UserWork struct {
	Username string
	JobID    string
	ServiceID string
	IsAsync   bool

	ReadyCount   int
	RunningCount int

	LastWorked time.Time
}
