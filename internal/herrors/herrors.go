// Package herrors defines the error taxonomy the orchestrator uses to
// decide retry/cancel/surface behavior (spec.md §7), following the
// teacher's sentinel-error-plus-fmt.Errorf-wrapping convention (see
// internal/storage/sqlite/job_storage.go's ErrJobNotFound).
package herrors

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store and catalog layers. Callers use
// errors.Is against these, never string matching.
var (
	ErrJobNotFound         = errors.New("job not found")
	ErrWorkItemNotFound     = errors.New("work item not found")
	ErrWorkflowStepNotFound = errors.New("workflow step not found")
	ErrArtifactExists       = errors.New("artifact already exists at this location")
	ErrArtifactNotFound     = errors.New("artifact not found")
	ErrLockHeld             = errors.New("maintenance lock held by another owner")

	// ErrConflict is returned when a fencing check fails: a mutation was
	// attempted against a job/item that has already moved past the state
	// the caller observed (spec.md §4.4 invariant I3).
	ErrConflict = errors.New("conflicting state transition rejected")
)

// Class categorizes an error for retry/backoff/surfacing decisions
// (spec.md §7).
type Class int

const (
	// ClassTransientInfra covers store/network errors where the same
	// operation is expected to succeed on retry: SQLITE_BUSY, dial
	// timeouts, 5xx from a backend service.
	ClassTransientInfra Class = iota

	// ClassWorkerFailure covers a worker reporting FAILED for a WorkItem;
	// subject to the job's retry budget and ignoreErrors policy.
	ClassWorkerFailure

	// ClassTerminalWorkItem covers a worker reporting a WorkItem failure
	// explicitly marked non-retryable (e.g. malformed granule, permanent
	// 4xx from upstream data provider).
	ClassTerminalWorkItem

	// ClassValidation covers malformed requests: bad ArtifactCatalog JSON,
	// schema violations, invalid job submission parameters.
	ClassValidation

	// ClassConflict covers optimistic-concurrency rejections (I3 fencing).
	ClassConflict

	// ClassProgrammerError covers invariant violations that indicate a bug
	// rather than an environmental condition; these should page, not retry.
	ClassProgrammerError
)

func (c Class) String() string {
	switch c {
	case ClassTransientInfra:
		return "transient_infra"
	case ClassWorkerFailure:
		return "worker_failure"
	case ClassTerminalWorkItem:
		return "terminal_work_item"
	case ClassValidation:
		return "validation"
	case ClassConflict:
		return "conflict"
	case ClassProgrammerError:
		return "programmer_error"
	default:
		return "unknown"
	}
}

// Classified wraps an error with a Class so the orchestrator's failure
// handler (spec.md §4.5) can decide retry vs. terminal without inspecting
// message strings.
type Classified struct {
	class Class
	err   error
}

func Classify(class Class, err error) *Classified {
	return &Classified{class: class, err: err}
}

func (c *Classified) Error() string { return c.err.Error() }
func (c *Classified) Unwrap() error { return c.err }
func (c *Classified) Class() Class  { return c.class }

// ClassOf extracts the Class from err if it (or something it wraps) is a
// *Classified. Unclassified errors default to ClassTransientInfra, the
// conservative choice: retry rather than give up, matching the teacher's
// general preference for retrying on SQLITE_BUSY in job_storage.go.
func ClassOf(err error) Class {
	var c *Classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassTransientInfra
}

// IsRetryable reports whether the orchestrator's failure handler should
// consume a retry attempt rather than terminating the WorkItem outright.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransientInfra, ClassWorkerFailure:
		return true
	default:
		return false
	}
}

// Wrapf mirrors the teacher's fmt.Errorf("...: %w", err) wrapping style
// while preserving any Classified annotation already on err.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}
