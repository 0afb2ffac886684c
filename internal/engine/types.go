package engine

import (
	"time"

	"github.com/ploston/runner/internal/capability"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	// RunPartialFailure means every required step succeeded but at
	// least one optional step failed.
	RunPartialFailure RunStatus = "partial_failure"
)

// Terminal reports whether the run admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s != RunRunning
}

// StepSpec describes one step of a server-issued workflow.
type StepSpec struct {
	ID          string
	Capability  string
	Operation   string
	Parameters  map[string]string
	DependsOn   []string
	Timeout     time.Duration
	RetryBudget int
	Optional    bool
}

// WorkflowSpec is one complete server-issued run.
type WorkflowSpec struct {
	RunID string
	Steps []StepSpec
}

// StepEvent reports one step status transition.
type StepEvent struct {
	RunID  string
	StepID string
	Status StepStatus
	Result capability.Result
	Err    error
}

// RunEvent reports one run status transition.
type RunEvent struct {
	RunID  string
	Status RunStatus
	Err    error
}

// EventSink receives engine transitions in emission order.
type EventSink interface {
	StepChanged(ev StepEvent)
	RunChanged(ev RunEvent)
}

// StepState is a snapshot of one step inside RunSnapshot.
type StepState struct {
	ID     string
	Status StepStatus
	Err    error
}

// RunSnapshot is a point-in-time view of one run.
type RunSnapshot struct {
	RunID  string
	Status RunStatus
	Steps  []StepState
}
