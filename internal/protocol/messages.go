package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies the payload shape carried by a frame.
type MessageType uint32

const (
	MsgAuth MessageType = iota + 1
	MsgAuthAccept
	MsgAuthReject
	MsgRunWorkflow
	MsgCancel
	MsgStepUpdate
	MsgRunUpdate
	MsgHeartbeat
	MsgAck
	MsgAvailability
	MsgDisconnect
	MsgConfigUpdate
)

func (t MessageType) String() string {
	switch t {
	case MsgAuth:
		return "auth"
	case MsgAuthAccept:
		return "auth.accept"
	case MsgAuthReject:
		return "auth.reject"
	case MsgRunWorkflow:
		return "run.workflow"
	case MsgCancel:
		return "run.cancel"
	case MsgStepUpdate:
		return "step.update"
	case MsgRunUpdate:
		return "run.update"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgAck:
		return "ack"
	case MsgAvailability:
		return "availability"
	case MsgDisconnect:
		return "disconnect"
	case MsgConfigUpdate:
		return "config.update"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

var ErrInvalidMessage = errors.New("protocol: invalid message")

// Message is one decoded wire payload.
type Message interface {
	Type() MessageType
	Validate() error
}

// Auth is the runner->control-plane handshake payload.
type Auth struct {
	Token        string   `json:"token"`
	RunnerName   string   `json:"runner_name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (Auth) Type() MessageType { return MsgAuth }

func (a Auth) Validate() error {
	if strings.TrimSpace(a.Token) == "" {
		return fmt.Errorf("%w: auth missing token", ErrInvalidMessage)
	}
	if strings.TrimSpace(a.RunnerName) == "" {
		return fmt.Errorf("%w: auth missing runner_name", ErrInvalidMessage)
	}
	return nil
}

// AuthAccept is the control-plane handshake acceptance.
type AuthAccept struct {
	RunnerName  string `json:"runner_name"`
	SessionID   string `json:"session_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (AuthAccept) Type() MessageType { return MsgAuthAccept }

func (a AuthAccept) Validate() error {
	if strings.TrimSpace(a.RunnerName) == "" {
		return fmt.Errorf("%w: auth.accept missing runner_name", ErrInvalidMessage)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: auth.accept missing session_id", ErrInvalidMessage)
	}
	return nil
}

// AuthReject is the terminal control-plane handshake rejection.
type AuthReject struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (AuthReject) Type() MessageType { return MsgAuthReject }

func (a AuthReject) Validate() error {
	if strings.TrimSpace(a.Message) == "" {
		return fmt.Errorf("%w: auth.reject missing message", ErrInvalidMessage)
	}
	return nil
}

// WorkflowStep is one server-issued step description.
type WorkflowStep struct {
	StepID      string            `json:"step_id"`
	Capability  string            `json:"capability"`
	Operation   string            `json:"operation"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	TimeoutMS   uint64            `json:"timeout_ms,omitempty"`
	RetryBudget int               `json:"retry_budget,omitempty"`
	Optional    bool              `json:"optional,omitempty"`
}

func (s WorkflowStep) Validate() error {
	if strings.TrimSpace(s.StepID) == "" {
		return fmt.Errorf("%w: step missing step_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(s.Capability) == "" {
		return fmt.Errorf("%w: step %q missing capability", ErrInvalidMessage, s.StepID)
	}
	if strings.TrimSpace(s.Operation) == "" {
		return fmt.Errorf("%w: step %q missing operation", ErrInvalidMessage, s.StepID)
	}
	if s.RetryBudget < 0 {
		return fmt.Errorf("%w: step %q negative retry_budget", ErrInvalidMessage, s.StepID)
	}
	return nil
}

// RunWorkflow is the control-plane command to execute one workflow run.
type RunWorkflow struct {
	RunID string         `json:"run_id"`
	Steps []WorkflowStep `json:"steps"`
}

func (RunWorkflow) Type() MessageType { return MsgRunWorkflow }

func (r RunWorkflow) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("%w: run.workflow missing run_id", ErrInvalidMessage)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("%w: run.workflow %q has no steps", ErrInvalidMessage, r.RunID)
	}
	for i, step := range r.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// CancelRun requests cancellation of one in-flight run.
type CancelRun struct {
	RunID string `json:"run_id"`
}

func (CancelRun) Type() MessageType { return MsgCancel }

func (c CancelRun) Validate() error {
	if strings.TrimSpace(c.RunID) == "" {
		return fmt.Errorf("%w: run.cancel missing run_id", ErrInvalidMessage)
	}
	return nil
}

// StepResult is the successful outcome payload of one step.
type StepResult struct {
	Stdout   string            `json:"stdout,omitempty"`
	Stderr   string            `json:"stderr,omitempty"`
	ExitCode int32             `json:"exit_code"`
	Output   map[string]string `json:"output,omitempty"`
}

// WireError is a structured failure carried inside updates.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepUpdate reports one step status transition to the control plane.
type StepUpdate struct {
	RunID  string      `json:"run_id"`
	StepID string      `json:"step_id"`
	Status string      `json:"status"`
	Result *StepResult `json:"result,omitempty"`
	Error  *WireError  `json:"error,omitempty"`
}

func (StepUpdate) Type() MessageType { return MsgStepUpdate }

func (u StepUpdate) Validate() error {
	if strings.TrimSpace(u.RunID) == "" {
		return fmt.Errorf("%w: step.update missing run_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(u.StepID) == "" {
		return fmt.Errorf("%w: step.update missing step_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(u.Status) == "" {
		return fmt.Errorf("%w: step.update missing status", ErrInvalidMessage)
	}
	return nil
}

// RunUpdate reports one run status transition to the control plane.
type RunUpdate struct {
	RunID  string     `json:"run_id"`
	Status string     `json:"status"`
	Error  *WireError `json:"error,omitempty"`
}

func (RunUpdate) Type() MessageType { return MsgRunUpdate }

func (u RunUpdate) Validate() error {
	if strings.TrimSpace(u.RunID) == "" {
		return fmt.Errorf("%w: run.update missing run_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(u.Status) == "" {
		return fmt.Errorf("%w: run.update missing status", ErrInvalidMessage)
	}
	return nil
}

// Heartbeat is the bidirectional liveness signal.
type Heartbeat struct {
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (Heartbeat) Type() MessageType { return MsgHeartbeat }

func (h Heartbeat) Validate() error {
	if h.TimestampMS == 0 {
		return fmt.Errorf("%w: heartbeat missing timestamp_ms", ErrInvalidMessage)
	}
	return nil
}

// Ack is the control plane's cumulative acknowledgment of runner
// sequence numbers. Everything at or below Sequence is acknowledged.
type Ack struct {
	Sequence uint64 `json:"sequence"`
}

func (Ack) Type() MessageType { return MsgAck }

func (a Ack) Validate() error {
	if a.Sequence == 0 {
		return fmt.Errorf("%w: ack missing sequence", ErrInvalidMessage)
	}
	return nil
}

// Availability reports which capabilities this runner can serve.
type Availability struct {
	Available   []string `json:"available"`
	Unavailable []string `json:"unavailable,omitempty"`
}

func (Availability) Type() MessageType { return MsgAvailability }

func (a Availability) Validate() error {
	if a.Available == nil {
		return fmt.Errorf("%w: availability missing available list", ErrInvalidMessage)
	}
	return nil
}

// Disconnect is the runner's graceful shutdown notice.
type Disconnect struct {
	Reason string `json:"reason"`
}

func (Disconnect) Type() MessageType { return MsgDisconnect }

func (d Disconnect) Validate() error {
	if strings.TrimSpace(d.Reason) == "" {
		return fmt.Errorf("%w: disconnect missing reason", ErrInvalidMessage)
	}
	return nil
}

// ConfigUpdate is a control-plane push of runtime setting overrides.
// Values may reference runner-side environment variables as ${VAR};
// the runner resolves them locally so secrets never cross the wire.
type ConfigUpdate struct {
	Settings map[string]string `json:"settings"`
}

func (ConfigUpdate) Type() MessageType { return MsgConfigUpdate }

func (c ConfigUpdate) Validate() error {
	if len(c.Settings) == 0 {
		return fmt.Errorf("%w: config.update missing settings", ErrInvalidMessage)
	}
	for key := range c.Settings {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: config.update has empty setting key", ErrInvalidMessage)
		}
	}
	return nil
}
