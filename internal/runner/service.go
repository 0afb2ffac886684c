// Package runner composes the control-plane session with the local
// workflow engine and capability registry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ploston/runner/internal/capability"
	"github.com/ploston/runner/internal/engine"
	"github.com/ploston/runner/internal/executor"
	"github.com/ploston/runner/internal/observability"
	"github.com/ploston/runner/internal/protocol"
	"github.com/ploston/runner/internal/session"
)

// Wire error codes reported to the control plane.
const (
	CodePathEscape = "path_escape"
	CodeTimeout    = "timeout"
	CodeCancelled  = "cancelled"
	CodeGraph      = "invalid_graph"
	CodeAdapter    = "adapter_failure"
	CodeInternal   = "internal"
)

// Service is the runner core. It forwards server commands to the
// engine, streams engine transitions back over the session, and
// archives runs once their terminal update is acknowledged.
type Service struct {
	sessionMgr *session.Manager
	registry   *capability.Registry
	telemetry  observability.Sink
	logger     zerolog.Logger

	engine   *engine.Engine
	executor *executor.Executor

	mu             sync.Mutex
	terminalBySeq  map[uint64]string
	configuredCaps []string
}

// Options carries the pieces Service composes.
type Options struct {
	Session        *session.Manager
	Registry       *capability.Registry
	Executor       *executor.Executor
	Telemetry      observability.Sink
	MaxParallel    int64
	ConfiguredCaps []string
	Logger         zerolog.Logger
}

func NewService(opts Options) *Service {
	if opts.Telemetry == nil {
		opts.Telemetry = observability.NopSink{}
	}
	s := &Service{
		sessionMgr:     opts.Session,
		registry:       opts.Registry,
		executor:       opts.Executor,
		telemetry:      opts.Telemetry,
		logger:         opts.Logger.With().Str("component", "runner").Logger(),
		terminalBySeq:  make(map[uint64]string),
		configuredCaps: opts.ConfiguredCaps,
	}
	s.engine = engine.New(opts.Executor, s, opts.Registry.Has, opts.MaxParallel, opts.Logger)

	s.sessionMgr.OnAuthenticated(s.reportAvailability)
	s.sessionMgr.OnAck(s.archiveAcked)
	s.sessionMgr.OnDisconnectExpired(s.failInFlight)
	return s
}

// Run drives the session and the command loop until ctx is cancelled
// or the control plane rejects authentication.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sessionMgr.Run(gctx) })
	g.Go(func() error { return s.commandLoop(gctx) })
	err := g.Wait()

	s.engine.CancelAll()
	s.engine.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-s.sessionMgr.Receive():
			s.handleCommand(env)
		}
	}
}

func (s *Service) handleCommand(env protocol.Envelope) {
	switch cmd := env.Payload.(type) {
	case protocol.RunWorkflow:
		s.handleRunWorkflow(cmd)
	case protocol.CancelRun:
		if err := s.engine.Cancel(cmd.RunID); err != nil {
			s.logger.Warn().Str("run_id", cmd.RunID).Err(err).Msg("cancel for unknown run")
		}
	case protocol.ConfigUpdate:
		s.applyConfigUpdate(cmd)
	default:
		s.logger.Warn().Str("type", env.Payload.Type().String()).Msg("unexpected server message")
	}
}

func (s *Service) handleRunWorkflow(cmd protocol.RunWorkflow) {
	spec := toWorkflowSpec(cmd)
	if err := s.engine.Submit(spec); err != nil {
		s.logger.Error().Str("run_id", cmd.RunID).Err(err).Msg("run rejected")
		s.sendRunUpdate(protocol.RunUpdate{
			RunID:  cmd.RunID,
			Status: string(engine.RunFailed),
			Error:  toWireError(err),
		}, true)
		return
	}
	s.telemetry.Record(observability.NewRecord(observability.KindRun, cmd.RunID, "", "accepted"))
}

// applyConfigUpdate applies pushed setting overrides one by one; a bad
// setting is skipped, not fatal, so the rest of the push still lands.
func (s *Service) applyConfigUpdate(cmd protocol.ConfigUpdate) {
	applied := 0
	for key, raw := range cmd.Settings {
		value, err := resolveSetting(raw)
		if err != nil {
			s.logger.Warn().Str("setting", key).Err(err).Msg("config setting skipped")
			continue
		}
		if err := s.applySetting(key, value); err != nil {
			s.logger.Warn().Str("setting", key).Err(err).Msg("config setting rejected")
			continue
		}
		applied++
		s.logger.Info().Str("setting", key).Msg("config setting applied")
	}
	s.telemetry.Record(observability.NewRecord(observability.KindSession, "", "", fmt.Sprintf("config push applied %d/%d settings", applied, len(cmd.Settings))))
}

const capabilityTimeoutPrefix = "capability_timeout."

func (s *Service) applySetting(key, value string) error {
	switch {
	case key == "default_step_timeout":
		t, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		return s.executor.SetDefaultTimeout(t)
	case strings.HasPrefix(key, capabilityTimeoutPrefix):
		name := strings.TrimPrefix(key, capabilityTimeoutPrefix)
		if name == "" {
			return fmt.Errorf("capability timeout missing capability name")
		}
		t, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		return s.executor.SetCapabilityTimeout(name, t)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

var settingVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveSetting expands ${VAR} references against the runner's own
// environment. A reference to an unset variable fails the whole value;
// silently substituting an empty string would apply a broken setting.
func resolveSetting(raw string) (string, error) {
	var missing []string
	out := settingVarPattern.ReplaceAllStringFunc(raw, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variable %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// StepChanged implements engine.EventSink.
func (s *Service) StepChanged(ev engine.StepEvent) {
	update := protocol.StepUpdate{
		RunID:  ev.RunID,
		StepID: ev.StepID,
		Status: string(ev.Status),
	}
	switch ev.Status {
	case engine.StepSucceeded:
		update.Result = &protocol.StepResult{
			Stdout:   string(ev.Result.Stdout),
			Stderr:   string(ev.Result.Stderr),
			ExitCode: ev.Result.ExitCode,
			Output:   ev.Result.Output,
		}
	case engine.StepFailed, engine.StepSkipped:
		update.Error = toWireError(ev.Err)
	}
	if _, err := s.sessionMgr.Send(update); err != nil {
		s.logger.Error().Str("run_id", ev.RunID).Str("step_id", ev.StepID).Err(err).Msg("queue step update")
	}
	if ev.Status.Terminal() {
		s.telemetry.Record(observability.NewRecord(observability.KindStep, ev.RunID, ev.StepID, string(ev.Status)))
	}
}

// RunChanged implements engine.EventSink.
func (s *Service) RunChanged(ev engine.RunEvent) {
	update := protocol.RunUpdate{RunID: ev.RunID, Status: string(ev.Status)}
	if ev.Err != nil {
		update.Error = toWireError(ev.Err)
	}
	s.sendRunUpdate(update, ev.Status.Terminal())
	if ev.Status.Terminal() {
		s.telemetry.Record(observability.NewRecord(observability.KindRun, ev.RunID, "", string(ev.Status)))
	}
}

// sendRunUpdate queues the update; terminal updates are tracked so the
// run can be archived once the control plane acknowledges them.
func (s *Service) sendRunUpdate(update protocol.RunUpdate, terminal bool) {
	seq, err := s.sessionMgr.Send(update)
	if err != nil {
		s.logger.Error().Str("run_id", update.RunID).Err(err).Msg("queue run update")
		return
	}
	if terminal {
		s.mu.Lock()
		s.terminalBySeq[seq] = update.RunID
		s.mu.Unlock()
	}
}

// archiveAcked drops runs whose terminal update the control plane has
// acknowledged. Acks are cumulative.
func (s *Service) archiveAcked(ackedSeq uint64) {
	s.mu.Lock()
	var ready []string
	for seq, runID := range s.terminalBySeq {
		if seq <= ackedSeq {
			ready = append(ready, runID)
			delete(s.terminalBySeq, seq)
		}
	}
	s.mu.Unlock()
	for _, runID := range ready {
		if err := s.engine.Archive(runID); err != nil && !errors.Is(err, engine.ErrUnknownRun) {
			s.logger.Warn().Str("run_id", runID).Err(err).Msg("archive after ack")
		}
	}
}

func (s *Service) reportAvailability(sessionID string) {
	available := s.registry.Names()
	var unavailable []string
	for _, want := range s.configuredCaps {
		if !s.registry.Has(want) {
			unavailable = append(unavailable, want)
		}
	}
	if _, err := s.sessionMgr.Send(protocol.Availability{
		Available:   available,
		Unavailable: unavailable,
	}); err != nil {
		s.logger.Error().Err(err).Msg("queue availability report")
	}
	s.telemetry.Record(observability.NewRecord(observability.KindSession, "", "", "authenticated "+sessionID))
}

// failInFlight cancels every active run after the disconnect budget is
// exhausted. Their terminal updates queue for whenever the session
// recovers.
func (s *Service) failInFlight() {
	active := s.engine.Active()
	if len(active) == 0 {
		return
	}
	s.logger.Warn().Int("runs", len(active)).Msg("disconnect budget exhausted, cancelling in-flight runs")
	s.engine.CancelAll()
}

func toWorkflowSpec(cmd protocol.RunWorkflow) engine.WorkflowSpec {
	spec := engine.WorkflowSpec{RunID: cmd.RunID}
	for _, ws := range cmd.Steps {
		spec.Steps = append(spec.Steps, engine.StepSpec{
			ID:          ws.StepID,
			Capability:  ws.Capability,
			Operation:   ws.Operation,
			Parameters:  ws.Parameters,
			DependsOn:   ws.DependsOn,
			Timeout:     time.Duration(ws.TimeoutMS) * time.Millisecond,
			RetryBudget: ws.RetryBudget,
			Optional:    ws.Optional,
		})
	}
	return spec
}

func toWireError(err error) *protocol.WireError {
	if err == nil {
		return nil
	}
	code := CodeInternal
	switch {
	case capability.IsPathEscape(err):
		code = CodePathEscape
	case errors.Is(err, executor.ErrStepTimeout):
		code = CodeTimeout
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		code = CodeCancelled
	case errors.Is(err, engine.ErrGraph):
		code = CodeGraph
	default:
		var adapterErr *capability.AdapterError
		if errors.As(err, &adapterErr) {
			code = CodeAdapter
		}
	}
	return &protocol.WireError{Code: code, Message: err.Error()}
}
