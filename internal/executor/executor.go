// Package executor turns scheduled steps into capability invocations,
// applying timeouts and the per-step retry budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ploston/runner/internal/capability"
	"github.com/ploston/runner/internal/engine"
)

// ErrStepTimeout marks a step that exceeded its invocation deadline.
var ErrStepTimeout = errors.New("executor: step timed out")

const defaultStepTimeout = 5 * time.Minute

// Executor resolves steps against the capability registry. Timeout
// settings start from bootstrap config and may be retuned at runtime
// by control-plane config pushes; in-flight attempts keep the timeout
// they started with.
type Executor struct {
	registry *capability.Registry
	logger   zerolog.Logger

	mu             sync.RWMutex
	defaultTimeout time.Duration
	perCapability  map[string]time.Duration
}

func New(registry *capability.Registry, defaultTimeout time.Duration, perCapability map[string]time.Duration, logger zerolog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultStepTimeout
	}
	perCap := make(map[string]time.Duration, len(perCapability))
	for name, t := range perCapability {
		perCap[name] = t
	}
	return &Executor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		perCapability:  perCap,
		logger:         logger.With().Str("component", "executor").Logger(),
	}
}

// SetDefaultTimeout replaces the fallback step timeout.
func (x *Executor) SetDefaultTimeout(t time.Duration) error {
	if t <= 0 {
		return fmt.Errorf("executor: default timeout must be positive, got %v", t)
	}
	x.mu.Lock()
	x.defaultTimeout = t
	x.mu.Unlock()
	return nil
}

// SetCapabilityTimeout replaces one capability's timeout override.
func (x *Executor) SetCapabilityTimeout(name string, t time.Duration) error {
	if t <= 0 {
		return fmt.Errorf("executor: timeout for %s must be positive, got %v", name, t)
	}
	x.mu.Lock()
	x.perCapability[name] = t
	x.mu.Unlock()
	return nil
}

// DefaultTimeout returns the current fallback step timeout.
func (x *Executor) DefaultTimeout() time.Duration {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.defaultTimeout
}

// CapabilityTimeout returns one capability's timeout override.
func (x *Executor) CapabilityTimeout(name string) (time.Duration, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.perCapability[name]
	return t, ok
}

// Execute runs one step to a terminal outcome. The retry budget covers
// transient adapter failures; policy violations and cancellation are
// never retried.
func (x *Executor) Execute(ctx context.Context, runID string, step engine.StepSpec) (capability.Result, error) {
	adapter, err := x.registry.Resolve(step.Capability)
	if err != nil {
		return capability.Result{}, fmt.Errorf("step %s: %w", step.ID, err)
	}
	timeout := x.timeoutFor(step)
	attempts := 1 + step.RetryBudget

	var lastResult capability.Result
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastResult, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, invokeErr := adapter.Invoke(attemptCtx, step.Operation, step.Parameters)
		cancel()

		if invokeErr == nil {
			return result, nil
		}
		lastResult = result
		lastErr = invokeErr

		switch {
		case ctx.Err() != nil:
			// The run was cancelled; surface that, not the
			// adapter's wrapped error.
			return lastResult, ctx.Err()
		case errors.Is(invokeErr, context.DeadlineExceeded):
			lastErr = fmt.Errorf("%w: %s/%s after %v", ErrStepTimeout, step.Capability, step.Operation, timeout)
		case capability.IsPathEscape(invokeErr):
			x.logger.Warn().
				Str("run_id", runID).
				Str("step_id", step.ID).
				Msg("path escape rejected")
			return lastResult, invokeErr
		}

		if attempt < attempts {
			x.logger.Debug().
				Str("run_id", runID).
				Str("step_id", step.ID).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("step attempt failed, retrying")
		}
	}
	return lastResult, lastErr
}

func (x *Executor) timeoutFor(step engine.StepSpec) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if t, ok := x.perCapability[step.Capability]; ok && t > 0 {
		return t
	}
	return x.defaultTimeout
}
