package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ploston/runner/internal/capability"
)

var (
	ErrDuplicateRun   = errors.New("engine: run id already active")
	ErrUnknownRun     = errors.New("engine: unknown run id")
	ErrRunNotTerminal = errors.New("engine: run still in flight")
	ErrCancelled      = errors.New("engine: run cancelled")
)

// StepRunner executes one step invocation.
type StepRunner interface {
	Execute(ctx context.Context, runID string, step StepSpec) (capability.Result, error)
}

// Engine schedules dependency-graph workflows. Each run gets its own
// scheduler goroutine; step concurrency across all runs is bounded by
// one shared semaphore. Within a run, steps that become ready together
// start in ascending step id order.
type Engine struct {
	runner StepRunner
	sink   EventSink
	hasCap func(name string) bool
	sem    *semaphore.Weighted
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
	// seen holds every run id accepted during this process lifetime;
	// ids are never reused, even after archival.
	seen map[string]struct{}
	wg   sync.WaitGroup

	// wake is closed and replaced whenever a semaphore slot frees, so
	// schedulers parked with undispatched ready steps recheck capacity.
	wakeMu sync.Mutex
	wake   chan struct{}
}

type stepInfo struct {
	spec   StepSpec
	status StepStatus
	err    error
}

type run struct {
	spec   WorkflowSpec
	graph  *graph
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status RunStatus
	steps  map[string]*stepInfo
}

type stepResult struct {
	id     string
	result capability.Result
	err    error
}

func New(runner StepRunner, sink EventSink, hasCapability func(name string) bool, maxParallel int64, logger zerolog.Logger) *Engine {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Engine{
		runner: runner,
		sink:   sink,
		hasCap: hasCapability,
		sem:    semaphore.NewWeighted(maxParallel),
		logger: logger.With().Str("component", "engine").Logger(),
		runs:   make(map[string]*run),
		seen:   make(map[string]struct{}),
		wake:   make(chan struct{}),
	}
}

// Submit validates spec and starts its scheduler. Rejections happen
// before any step is invoked.
func (e *Engine) Submit(spec WorkflowSpec) error {
	g, err := buildGraph(spec, e.hasCap)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.seen[spec.RunID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRun, spec.RunID)
	}
	e.seen[spec.RunID] = struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		spec:   spec,
		graph:  g,
		cancel: cancel,
		done:   make(chan struct{}),
		status: RunRunning,
		steps:  make(map[string]*stepInfo, len(g.steps)),
	}
	for id, step := range g.steps {
		r.steps[id] = &stepInfo{spec: step, status: StepPending}
	}
	e.runs[spec.RunID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info().Str("run_id", spec.RunID).Int("steps", len(spec.Steps)).Msg("run accepted")
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		e.schedule(ctx, r)
	}()
	return nil
}

// Cancel requests cooperative cancellation of one in-flight run.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.cancel()
	return nil
}

// CancelAll cancels every in-flight run.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.runs {
		r.cancel()
	}
}

// Snapshot returns a point-in-time view of one run.
func (e *Engine) Snapshot(runID string) (RunSnapshot, bool) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return RunSnapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := RunSnapshot{RunID: runID, Status: r.status}
	for _, id := range r.graph.order {
		info := r.steps[id]
		snap.Steps = append(snap.Steps, StepState{ID: id, Status: info.status, Err: info.err})
	}
	return snap, true
}

// Active lists runs that have not been archived. Order is not
// guaranteed.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	return out
}

// Archive drops a terminal run. Called once the control plane has
// acknowledged the terminal RunUpdate.
func (e *Engine) Archive(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.mu.Lock()
	terminal := r.status.Terminal()
	r.mu.Unlock()
	if !terminal {
		return fmt.Errorf("%w: %s", ErrRunNotTerminal, runID)
	}
	delete(e.runs, runID)
	return nil
}

// Wait blocks until every scheduler goroutine has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) schedule(ctx context.Context, r *run) {
	e.sink.RunChanged(RunEvent{RunID: r.spec.RunID, Status: RunRunning})

	results := make(chan stepResult)
	ctxDone := ctx.Done()
	running := 0
	cancelled := false

	for {
		// Capture the wakeup before dispatching: any slot freed after
		// this point closes the captured channel, so a failed
		// TryAcquire below cannot strand the run.
		wake := e.wakeSignal()
		if cancelled {
			e.skipRemaining(r)
		} else {
			running += e.advance(ctx, r, results)
		}
		if running == 0 && !r.hasDispatchable(cancelled) {
			break
		}
		select {
		case res := <-results:
			running--
			e.releaseSlot()
			e.apply(r, res)
		case <-ctxDone:
			cancelled = true
			ctxDone = nil
		case <-wake:
		}
	}

	final := r.finalStatus(cancelled)
	r.mu.Lock()
	r.status = final
	r.mu.Unlock()
	var runErr error
	if cancelled {
		runErr = ErrCancelled
	}
	e.logger.Info().Str("run_id", r.spec.RunID).Str("status", string(final)).Msg("run finished")
	e.sink.RunChanged(RunEvent{RunID: r.spec.RunID, Status: final, Err: runErr})
}

// releaseSlot frees one semaphore slot and wakes every parked
// scheduler so runs blocked only on cross-run capacity can dispatch.
func (e *Engine) releaseSlot() {
	e.sem.Release(1)
	e.wakeMu.Lock()
	close(e.wake)
	e.wake = make(chan struct{})
	e.wakeMu.Unlock()
}

func (e *Engine) wakeSignal() <-chan struct{} {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	return e.wake
}

// advance promotes pending steps whose dependencies are settled and
// dispatches ready steps in ascending id order while semaphore
// capacity remains. Returns how many steps it started.
func (e *Engine) advance(ctx context.Context, r *run, results chan<- stepResult) int {
	var events []StepEvent
	record := func(id string, info *stepInfo) {
		events = append(events, StepEvent{
			RunID:  r.spec.RunID,
			StepID: id,
			Status: info.status,
			Err:    info.err,
		})
	}

	r.mu.Lock()
	for changed := true; changed; {
		changed = false
		for _, id := range r.graph.order {
			info := r.steps[id]
			if info.status != StepPending {
				continue
			}
			blocked := false
			failedDep := ""
			for _, dep := range info.spec.DependsOn {
				depInfo := r.steps[dep]
				switch {
				case depInfo.status == StepSucceeded:
				case depInfo.status.Terminal() && depInfo.spec.Optional:
				case depInfo.status.Terminal():
					failedDep = dep
				default:
					blocked = true
				}
			}
			switch {
			case failedDep != "":
				info.status = StepSkipped
				info.err = fmt.Errorf("dependency %s did not succeed", failedDep)
				changed = true
				record(id, info)
			case !blocked:
				info.status = StepReady
				changed = true
				record(id, info)
			}
		}
	}

	started := 0
	for _, id := range r.graph.order {
		info := r.steps[id]
		if info.status != StepReady {
			continue
		}
		if !e.sem.TryAcquire(1) {
			break
		}
		info.status = StepRunning
		record(id, info)
		started++
		step := info.spec
		go func(id string, step StepSpec) {
			res, err := e.runner.Execute(ctx, r.spec.RunID, step)
			results <- stepResult{id: id, result: res, err: err}
		}(id, step)
	}
	r.mu.Unlock()

	for _, ev := range events {
		e.sink.StepChanged(ev)
	}
	return started
}

// skipRemaining marks everything not yet running as skipped after a
// cancellation.
func (e *Engine) skipRemaining(r *run) {
	var events []StepEvent
	r.mu.Lock()
	for _, id := range r.graph.order {
		info := r.steps[id]
		if info.status == StepPending || info.status == StepReady {
			info.status = StepSkipped
			info.err = ErrCancelled
			events = append(events, StepEvent{
				RunID:  r.spec.RunID,
				StepID: id,
				Status: StepSkipped,
				Err:    info.err,
			})
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		e.sink.StepChanged(ev)
	}
}

func (e *Engine) apply(r *run, res stepResult) {
	r.mu.Lock()
	info := r.steps[res.id]
	if res.err != nil {
		info.status = StepFailed
		info.err = res.err
	} else {
		info.status = StepSucceeded
	}
	ev := StepEvent{
		RunID:  r.spec.RunID,
		StepID: res.id,
		Status: info.status,
		Result: res.result,
		Err:    info.err,
	}
	r.mu.Unlock()
	e.sink.StepChanged(ev)
}

// hasDispatchable reports whether any step could still start.
func (r *run) hasDispatchable(cancelled bool) bool {
	if cancelled {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.steps {
		if info.status == StepPending || info.status == StepReady {
			return true
		}
	}
	return false
}

func (r *run) finalStatus(cancelled bool) RunStatus {
	if cancelled {
		return RunCancelled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	optionalFailed := false
	for _, info := range r.steps {
		if info.status == StepFailed || info.status == StepSkipped {
			if info.spec.Optional {
				optionalFailed = true
			} else if info.status == StepFailed {
				return RunFailed
			} else {
				// Required step skipped: an upstream required
				// step failed.
				return RunFailed
			}
		}
	}
	if optionalFailed {
		return RunPartialFailure
	}
	return RunCompleted
}
