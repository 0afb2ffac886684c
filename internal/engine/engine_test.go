package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ploston/runner/internal/capability"
	"github.com/ploston/runner/internal/testutil/testlog"
)

type recordingSink struct {
	mu         sync.Mutex
	stepEvents []StepEvent
	runEvents  []RunEvent
	runDone    chan RunEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{runDone: make(chan RunEvent, 4)}
}

func (s *recordingSink) StepChanged(ev StepEvent) {
	s.mu.Lock()
	s.stepEvents = append(s.stepEvents, ev)
	s.mu.Unlock()
}

func (s *recordingSink) RunChanged(ev RunEvent) {
	s.mu.Lock()
	s.runEvents = append(s.runEvents, ev)
	s.mu.Unlock()
	if ev.Status.Terminal() {
		s.runDone <- ev
	}
}

func (s *recordingSink) stepStatus(stepID string) StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := StepStatus("")
	for _, ev := range s.stepEvents {
		if ev.StepID == stepID {
			status = ev.Status
		}
	}
	return status
}

func (s *recordingSink) runningOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var order []string
	for _, ev := range s.stepEvents {
		if ev.Status == StepRunning {
			order = append(order, ev.StepID)
		}
	}
	return order
}

type fakeStepRunner struct {
	mu      sync.Mutex
	invoked []string
	fail    map[string]error
	block   map[string]bool
	// gated steps hold their slot until gate closes, then succeed.
	gated map[string]bool
	gate  chan struct{}
}

func (f *fakeStepRunner) Execute(ctx context.Context, _ string, step StepSpec) (capability.Result, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, step.ID)
	blocked := f.block[step.ID]
	gated := f.gated[step.ID]
	failErr := f.fail[step.ID]
	f.mu.Unlock()

	if gated {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return capability.Result{}, ctx.Err()
		}
		return capability.Result{ExitCode: 0}, nil
	}
	if blocked {
		<-ctx.Done()
		return capability.Result{}, ctx.Err()
	}
	if failErr != nil {
		return capability.Result{}, failErr
	}
	return capability.Result{ExitCode: 0}, nil
}

func (f *fakeStepRunner) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.invoked))
	copy(out, f.invoked)
	return out
}

func allCapabilities(string) bool { return true }

func newTestEngine(runner StepRunner, sink EventSink, maxParallel int64) *Engine {
	return New(runner, sink, allCapabilities, maxParallel, zerolog.Nop())
}

func awaitTerminal(t *testing.T, sink *recordingSink) RunEvent {
	t.Helper()
	select {
	case ev := <-sink.runDone:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("run never reached a terminal status")
		return RunEvent{}
	}
}

func step(id string, deps ...string) StepSpec {
	return StepSpec{ID: id, Capability: "fs", Operation: "read", DependsOn: deps}
}

func TestAcyclicWorkflowCompletes(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 2)

	spec := WorkflowSpec{
		RunID: "run-1",
		Steps: []StepSpec{step("a"), step("b", "a"), step("c", "b")},
	}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := awaitTerminal(t, sink)
	if ev.Status != RunCompleted {
		t.Fatalf("expected completed, got %s", ev.Status)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := sink.stepStatus(id); got != StepSucceeded {
			t.Fatalf("step %s: expected succeeded, got %s", id, got)
		}
	}
}

func TestCycleRejectedBeforeAnyInvocation(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{}
	e := newTestEngine(runner, newRecordingSink(), 2)

	spec := WorkflowSpec{
		RunID: "run-cycle",
		Steps: []StepSpec{step("a", "c"), step("b", "a"), step("c", "b")},
	}
	err := e.Submit(spec)
	if !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph, got %v", err)
	}
	if got := runner.invocations(); len(got) != 0 {
		t.Fatalf("steps invoked despite rejection: %v", got)
	}
}

func TestGraphValidationRejections(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(&fakeStepRunner{}, newRecordingSink(), 2)

	cases := []struct {
		name string
		spec WorkflowSpec
	}{
		{"duplicate step id", WorkflowSpec{RunID: "r", Steps: []StepSpec{step("a"), step("a")}}},
		{"unknown dependency", WorkflowSpec{RunID: "r", Steps: []StepSpec{step("a", "ghost")}}},
		{"self dependency", WorkflowSpec{RunID: "r", Steps: []StepSpec{step("a", "a")}}},
		{"no steps", WorkflowSpec{RunID: "r"}},
		{"negative retry budget", WorkflowSpec{RunID: "r", Steps: []StepSpec{
			{ID: "a", Capability: "fs", Operation: "read", RetryBudget: -1},
		}}},
	}
	for _, tc := range cases {
		if err := e.Submit(tc.spec); !errors.Is(err, ErrGraph) {
			t.Fatalf("%s: expected ErrGraph, got %v", tc.name, err)
		}
	}
}

func TestUnknownCapabilityRejected(t *testing.T) {
	testlog.Start(t)
	e := New(&fakeStepRunner{}, newRecordingSink(), func(name string) bool {
		return name == "fs"
	}, 2, zerolog.Nop())

	spec := WorkflowSpec{RunID: "r", Steps: []StepSpec{
		{ID: "a", Capability: "quantum", Operation: "entangle"},
	}}
	if err := e.Submit(spec); !errors.Is(err, ErrGraph) {
		t.Fatalf("expected ErrGraph, got %v", err)
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	testlog.Start(t)
	sink := newRecordingSink()
	e := newTestEngine(&fakeStepRunner{}, sink, 2)

	spec := WorkflowSpec{RunID: "run-dup", Steps: []StepSpec{step("a")}}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Still tracked until archived, even after finishing.
	awaitTerminal(t, sink)
	if err := e.Submit(spec); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}
}

func TestRunDispatchesWhenOtherRunFreesCapacity(t *testing.T) {
	testlog.Start(t)
	gate := make(chan struct{})
	runner := &fakeStepRunner{gated: map[string]bool{"hold": true}, gate: gate}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 1)

	// run-a's only step owns the single slot while run-b arrives.
	if err := e.Submit(WorkflowSpec{RunID: "run-a", Steps: []StepSpec{step("hold")}}); err != nil {
		t.Fatalf("submit run-a: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for sink.stepStatus("hold") != StepRunning {
		if time.Now().After(deadline) {
			t.Fatalf("hold never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Submit(WorkflowSpec{RunID: "run-b", Steps: []StepSpec{step("x")}}); err != nil {
		t.Fatalf("submit run-b: %v", err)
	}

	close(gate)
	statuses := map[string]RunStatus{}
	for len(statuses) < 2 {
		ev := awaitTerminal(t, sink)
		statuses[ev.RunID] = ev.Status
	}
	if statuses["run-a"] != RunCompleted || statuses["run-b"] != RunCompleted {
		t.Fatalf("unexpected terminal statuses: %v", statuses)
	}
}

func TestRunIDNeverReusedAfterArchive(t *testing.T) {
	testlog.Start(t)
	sink := newRecordingSink()
	e := newTestEngine(&fakeStepRunner{}, sink, 2)

	spec := WorkflowSpec{RunID: "run-reuse", Steps: []StepSpec{step("a")}}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitTerminal(t, sink)
	if err := e.Archive("run-reuse"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := e.Submit(spec); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun after archive, got %v", err)
	}
}

func TestDispatchOrderFollowsStepIDs(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 1)

	// b and c become ready together once a succeeds; with one slot
	// they must start in id order.
	spec := WorkflowSpec{
		RunID: "run-order",
		Steps: []StepSpec{step("c", "a"), step("a"), step("b", "a")},
	}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitTerminal(t, sink)

	order := sink.runningOrder()
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("unexpected running order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected running order: %v", order)
		}
	}
}

func TestFailForwardSkipsDependentsOnly(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{fail: map[string]error{"a": errors.New("boom")}}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 2)

	spec := WorkflowSpec{
		RunID: "run-ff",
		Steps: []StepSpec{step("a"), step("b", "a"), step("c")},
	}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := awaitTerminal(t, sink)
	if ev.Status != RunFailed {
		t.Fatalf("expected failed, got %s", ev.Status)
	}
	if got := sink.stepStatus("a"); got != StepFailed {
		t.Fatalf("step a: expected failed, got %s", got)
	}
	if got := sink.stepStatus("b"); got != StepSkipped {
		t.Fatalf("step b: expected skipped, got %s", got)
	}
	if got := sink.stepStatus("c"); got != StepSucceeded {
		t.Fatalf("step c: expected succeeded, got %s", got)
	}
}

func TestTransitiveSkipThroughRequiredFailure(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{fail: map[string]error{"a": errors.New("boom")}}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 2)

	spec := WorkflowSpec{
		RunID: "run-chain",
		Steps: []StepSpec{step("a"), step("b", "a"), step("c", "b")},
	}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	awaitTerminal(t, sink)
	if got := sink.stepStatus("c"); got != StepSkipped {
		t.Fatalf("step c: expected skipped transitively, got %s", got)
	}
	for _, id := range runner.invocations() {
		if id != "a" {
			t.Fatalf("unexpected invocation of %s", id)
		}
	}
}

func TestOptionalFailureStillSatisfiesDependents(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{fail: map[string]error{"a": errors.New("boom")}}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 2)

	spec := WorkflowSpec{
		RunID: "run-opt",
		Steps: []StepSpec{
			{ID: "a", Capability: "fs", Operation: "read", Optional: true},
			step("b", "a"),
		},
	}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := awaitTerminal(t, sink)
	if ev.Status != RunPartialFailure {
		t.Fatalf("expected partial_failure, got %s", ev.Status)
	}
	if got := sink.stepStatus("b"); got != StepSucceeded {
		t.Fatalf("step b: expected succeeded, got %s", got)
	}
}

func TestCancelSkipsPendingAndStopsRunning(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{block: map[string]bool{"a": true}}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 1)

	spec := WorkflowSpec{
		RunID: "run-cancel",
		Steps: []StepSpec{step("a"), step("b", "a")},
	}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for sink.stepStatus("a") != StepRunning {
		if time.Now().After(deadline) {
			t.Fatalf("step a never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Cancel("run-cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ev := awaitTerminal(t, sink)
	if ev.Status != RunCancelled {
		t.Fatalf("expected cancelled, got %s", ev.Status)
	}
	if got := sink.stepStatus("a"); got != StepFailed {
		t.Fatalf("step a: expected failed after cancel, got %s", got)
	}
	if got := sink.stepStatus("b"); got != StepSkipped {
		t.Fatalf("step b: expected skipped, got %s", got)
	}
	for _, id := range runner.invocations() {
		if id == "b" {
			t.Fatalf("step b invoked after cancel")
		}
	}
}

func TestArchiveRequiresTerminalRun(t *testing.T) {
	testlog.Start(t)
	runner := &fakeStepRunner{block: map[string]bool{"a": true}}
	sink := newRecordingSink()
	e := newTestEngine(runner, sink, 1)

	spec := WorkflowSpec{RunID: "run-arch", Steps: []StepSpec{step("a")}}
	if err := e.Submit(spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for sink.stepStatus("a") != StepRunning {
		if time.Now().After(deadline) {
			t.Fatalf("step a never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Archive("run-arch"); !errors.Is(err, ErrRunNotTerminal) {
		t.Fatalf("expected ErrRunNotTerminal, got %v", err)
	}

	e.Cancel("run-arch")
	awaitTerminal(t, sink)
	if err := e.Archive("run-arch"); err != nil {
		t.Fatalf("archive after terminal: %v", err)
	}
	if err := e.Archive("run-arch"); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
}
