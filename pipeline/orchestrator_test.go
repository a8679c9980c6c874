// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pulseboard-io/pulseboard/lib/clock"
	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/wire"
)

// recordingSink captures every envelope sent to any workspace,
// assigning sequence counters at delivery like the hub does.
type recordingSink struct {
	factory *wire.Factory

	mu        sync.Mutex
	envelopes []wire.Envelope
}

func (s *recordingSink) SendToWorkspace(workspace ident.WorkspaceID, envelope wire.Envelope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	envelope.Payload.Sequence = s.factory.NextSequence()
	s.envelopes = append(s.envelopes, envelope)
	return 1
}

func (s *recordingSink) all() []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Envelope(nil), s.envelopes...)
}

func (s *recordingSink) byType(typ wire.Type) []wire.Envelope {
	var matching []wire.Envelope
	for _, envelope := range s.all() {
		if envelope.Type == typ {
			matching = append(matching, envelope)
		}
	}
	return matching
}

// memoryStore records saved run records and can be made to fail. It
// also remembers the context state each save arrived with, the way a
// real store would observe it before touching disk.
type memoryStore struct {
	mu       sync.Mutex
	records  []RunRecord
	ctxState []error
	fail     bool
}

func (m *memoryStore) Save(ctx context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxState = append(m.ctxState, ctx.Err())
	if m.fail {
		return errors.New("disk full")
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memoryStore) saved() []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunRecord(nil), m.records...)
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	coordinator  *Coordinator
	sink         *recordingSink
	store        *memoryStore
	workspace    ident.WorkspaceID
}

func newFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	clk := clock.Real()
	factory := wire.NewFactory(clk)
	coordinator := NewCoordinator(clk)
	sink := &recordingSink{factory: factory}
	store := &memoryStore{}
	orchestrator := New(Config{
		Factory:     factory,
		Sink:        sink,
		Coordinator: coordinator,
		Clock:       clk,
		Store:       store,
		Logger:      slog.New(slog.DiscardHandler),
	})
	return &orchestratorFixture{
		orchestrator: orchestrator,
		coordinator:  coordinator,
		sink:         sink,
		store:        store,
		workspace:    ident.MustParseWorkspaceID("w1"),
	}
}

// namedStage builds a stage that emits one narration line and
// records its invocations.
func namedStage(name string, calls *[]string, mu *sync.Mutex) Stage {
	return StageFunc(name, func(ctx context.Context, rc *RunContext) (StageResult, error) {
		mu.Lock()
		*calls = append(*calls, name)
		mu.Unlock()
		return StageResult{
			Output:    map[string]any{"from": name},
			Narration: []string{fmt.Sprintf("%s working", name)},
		}, nil
	})
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s did not finish", run.ID)
	}
}

func TestRunCompletesThroughAllStages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var mu sync.Mutex
	var calls []string

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "happy",
		Stages: []Stage{
			namedStage("A", &calls, &mu),
			namedStage("B", &calls, &mu),
			namedStage("C", &calls, &mu),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusCompleted {
		t.Errorf("status: got %s, want %s", run.Status(), StatusCompleted)
	}
	mu.Lock()
	order := append([]string(nil), calls...)
	mu.Unlock()
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Errorf("stage order: got %v", order)
	}

	// Progress envelopes: 33, 67 from the loop, 100 from
	// finalization; the terminal 100 expands into the alias and the
	// completed envelope.
	progress := f.sink.byType(wire.TypeProgress)
	if len(progress) != 3 {
		t.Fatalf("progress envelopes: got %d, want 3", len(progress))
	}
	wantPercents := []int{33, 67, 100}
	for i, envelope := range progress {
		if *envelope.Payload.Percent != wantPercents[i] {
			t.Errorf("progress[%d]: got %d, want %d", i, *envelope.Payload.Percent, wantPercents[i])
		}
	}
	if aliases := f.sink.byType(wire.TypeProgressComplete); len(aliases) != 1 {
		t.Errorf("alias envelopes: got %d, want 1", len(aliases))
	}
	if completed := f.sink.byType(wire.TypeCompleted); len(completed) != 1 {
		t.Errorf("completed envelopes: got %d, want 1", len(completed))
	}

	// Sequence counters are strictly increasing in emission order.
	var last uint64
	for i, envelope := range f.sink.all() {
		if envelope.Payload.Sequence <= last {
			t.Fatalf("sequence not increasing at envelope %d", i)
		}
		last = envelope.Payload.Sequence
	}

	// The terminal record was persisted.
	records := f.store.saved()
	if len(records) != 1 {
		t.Fatalf("saved records: got %d, want 1", len(records))
	}
	if records[0].Status != StatusCompleted || records[0].Percent != 100 {
		t.Errorf("record: got status %s percent %d", records[0].Status, records[0].Percent)
	}
	if len(records[0].Stages) != 3 {
		t.Errorf("record stages: got %d, want 3", len(records[0].Stages))
	}
}

func TestStageFailureStopsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var mu sync.Mutex
	var calls []string

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "failure",
		Stages: []Stage{
			namedStage("A", &calls, &mu),
			StageFunc("B", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				return StageResult{}, errors.New("upstream service unavailable")
			}),
			namedStage("C", &calls, &mu),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusFailed {
		t.Errorf("status: got %s, want %s", run.Status(), StatusFailed)
	}

	mu.Lock()
	ran := append([]string(nil), calls...)
	mu.Unlock()
	for _, name := range ran {
		if name == "C" {
			t.Error("stage C ran after B failed")
		}
	}

	// Exactly one error envelope naming stage B, and it is the last
	// envelope of the run.
	errorEnvelopes := f.sink.byType(wire.TypeError)
	if len(errorEnvelopes) != 1 {
		t.Fatalf("error envelopes: got %d, want 1", len(errorEnvelopes))
	}
	if errorEnvelopes[0].Payload.AgentName != "B" {
		t.Errorf("error stage: got %q, want %q", errorEnvelopes[0].Payload.AgentName, "B")
	}
	if errorEnvelopes[0].Payload.ErrorMessage != "upstream service unavailable" {
		t.Errorf("error message: got %q", errorEnvelopes[0].Payload.ErrorMessage)
	}
	all := f.sink.all()
	if all[len(all)-1].Type != wire.TypeError {
		t.Errorf("last envelope: got %s, want %s", all[len(all)-1].Type, wire.TypeError)
	}
	if len(f.sink.byType(wire.TypeCompleted)) != 0 {
		t.Error("completed envelope emitted for a failed run")
	}
}

func TestCancellationPreventsNextStage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stageARunning := make(chan struct{})
	releaseA := make(chan struct{})
	var mu sync.Mutex
	var calls []string

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "cancel",
		Stages: []Stage{
			StageFunc("A", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				close(stageARunning)
				<-releaseA
				return StageResult{Narration: []string{"A done"}}, nil
			}),
			namedStage("B", &calls, &mu),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Cancel while stage A is mid-flight: A runs to completion, B
	// never starts.
	<-stageARunning
	if !f.orchestrator.Cancel(f.workspace, run.ID) {
		t.Fatal("Cancel rejected for the active run")
	}
	close(releaseA)
	waitDone(t, run)

	if run.Status() != StatusCancelled {
		t.Errorf("status: got %s, want %s", run.Status(), StatusCancelled)
	}
	mu.Lock()
	bRan := len(calls) > 0
	mu.Unlock()
	if bRan {
		t.Error("stage B started after cancellation")
	}
	if cancelled := f.sink.byType(wire.TypeCancelled); len(cancelled) != 1 {
		t.Errorf("cancelled envelopes: got %d, want 1", len(cancelled))
	}
	// Stage A's narration was still delivered — it completed before
	// the cancellation took effect.
	if thoughts := f.sink.byType(wire.TypeThought); len(thoughts) != 1 {
		t.Errorf("thought envelopes: got %d, want 1", len(thoughts))
	}
}

func TestStaleCancelIsSilentlyIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var mu sync.Mutex
	var calls []string

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "stale",
		Stages:   []Stage{namedStage("A", &calls, &mu)},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	before := len(f.sink.all())
	if f.orchestrator.Cancel(f.workspace, ident.MustParseRunID("run-00000000000000000000000000000000")) {
		t.Error("stale cancel was accepted")
	}
	if f.orchestrator.Cancel(f.workspace, run.ID) {
		t.Error("cancel of a completed run was accepted")
	}
	if len(f.sink.all()) != before {
		t.Error("stale cancel emitted envelopes")
	}
}

func TestSecondRunRejectedWhileActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	release := make(chan struct{})
	running := make(chan struct{})

	blocking := RunSpec{
		PlanName: "first",
		Stages: []Stage{
			StageFunc("hold", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				close(running)
				<-release
				return StageResult{}, nil
			}),
		},
	}
	run, err := f.orchestrator.Start(context.Background(), f.workspace, blocking)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-running

	_, err = f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "second",
		Stages:   []Stage{StageFunc("noop", func(ctx context.Context, rc *RunContext) (StageResult, error) { return StageResult{}, nil })},
	})
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("second Start: got %v, want ErrRunActive", err)
	}

	// A different workspace is unaffected.
	other, err := f.orchestrator.Start(context.Background(), ident.MustParseWorkspaceID("w2"), RunSpec{
		PlanName: "other",
		Stages:   []Stage{StageFunc("noop", func(ctx context.Context, rc *RunContext) (StageResult, error) { return StageResult{}, nil })},
	})
	if err != nil {
		t.Fatalf("Start in other workspace: %v", err)
	}
	waitDone(t, other)

	close(release)
	waitDone(t, run)

	// Once the first run is terminal, the workspace accepts a new run.
	again, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "retry",
		Stages:   []Stage{StageFunc("noop", func(ctx context.Context, rc *RunContext) (StageResult, error) { return StageResult{}, nil })},
	})
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	waitDone(t, again)
}

func TestFinalizationIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var mu sync.Mutex
	var calls []string

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "idempotent",
		Stages:   []Stage{namedStage("A", &calls, &mu)},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	// Driving the finalization path again must not emit a second
	// terminal envelope set or error.
	f.orchestrator.finishCompleted(context.Background(), run, RunSpec{PlanName: "idempotent"}, time.Now(), nil)

	if completed := f.sink.byType(wire.TypeCompleted); len(completed) != 1 {
		t.Errorf("completed envelopes after double finalization: got %d, want 1", len(completed))
	}
	if records := f.store.saved(); len(records) != 1 {
		t.Errorf("saved records after double finalization: got %d, want 1", len(records))
	}
}

func TestImprovementPassRefinesAndCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var mu sync.Mutex
	var improvingSeen []bool

	record := func(name string) Stage {
		return StageFunc(name, func(ctx context.Context, rc *RunContext) (StageResult, error) {
			mu.Lock()
			improvingSeen = append(improvingSeen, rc.Improving)
			mu.Unlock()
			return StageResult{Output: map[string]any{"stage": name}}, nil
		})
	}

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "improve",
		Stages:   []Stage{record("A"), record("B")},
		Improve:  []string{"B"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusCompleted {
		t.Errorf("status: got %s, want %s", run.Status(), StatusCompleted)
	}

	// Primary progress is capped at 90 while an improvement pass is
	// configured; the improvement pass owns 90–100.
	progress := f.sink.byType(wire.TypeProgress)
	var beforeFinal []int
	for _, envelope := range progress[:len(progress)-1] {
		beforeFinal = append(beforeFinal, *envelope.Payload.Percent)
	}
	for _, percent := range beforeFinal {
		if percent > 99 {
			t.Errorf("non-final progress above 99: %d", percent)
		}
	}
	// 50 for A, 90 (capped from 100) for B, 99 for improved B.
	want := []int{50, 90, 99}
	if len(beforeFinal) != len(want) {
		t.Fatalf("progress before final: got %v, want %v", beforeFinal, want)
	}
	for i := range want {
		if beforeFinal[i] != want[i] {
			t.Errorf("progress[%d]: got %d, want %d", i, beforeFinal[i], want[i])
		}
	}
	if final := progress[len(progress)-1]; *final.Payload.Percent != 100 {
		t.Errorf("final progress: got %d, want 100", *final.Payload.Percent)
	}

	mu.Lock()
	flags := append([]bool(nil), improvingSeen...)
	mu.Unlock()
	// A primary, B primary, B improving.
	if len(flags) != 3 || flags[0] || flags[1] || !flags[2] {
		t.Errorf("improving flags: got %v, want [false false true]", flags)
	}
}

func TestImprovementFailureKeepsPrimaryResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "improve-fail",
		Stages: []Stage{
			StageFunc("A", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				if rc.Improving {
					return StageResult{}, errors.New("refinement model overloaded")
				}
				return StageResult{Output: map[string]any{"quality": "primary"}}, nil
			}),
		},
		Improve: []string{"A"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	// The run still completes: improvement failure is a warning.
	if run.Status() != StatusCompleted {
		t.Errorf("status: got %s, want %s", run.Status(), StatusCompleted)
	}
	if len(f.sink.byType(wire.TypeError)) != 0 {
		t.Error("improvement failure surfaced as an error envelope")
	}
	if len(f.sink.byType(wire.TypeCompleted)) != 1 {
		t.Error("run did not complete after improvement failure")
	}

	// The warning reaches watchers through narration.
	warned := false
	for _, thought := range f.sink.byType(wire.TypeThought) {
		if thought.Payload.AgentName == "A" && thought.Payload.Message != "" {
			warned = true
		}
	}
	if !warned {
		t.Error("no narration warning about the failed improvement pass")
	}
}

func TestSaveFailureDoesNotRevertCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.fail = true

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "save-fail",
		Stages:   []Stage{StageFunc("A", func(ctx context.Context, rc *RunContext) (StageResult, error) { return StageResult{}, nil })},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusCompleted {
		t.Errorf("status after save failure: got %s, want %s", run.Status(), StatusCompleted)
	}
	if len(f.sink.byType(wire.TypeCompleted)) != 1 {
		t.Error("completed envelope missing after save failure")
	}
}

func TestServerShutdownStillPersistsRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stageRunning := make(chan struct{})
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	run, err := f.orchestrator.Start(ctx, f.workspace, RunSpec{
		PlanName: "shutdown",
		Stages: []Stage{
			StageFunc("A", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				close(stageRunning)
				<-release
				return StageResult{}, nil
			}),
			StageFunc("B", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				return StageResult{}, nil
			}),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Cancel the server context mid-run, as daemon shutdown does,
	// then let stage A finish so the run reaches its terminal path.
	<-stageRunning
	cancel()
	close(release)
	waitDone(t, run)

	if run.Status() != StatusCancelled {
		t.Errorf("status: got %s, want %s", run.Status(), StatusCancelled)
	}

	// The terminal record is persisted despite the dead context: the
	// save must not inherit the shutdown cancellation.
	records := f.store.saved()
	if len(records) != 1 {
		t.Fatalf("saved records: got %d, want 1", len(records))
	}
	if records[0].Status != StatusCancelled {
		t.Errorf("record status: got %s, want %s", records[0].Status, StatusCancelled)
	}
	f.store.mu.Lock()
	state := append([]error(nil), f.store.ctxState...)
	f.store.mu.Unlock()
	if len(state) != 1 || state[0] != nil {
		t.Errorf("save context state: got %v, want [<nil>]", state)
	}
}

func TestStageOutputsFlowForward(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var got any
	var mu sync.Mutex

	run, err := f.orchestrator.Start(context.Background(), f.workspace, RunSpec{
		PlanName: "chain",
		Stages: []Stage{
			StageFunc("produce", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				return StageResult{Output: map[string]any{"candidates": 7}}, nil
			}),
			StageFunc("consume", func(ctx context.Context, rc *RunContext) (StageResult, error) {
				output, ok := rc.Output("produce")
				if !ok {
					return StageResult{}, errors.New("missing upstream output")
				}
				mu.Lock()
				got = output["candidates"]
				mu.Unlock()
				return StageResult{}, nil
			}),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if run.Status() != StatusCompleted {
		t.Fatalf("status: got %s, want %s", run.Status(), StatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	if got != 7 {
		t.Errorf("downstream read: got %v, want 7", got)
	}
}
