// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulseboard-io/pulseboard/lib/clock"
	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/wire"
)

// ErrRunActive is returned by Start when the workspace already has a
// run in flight. A caller that wants supersede semantics cancels the
// active run and retries.
var ErrRunActive = errors.New("pipeline: workspace already has an active run")

// EventSink is where the orchestrator delivers envelopes. The sink
// assigns each envelope's sequence counter at delivery time (the hub
// does so under its registry mutex); the orchestrator hands over
// unsequenced envelopes in emission order. Tests implement the
// interface with an in-memory recorder.
type EventSink interface {
	SendToWorkspace(workspace ident.WorkspaceID, envelope wire.Envelope) int
}

// RunStore persists terminal run records. Optional: a nil store skips
// persistence. A save failure is logged and never reverts the run's
// terminal status — persistence failure is not an orchestration
// failure.
type RunStore interface {
	Save(ctx context.Context, record RunRecord) error
}

// RunRecord is the persisted summary of a terminal run.
type RunRecord struct {
	RunID     ident.RunID       `cbor:"run_id" json:"runId"`
	Workspace ident.WorkspaceID `cbor:"workspace" json:"workspaceId"`
	Plan      string            `cbor:"plan" json:"plan"`
	Status    Status            `cbor:"status" json:"status"`
	Percent   int               `cbor:"percent" json:"percent"`
	Stages    []StageOutcome    `cbor:"stages" json:"stages"`
	StartedAt time.Time         `cbor:"started_at" json:"startedAt"`
	EndedAt   time.Time         `cbor:"ended_at" json:"endedAt"`
}

// StageOutcome records one stage execution within a run.
type StageOutcome struct {
	Name     string        `cbor:"name" json:"name"`
	Status   string        `cbor:"status" json:"status"` // "ok", "failed", "cancelled"
	Improved bool          `cbor:"improved" json:"improved"`
	Duration time.Duration `cbor:"duration" json:"duration"`
}

// RunSpec describes one run request.
type RunSpec struct {
	// PlanName is informational, carried into the run record.
	PlanName string

	// Stages execute sequentially in order. Required.
	Stages []Stage

	// Improve, when non-empty, names the stages re-run in the
	// improvement pass. Every name must match a stage in Stages.
	Improve []string

	// Pacing is the cosmetic delay between narration envelopes. May
	// be zero.
	Pacing time.Duration

	// Params are opaque caller parameters visible to stages.
	Params map[string]string
}

// SpecFromPlan builds a RunSpec executing the plan's scripted stages.
func SpecFromPlan(plan *Plan, clk clock.Clock) RunSpec {
	return RunSpec{
		PlanName: plan.Name,
		Stages:   ScriptedStages(plan, clk),
		Improve:  plan.ImproveStageNames(),
		Pacing:   time.Duration(plan.PacingMS) * time.Millisecond,
	}
}

// Config configures an Orchestrator.
type Config struct {
	// Factory constructs envelopes. Required.
	Factory *wire.Factory

	// Sink receives every emitted envelope. Required.
	Sink EventSink

	// Coordinator tracks cancellation requests. Required.
	Coordinator *Coordinator

	// Clock drives pacing delays and record timestamps. Required.
	Clock clock.Clock

	// Store persists terminal run records. Optional.
	Store RunStore

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Orchestrator executes pipeline runs. Each run executes sequentially
// in its own goroutine; runs in different workspaces are independent
// and concurrent, sharing no mutable state beyond the sink's internal
// synchronization.
type Orchestrator struct {
	factory     *wire.Factory
	sink        EventSink
	coordinator *Coordinator
	clock       clock.Clock
	store       RunStore
	logger      *slog.Logger

	mu     sync.Mutex
	active map[ident.WorkspaceID]*Run
}

// New creates an Orchestrator.
func New(config Config) *Orchestrator {
	if config.Factory == nil {
		panic("pipeline.New: Factory is required")
	}
	if config.Sink == nil {
		panic("pipeline.New: Sink is required")
	}
	if config.Coordinator == nil {
		panic("pipeline.New: Coordinator is required")
	}
	if config.Clock == nil {
		panic("pipeline.New: Clock is required")
	}
	if config.Logger == nil {
		panic("pipeline.New: Logger is required")
	}
	return &Orchestrator{
		factory:     config.Factory,
		sink:        config.Sink,
		coordinator: config.Coordinator,
		clock:       config.Clock,
		store:       config.Store,
		logger:      config.Logger,
		active:      make(map[ident.WorkspaceID]*Run),
	}
}

// Start begins executing spec for the workspace and returns the new
// run immediately; execution proceeds in a dedicated goroutine. At
// most one run per workspace may be active — a second request is
// rejected with ErrRunActive, never silently superseded.
func (o *Orchestrator) Start(ctx context.Context, workspace ident.WorkspaceID, spec RunSpec) (*Run, error) {
	if workspace.IsZero() {
		return nil, fmt.Errorf("pipeline: workspace is required")
	}
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("pipeline: run spec has no stages")
	}
	improve, err := resolveImproveStages(spec)
	if err != nil {
		return nil, err
	}

	run := newRun(workspace, spec.PlanName)

	o.mu.Lock()
	if existing, ok := o.active[workspace]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s", ErrRunActive, existing.ID)
	}
	o.active[workspace] = run
	o.mu.Unlock()

	o.coordinator.begin(workspace, run.ID)
	o.logger.Info("run started",
		"run_id", run.ID,
		"workspace_id", workspace,
		"plan", spec.PlanName,
		"stages", len(spec.Stages),
		"improve_stages", len(improve),
	)

	go o.execute(ctx, run, spec, improve)
	return run, nil
}

// ActiveRun returns the workspace's active run, if any.
func (o *Orchestrator) ActiveRun(workspace ident.WorkspaceID) (*Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.active[workspace]
	return run, ok
}

// Cancel requests cancellation of the given run. Stale requests (a
// run that already finished, or never existed) are silently ignored.
// Returns whether the request matched the active run.
func (o *Orchestrator) Cancel(workspace ident.WorkspaceID, run ident.RunID) bool {
	accepted := o.coordinator.RequestCancel(workspace, run)
	if accepted {
		o.logger.Info("cancellation requested", "run_id", run, "workspace_id", workspace)
	} else {
		o.logger.Debug("stale cancellation ignored", "run_id", run, "workspace_id", workspace)
	}
	return accepted
}

// resolveImproveStages maps the improvement-pass names in spec to
// concrete stages, preserving primary order.
func resolveImproveStages(spec RunSpec) ([]Stage, error) {
	if len(spec.Improve) == 0 {
		return nil, nil
	}
	byName := make(map[string]Stage, len(spec.Stages))
	for _, stage := range spec.Stages {
		byName[stage.Name()] = stage
	}
	improve := make([]Stage, 0, len(spec.Improve))
	for _, name := range spec.Improve {
		stage, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("pipeline: improvement stage %q is not in the run's stage list", name)
		}
		improve = append(improve, stage)
	}
	return improve, nil
}

// execute runs the primary pass, the optional improvement pass, and
// finalization. It is the only goroutine that mutates the run.
func (o *Orchestrator) execute(ctx context.Context, run *Run, spec RunSpec, improve []Stage) {
	run.setStatus(StatusRunning)
	runContext := newRunContext(run.Workspace, run.ID, spec.Params)
	startedAt := o.clock.Now()
	var outcomes []StageOutcome

	hasImprove := len(improve) > 0
	total := len(spec.Stages)

	for index, stage := range spec.Stages {
		// Cooperative cancellation: consulted between stages only. A
		// stage already executing runs to completion.
		if o.cancelled(ctx, run) {
			o.finishCancelled(ctx, run, spec, startedAt, outcomes)
			return
		}

		run.setProgress(index, run.Percent())
		stageStart := o.clock.Now()
		result, err := stage.Run(ctx, runContext)
		duration := o.clock.Now().Sub(stageStart)

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				outcomes = append(outcomes, StageOutcome{Name: stage.Name(), Status: "cancelled", Duration: duration})
				o.finishCancelled(ctx, run, spec, startedAt, outcomes)
				return
			}
			outcomes = append(outcomes, StageOutcome{Name: stage.Name(), Status: "failed", Duration: duration})
			o.finishFailed(ctx, run, spec, stage.Name(), err, startedAt, outcomes)
			return
		}

		outcomes = append(outcomes, StageOutcome{Name: stage.Name(), Status: "ok", Duration: duration})
		runContext.setOutput(stage.Name(), result.Output)
		o.narrate(run, stage.Name(), result.Narration, spec.Pacing)

		// Progress after each stage. While an improvement pass is
		// configured, the primary pass never reports past 90; the
		// final stage's 100 is emitted by finalization so the
		// completion set is constructed exactly once.
		percent := roundedPercent(index+1, total)
		switch {
		case hasImprove:
			if percent > 90 {
				percent = 90
			}
		case index+1 == total:
			continue
		}
		o.emitProgress(run, percent, fmt.Sprintf("%s finished", stage.Name()))
	}

	if hasImprove {
		run.setStatus(StatusImproving)
		runContext.Improving = true
		improveTotal := len(improve)

		for index, stage := range improve {
			if o.cancelled(ctx, run) {
				o.finishCancelled(ctx, run, spec, startedAt, outcomes)
				return
			}

			stageStart := o.clock.Now()
			result, err := stage.Run(ctx, runContext)
			duration := o.clock.Now().Sub(stageStart)

			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					outcomes = append(outcomes, StageOutcome{Name: stage.Name(), Status: "cancelled", Improved: true, Duration: duration})
					o.finishCancelled(ctx, run, spec, startedAt, outcomes)
					return
				}
				// Improvement failure is a warning, not a run
				// failure: primary results already exist, and
				// partial success beats total failure. The watcher
				// hears about it through narration.
				outcomes = append(outcomes, StageOutcome{Name: stage.Name(), Status: "failed", Improved: true, Duration: duration})
				o.logger.Warn("improvement pass failed, keeping primary results",
					"run_id", run.ID,
					"stage", stage.Name(),
					"error", err,
				)
				o.narrate(run, stage.Name(), []string{
					fmt.Sprintf("improvement pass stopped at %s (%v); keeping primary results", stage.Name(), err),
				}, 0)
				break
			}

			outcomes = append(outcomes, StageOutcome{Name: stage.Name(), Status: "ok", Improved: true, Duration: duration})
			runContext.setOutput(stage.Name(), result.Output)
			o.narrate(run, stage.Name(), result.Narration, spec.Pacing)

			// The improvement pass owns the 90–100 range. Capped at
			// 99 here; 100 comes from finalization.
			percent := 90 + roundedPercent(index+1, improveTotal)/10
			if percent > 99 {
				percent = 99
			}
			o.emitProgress(run, percent, fmt.Sprintf("%s refined", stage.Name()))
		}
	}

	o.finishCompleted(ctx, run, spec, startedAt, outcomes)
}

// cancelled reports whether the run should stop before its next
// stage: either a client cancellation token is set or the server
// context is gone.
func (o *Orchestrator) cancelled(ctx context.Context, run *Run) bool {
	return ctx.Err() != nil || o.coordinator.Cancelled(run.Workspace, run.ID)
}

// narrate emits one thought envelope per narration line, paced for
// readability. Pacing is cosmetic; zero is valid.
func (o *Orchestrator) narrate(run *Run, stageName string, narration []string, pacing time.Duration) {
	for i, line := range narration {
		if pacing > 0 && i > 0 {
			o.clock.Sleep(pacing)
		}
		o.sink.SendToWorkspace(run.Workspace, o.factory.Thought(run.Workspace, run.ID, stageName, line))
	}
}

// emitProgress sends one progress envelope (plus any expansion) and
// records the percent on the run.
func (o *Orchestrator) emitProgress(run *Run, percent int, message string) {
	run.setProgress(run.StageIndex(), percent)
	canonical := o.factory.Progress(run.Workspace, run.ID, percent, message)
	for _, envelope := range wire.Expand(o.factory, canonical) {
		o.sink.SendToWorkspace(run.Workspace, envelope)
	}
}

// finishCompleted finalizes a successful run. Idempotent: a second
// call finds the terminal status already set and emits nothing.
func (o *Orchestrator) finishCompleted(ctx context.Context, run *Run, spec RunSpec, startedAt time.Time, outcomes []StageOutcome) {
	if !run.setStatus(StatusCompleted) {
		return
	}
	// The terminal 100-percent progress envelope expands into the
	// full completion set: canonical progress, the legacy alias, and
	// the completed envelope.
	o.emitProgress(run, 100, "run complete")
	o.finish(ctx, run, spec, StatusCompleted, startedAt, outcomes)
}

// finishCancelled finalizes a cancelled run.
func (o *Orchestrator) finishCancelled(ctx context.Context, run *Run, spec RunSpec, startedAt time.Time, outcomes []StageOutcome) {
	if !run.setStatus(StatusCancelled) {
		return
	}
	o.sink.SendToWorkspace(run.Workspace, o.factory.Cancelled(run.Workspace, run.ID))
	o.finish(ctx, run, spec, StatusCancelled, startedAt, outcomes)
}

// finishFailed finalizes a failed run, naming the failed stage in the
// error envelope. Errors are not retried automatically; retry is a
// caller decision (start a new run).
func (o *Orchestrator) finishFailed(ctx context.Context, run *Run, spec RunSpec, stageName string, stageErr error, startedAt time.Time, outcomes []StageOutcome) {
	if !run.setStatus(StatusFailed) {
		return
	}
	o.sink.SendToWorkspace(run.Workspace, o.factory.Error(run.Workspace, run.ID, stageName, stageErr.Error()))
	o.finish(ctx, run, spec, StatusFailed, startedAt, outcomes)
}

// finish performs the bookkeeping shared by every terminal path:
// persist the record, release the workspace, close Done.
func (o *Orchestrator) finish(ctx context.Context, run *Run, spec RunSpec, status Status, startedAt time.Time, outcomes []StageOutcome) {
	o.saveRecord(ctx, run, spec, status, startedAt, outcomes)

	o.coordinator.finish(run.Workspace, run.ID)
	o.mu.Lock()
	if o.active[run.Workspace] == run {
		delete(o.active, run.Workspace)
	}
	o.mu.Unlock()

	o.logger.Info("run finished",
		"run_id", run.ID,
		"workspace_id", run.Workspace,
		"status", status,
		"percent", run.Percent(),
	)
	close(run.done)
}

// saveRecord persists the terminal record when a store is configured.
// Failure is logged and swallowed: the run's status stands regardless
// of whether the record made it to disk.
func (o *Orchestrator) saveRecord(ctx context.Context, run *Run, spec RunSpec, status Status, startedAt time.Time, outcomes []StageOutcome) {
	if o.store == nil {
		return
	}
	record := RunRecord{
		RunID:     run.ID,
		Workspace: run.Workspace,
		Plan:      spec.PlanName,
		Status:    status,
		Percent:   run.Percent(),
		Stages:    outcomes,
		StartedAt: startedAt,
		EndedAt:   o.clock.Now(),
	}
	// The terminal record must persist even when this save was
	// triggered by the server context going away (daemon shutdown
	// cancelling an in-flight run), so the save gets a context that
	// survives that cancellation.
	if err := o.store.Save(context.WithoutCancel(ctx), record); err != nil {
		o.logger.Error("saving run record failed",
			"run_id", run.ID,
			"workspace_id", run.Workspace,
			"error", err,
		)
	}
}

// roundedPercent is round(100 * completed / total) in integer
// arithmetic.
func roundedPercent(completed, total int) int {
	return (100*completed + total/2) / total
}
