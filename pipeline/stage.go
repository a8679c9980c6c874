// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"sync"

	"github.com/pulseboard-io/pulseboard/lib/ident"
)

// Stage is one unit of sequential work within a run. Implementations
// are stateless descriptions: the orchestrator never mutates a Stage,
// and the same Stage value may serve concurrent runs in different
// workspaces.
//
// A stage may call out to any external content-generation or
// data-retrieval service; the orchestration core has no compile-time
// dependency on what a stage does. Stage outputs flow forward through
// the RunContext — stage i+1 may read what stage i produced.
type Stage interface {
	// Name identifies the stage in progress and narration envelopes.
	Name() string

	// Run executes the stage. Narration lines in the result are
	// emitted as thought envelopes attributed to this stage. An
	// error terminates the run (primary pass) or downgrades to a
	// warning (improvement pass).
	Run(ctx context.Context, run *RunContext) (StageResult, error)
}

// StageResult carries what a stage produced.
type StageResult struct {
	// Output is the stage's contribution to the dependency chain,
	// readable by later stages via RunContext.Output.
	Output map[string]any

	// Narration is emitted as thought envelopes, in order, after the
	// stage completes.
	Narration []string
}

// StageFunc adapts a function to the Stage interface.
func StageFunc(name string, run func(ctx context.Context, rc *RunContext) (StageResult, error)) Stage {
	return stageFunc{name: name, run: run}
}

type stageFunc struct {
	name string
	run  func(ctx context.Context, rc *RunContext) (StageResult, error)
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	return s.run(ctx, rc)
}

// RunContext is the per-run state visible to stages: identity, caller
// parameters, and the accumulated outputs of earlier stages. During
// the improvement pass the primary pass's outputs remain readable, so
// a re-run stage refines rather than recomputes.
//
// Safe for concurrent use — a stage may fan work out internally and
// write outputs from multiple goroutines, invisible to this contract.
type RunContext struct {
	Workspace ident.WorkspaceID
	RunID     ident.RunID

	// Params are the caller-supplied run parameters, opaque to the
	// orchestrator.
	Params map[string]string

	// Improving is true during the improvement pass.
	Improving bool

	mu      sync.Mutex
	outputs map[string]map[string]any
}

// newRunContext builds the context handed to every stage of a run.
func newRunContext(workspace ident.WorkspaceID, runID ident.RunID, params map[string]string) *RunContext {
	return &RunContext{
		Workspace: workspace,
		RunID:     runID,
		Params:    params,
		outputs:   make(map[string]map[string]any),
	}
}

// Output returns the named stage's output from the most recent pass
// that ran it.
func (rc *RunContext) Output(stageName string) (map[string]any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	output, ok := rc.outputs[stageName]
	return output, ok
}

// setOutput records a stage's output. An improvement-pass re-run
// replaces the primary pass's entry.
func (rc *RunContext) setOutput(stageName string, output map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[stageName] = output
}
