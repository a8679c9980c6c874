// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"time"

	"github.com/pulseboard-io/pulseboard/lib/clock"
)

// ScriptedStages builds deterministic Stage implementations from a
// plan's declarations: each stage waits its declared work duration
// and returns its declared narration. They make a plan file fully
// executable without any external worker service, which is how the
// daemon runs out of the box and how end-to-end tests drive the
// orchestrator.
//
// Production deployments replace these with Stage implementations
// that call real content-generation or retrieval services; the
// orchestrator cannot tell the difference.
func ScriptedStages(plan *Plan, clk clock.Clock) []Stage {
	stages := make([]Stage, len(plan.Stages))
	for i, declaration := range plan.Stages {
		stages[i] = scriptedStage{declaration: declaration, clock: clk}
	}
	return stages
}

type scriptedStage struct {
	declaration PlanStage
	clock       clock.Clock
}

func (s scriptedStage) Name() string { return s.declaration.Name }

func (s scriptedStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	work := time.Duration(s.declaration.WorkMS) * time.Millisecond
	if work > 0 {
		select {
		case <-ctx.Done():
			return StageResult{}, ctx.Err()
		case <-s.clock.After(work):
		}
	}

	return StageResult{
		Output: map[string]any{
			"stage":     s.declaration.Name,
			"improving": rc.Improving,
		},
		Narration: s.declaration.Narration,
	}, nil
}
