// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync"

	"github.com/pulseboard-io/pulseboard/lib/ident"
)

// Status is a run's position in its state machine:
//
//	pending -> running -> {completed | cancelled | failed}
//
// with the optional extension running -> improving -> completed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusImproving Status = "improving"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Run is one pipeline execution. Mutated only by the orchestrator
// goroutine that owns it; accessors are safe from any goroutine.
type Run struct {
	ID        ident.RunID
	Workspace ident.WorkspaceID

	// PlanName identifies the plan the run executes. Informational.
	PlanName string

	mu         sync.Mutex
	status     Status
	stageIndex int
	percent    int

	// done is closed when the run reaches a terminal status and its
	// terminal envelope has been emitted.
	done chan struct{}
}

func newRun(workspace ident.WorkspaceID, planName string) *Run {
	return &Run{
		ID:        ident.NewRunID(),
		Workspace: workspace,
		PlanName:  planName,
		status:    StatusPending,
		done:      make(chan struct{}),
	}
}

// Status returns the run's current status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Percent returns the most recently reported progress percent.
func (r *Run) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percent
}

// StageIndex returns the index of the stage most recently started.
func (r *Run) StageIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stageIndex
}

// Done returns a channel closed once the run is terminal and all
// consumers have been notified.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// setStatus transitions the run. Returns false if the run is already
// terminal — terminal statuses are sticky, which is what makes
// finalization idempotent.
func (r *Run) setStatus(status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = status
	return true
}

func (r *Run) setProgress(stageIndex, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stageIndex = stageIndex
	r.percent = percent
}
