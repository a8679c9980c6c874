// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync"
	"time"

	"github.com/pulseboard-io/pulseboard/lib/clock"
	"github.com/pulseboard-io/pulseboard/lib/ident"
)

// Coordinator records cancellation requests per workspace and is
// consulted by the orchestrator between stage boundaries.
//
// Cancellation is cooperative, not preemptive: a stage already
// executing runs to completion, and the token only prevents the next
// stage from starting. Worst-case cancellation latency is therefore
// one stage.
//
// A request must name the active run. Stale requests — a run ID that
// is not the workspace's active run, or a workspace with no active
// run — are silently ignored, because a client may race a cancel
// against a just-completed run and there is nothing useful to tell it.
type Coordinator struct {
	clock clock.Clock

	mu     sync.Mutex
	active map[ident.WorkspaceID]ident.RunID
	tokens map[ident.WorkspaceID]cancellation
}

// cancellation is the token set by RequestCancel. Never cleared
// mid-run; a fresh run implies a fresh (absent) token.
type cancellation struct {
	run         ident.RunID
	requestedAt time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(clk clock.Clock) *Coordinator {
	return &Coordinator{
		clock:  clk,
		active: make(map[ident.WorkspaceID]ident.RunID),
		tokens: make(map[ident.WorkspaceID]cancellation),
	}
}

// begin registers run as the workspace's active run and clears any
// token left over from a previous run. Called by the orchestrator
// when a run starts.
func (c *Coordinator) begin(workspace ident.WorkspaceID, run ident.RunID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[workspace] = run
	delete(c.tokens, workspace)
}

// finish clears the workspace's active run. Called by the
// orchestrator on any terminal status. The token is removed with it
// so a late RequestCancel for the finished run finds nothing to set.
func (c *Coordinator) finish(workspace ident.WorkspaceID, run ident.RunID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[workspace] == run {
		delete(c.active, workspace)
		delete(c.tokens, workspace)
	}
}

// RequestCancel sets the cancellation token for the workspace's
// active run. Returns true when the token was set, false when the
// request was stale (wrong run ID or no active run) and ignored.
func (c *Coordinator) RequestCancel(workspace ident.WorkspaceID, run ident.RunID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	activeRun, ok := c.active[workspace]
	if !ok || activeRun != run {
		return false
	}
	if _, alreadySet := c.tokens[workspace]; alreadySet {
		return true
	}
	c.tokens[workspace] = cancellation{run: run, requestedAt: c.clock.Now()}
	return true
}

// Cancelled reports whether a cancellation token is set for the
// given run. Consulted by the orchestrator before each stage.
func (c *Coordinator) Cancelled(workspace ident.WorkspaceID, run ident.RunID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[workspace]
	return ok && token.run == run
}

// ActiveRun returns the workspace's active run ID, if any.
func (c *Coordinator) ActiveRun(workspace ident.WorkspaceID) (ident.RunID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.active[workspace]
	return run, ok
}
