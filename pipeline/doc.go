// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline executes multi-stage runs and reports their
// progress as wire envelopes.
//
// The package is organized around the run life cycle:
//
//   - plan.go: declarative JSONC plan files and validation
//   - stage.go: the Stage contract and per-run context
//   - script.go: deterministic stages built from plan declarations
//   - orchestrator.go: the state machine driving a run
//   - cancel.go: cooperative cancellation tokens
//   - run.go: run identity, status, and progress accessors
//
// A run walks pending -> running -> {completed | cancelled | failed},
// optionally detouring through improving between running and
// completed. Stages execute strictly sequentially — stage i+1 may
// depend on stage i's output — while runs for different workspaces
// proceed concurrently and independently.
package pipeline
