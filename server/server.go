// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the Pulseboard HTTP surface: the WebSocket
// streaming endpoint and a small REST control API.
//
//   - GET  /ws                — upgrade, register with the hub, stream
//   - POST /api/runs          — start a pipeline run (202 or 409)
//   - POST /api/runs/cancel   — request cancellation (always 202)
//   - GET  /api/runs/{runId}  — fetch a persisted run record
//   - GET  /api/plans         — list loaded plan names
//   - GET  /healthz           — liveness check
//
// The REST API is the control plane; all streaming flows through the
// WebSocket. Starting and cancelling runs also works in-band over the
// socket (see ws.go), so a browser client needs only one connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pulseboard-io/pulseboard/hub"
	"github.com/pulseboard-io/pulseboard/lib/clock"
	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/pipeline"
	"github.com/pulseboard-io/pulseboard/runstore"
	"github.com/pulseboard-io/pulseboard/wire"
)

// Config configures a Server.
type Config struct {
	// Hub is the connection registry. Required.
	Hub *hub.Hub

	// Orchestrator executes runs. Required.
	Orchestrator *pipeline.Orchestrator

	// Plans maps plan name to loaded plan. Required (may be empty).
	Plans map[string]*pipeline.Plan

	// Factory constructs envelopes for in-band error replies. Required.
	Factory *wire.Factory

	// Clock drives scripted stage pacing. Required.
	Clock clock.Clock

	// Records serves GET /api/runs/{runId}. Optional.
	Records *runstore.Store

	// BaseContext is the lifetime context for run execution. Runs
	// outlive the HTTP request that started them, so they must not
	// inherit the request context. Defaults to context.Background().
	BaseContext context.Context

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Server routes HTTP requests to the hub and orchestrator.
type Server struct {
	hub          *hub.Hub
	orchestrator *pipeline.Orchestrator
	plans        map[string]*pipeline.Plan
	factory      *wire.Factory
	clock        clock.Clock
	records      *runstore.Store
	baseContext  context.Context
	logger       *slog.Logger
}

// New creates a Server.
func New(config Config) *Server {
	if config.Hub == nil {
		panic("server.New: Hub is required")
	}
	if config.Orchestrator == nil {
		panic("server.New: Orchestrator is required")
	}
	if config.Plans == nil {
		panic("server.New: Plans is required")
	}
	if config.Factory == nil {
		panic("server.New: Factory is required")
	}
	if config.Clock == nil {
		panic("server.New: Clock is required")
	}
	if config.Logger == nil {
		panic("server.New: Logger is required")
	}

	baseContext := config.BaseContext
	if baseContext == nil {
		baseContext = context.Background()
	}

	return &Server{
		hub:          config.Hub,
		orchestrator: config.Orchestrator,
		plans:        config.Plans,
		factory:      config.Factory,
		clock:        config.Clock,
		records:      config.Records,
		baseContext:  baseContext,
		logger:       config.Logger,
	}
}

// Handler returns the HTTP handler for the full surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("POST /api/runs/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{runId}", s.handleGetRun)
	mux.HandleFunc("GET /api/plans", s.handleListPlans)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// startRun looks up the named plan and starts it for the workspace.
// Shared by the REST handler and the in-band startRun envelope.
func (s *Server) startRun(workspace ident.WorkspaceID, planName string, params map[string]string) (*pipeline.Run, error) {
	plan, ok := s.plans[planName]
	if !ok {
		return nil, fmt.Errorf("server: unknown plan %q", planName)
	}
	spec := pipeline.SpecFromPlan(plan, s.clock)
	spec.Params = params
	return s.orchestrator.Start(s.baseContext, workspace, spec)
}

// --- REST handlers ---

type startRunRequest struct {
	WorkspaceID ident.WorkspaceID `json:"workspaceId"`
	Plan        string            `json:"plan"`
	Params      map[string]string `json:"params,omitempty"`
}

type startRunResponse struct {
	RunID       ident.RunID       `json:"runId"`
	WorkspaceID ident.WorkspaceID `json:"workspaceId"`
	Plan        string            `json:"plan"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var request startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if request.WorkspaceID.IsZero() {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if request.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}
	if _, ok := s.plans[request.Plan]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown plan %q", request.Plan))
		return
	}

	run, err := s.startRun(request.WorkspaceID, request.Plan, request.Params)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, startRunResponse{
		RunID:       run.ID,
		WorkspaceID: run.Workspace,
		Plan:        request.Plan,
	})
}

type cancelRunRequest struct {
	WorkspaceID ident.WorkspaceID `json:"workspaceId"`
	RunID       ident.RunID       `json:"runId"`
}

type cancelRunResponse struct {
	// Accepted reports whether the request matched the active run.
	// Stale cancellations are acknowledged but have no effect.
	Accepted bool `json:"accepted"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var request cancelRunRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if request.WorkspaceID.IsZero() || request.RunID.IsZero() {
		writeError(w, http.StatusBadRequest, "workspaceId and runId are required")
		return
	}

	// Cancellation is fire-and-forget: a stale request (run already
	// finished) is not an error, just a no-op the response reports.
	accepted := s.orchestrator.Cancel(request.WorkspaceID, request.RunID)
	writeJSON(w, http.StatusAccepted, cancelRunResponse{Accepted: accepted})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusNotFound, "run records are not persisted")
		return
	}
	runID, err := ident.ParseRunID(r.PathValue("runId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.records.Load(runID)
	if err != nil {
		if runstore.NotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no record for run %s", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type planSummary struct {
	Name    string `json:"name"`
	Stages  int    `json:"stages"`
	Improve bool   `json:"improve"`
}

func (s *Server) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	summaries := make([]planSummary, 0, len(s.plans))
	for name, plan := range s.plans {
		summaries = append(summaries, planSummary{
			Name:    name,
			Stages:  len(plan.Stages),
			Improve: plan.Improve != nil,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
