// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pulseboard-io/pulseboard/hub"
	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/wire"
)

// maxInboundMessage bounds client frames. Client traffic is control
// envelopes only; anything bigger is malformed.
const maxInboundMessage = 16 * 1024

// upgrader performs the WebSocket handshake. Origin checking is
// deliberately permissive: Pulseboard carries no credentials in the
// socket itself, and the dashboard may be served from a different
// origin than the API in development.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and registers it with the
// hub. Identity travels in query parameters:
//
//	ownerId     required; the logical client, supersede key
//	workspaceId optional; scopes fan-out delivery
//	sessionId   optional; opaque reconnect correlation for logs
//
// Validation happens before the upgrade so a bad request gets a plain
// HTTP error instead of an immediately-closed socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	owner, err := ident.ParseOwnerID(query.Get("ownerId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "ownerId is required: "+err.Error())
		return
	}

	var workspace ident.WorkspaceID
	if raw := query.Get("workspaceId"); raw != "" {
		workspace, err = ident.ParseWorkspaceID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid workspaceId: "+err.Error())
			return
		}
	}
	sessionID := query.Get("sessionId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn("websocket upgrade failed", "owner_id", owner, "error", err)
		return
	}

	transport := newWSTransport(conn)
	connection, err := s.hub.Register(owner, workspace, sessionID, transport)
	if err != nil {
		s.logger.Warn("websocket registration failed", "owner_id", owner, "error", err)
		_ = transport.Close("")
		return
	}

	conn.SetReadLimit(maxInboundMessage)
	conn.SetPongHandler(func(string) error {
		s.hub.Pong(connection.ID)
		return nil
	})

	s.readPump(conn, connection)
}

// readPump consumes client frames until the socket dies, then
// unregisters the connection. Runs on the handler goroutine, which
// the HTTP server keeps alive for the lifetime of the upgraded
// connection.
func (s *Server) readPump(conn *websocket.Conn, connection *hub.Connection) {
	defer s.hub.Unregister(connection.ID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed",
					"connection_id", connection.ID,
					"error", err,
				)
			}
			return
		}

		envelope, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped, not fatal: one garbled
			// message should not cost the client its stream.
			s.logger.Warn("dropping malformed client envelope",
				"connection_id", connection.ID,
				"error", err,
			)
			continue
		}

		s.handleClientEnvelope(connection, envelope)
	}
}

// handleClientEnvelope dispatches one in-band control message.
func (s *Server) handleClientEnvelope(connection *hub.Connection, envelope wire.Envelope) {
	// A connection bound to a workspace acts on that workspace only;
	// an unbound connection may address any workspace in the payload.
	workspace := connection.Workspace
	if workspace.IsZero() {
		workspace = envelope.Payload.WorkspaceID
	}

	switch envelope.Type {
	case wire.TypeStartRun:
		planName := envelope.Payload.Message
		if workspace.IsZero() || planName == "" {
			s.replyError(connection, workspace, "startRun requires a workspace and a plan name")
			return
		}
		if _, err := s.startRun(workspace, planName, nil); err != nil {
			s.replyError(connection, workspace, err.Error())
		}

	case wire.TypeCancelRequest:
		if workspace.IsZero() || envelope.Payload.RunID.IsZero() {
			s.replyError(connection, workspace, "cancelRequest requires a workspace and a run ID")
			return
		}
		s.orchestrator.Cancel(workspace, envelope.Payload.RunID)

	default:
		s.logger.Debug("ignoring unexpected client envelope",
			"connection_id", connection.ID,
			"type", envelope.Type,
		)
	}
}

// replyError sends an error envelope back to the requesting client
// only. In-band request failures are private to the requester; the
// workspace's other watchers see nothing.
func (s *Server) replyError(connection *hub.Connection, workspace ident.WorkspaceID, message string) {
	envelope := s.factory.Error(workspace, ident.RunID{}, "server", message)
	s.hub.SendToOwner(connection.Owner, envelope)
}
