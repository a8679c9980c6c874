// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"time"

	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/wire"
)

// Transport is the server side of one client socket. The WebSocket
// layer (package server) implements it with a buffered write pump;
// tests implement it with an in-memory recorder.
//
// All methods must be safe for concurrent use. A Transport whose
// WriteEnvelope returns an error is treated as dead: the hub
// unregisters the connection immediately and never retries — fan-out
// is best-effort, and a live client recreates its connection through
// reconnect logic.
type Transport interface {
	// WriteEnvelope queues one envelope for delivery to the client.
	WriteEnvelope(envelope wire.Envelope) error

	// Ping sends a liveness probe. The client's transport-level pong
	// is reported back through Hub.Pong.
	Ping() error

	// Close tears the socket down, conveying reason to the client
	// when the transport supports it. Idempotent.
	Close(reason string) error
}

// Close reasons used by the hub.
const (
	// CloseReasonSuperseded is sent to a connection displaced by a
	// newer connection from the same owner.
	CloseReasonSuperseded = "superseded"

	// CloseReasonLiveness is sent to a connection that missed too
	// many consecutive liveness probes.
	CloseReasonLiveness = "liveness timeout"

	// CloseReasonShutdown is sent to all connections when the hub
	// stops.
	CloseReasonShutdown = "server shutdown"
)

// Connection is one live transport socket in the registry. Owned
// exclusively by the hub from Register to Unregister; external code
// sees it only as a read-only handle.
type Connection struct {
	// ID is server-assigned and never reused.
	ID ident.ConnectionID

	// Owner is the logical client behind the socket. Required.
	Owner ident.OwnerID

	// Workspace scopes fan-out delivery. Optional: a connection
	// without a workspace receives only targeted traffic.
	Workspace ident.WorkspaceID

	// SessionID correlates reconnects of the same browser session.
	// Optional, opaque, used only for logging.
	SessionID string

	transport Transport

	// lastPong is the time of the most recent liveness response,
	// guarded by the hub mutex. Initialized to the registration time
	// so a fresh connection is not immediately reaped.
	lastPong time.Time
}
