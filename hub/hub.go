// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub maintains the registry of live client connections and
// delivers wire envelopes to them.
//
// The registry maps workspace → set of connections; fan-out sends one
// envelope to every watcher of a workspace. A single mutex serializes
// all registry mutation and delivery, and the sequence counter is
// assigned under that same mutex at send time — never at envelope
// construction. That is what gives a connection its ordering
// guarantee: counters are taken in delivery order, so the values any
// one connection observes are non-decreasing even when a registration
// (whose acknowledgement also takes a counter) races a fan-out.
//
// Liveness is probe-based: the hub pings every connection on a fixed
// interval and unregisters any connection that has not answered
// within three intervals. This bounds the registry to live sockets
// without trusting explicit client disconnect notifications, which
// are unreliable over flaky networks.
package hub

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

// missedProbeLimit is how many consecutive ping intervals a
// connection may leave unanswered before it is reaped.
const missedProbeLimit = 3

// ErrOwnerRequired is returned by Register when the connection has
// no owner. Ownerless connections can never be superseded on
// reconnect, so they are refused at the door.
var ErrOwnerRequired = errors.New("hub: connection owner is required")

// ErrBroadcastDisabled is returned by BroadcastAll unless the hub was
// configured with debug broadcast enabled.
var ErrBroadcastDisabled = errors.New("hub: diagnostic broadcast is disabled")

// ErrNotDebugMarked is returned by BroadcastAll for an envelope
// without the debug marker. Broadcast traffic reaches clients that
// never asked for it; the marker is what lets them discard it.
var ErrNotDebugMarked = errors.New("hub: broadcast envelope must carry the debug marker")

// Config configures a Hub.
type Config struct {
	// Factory constructs connection acknowledgements. Required.
	Factory *wire.Factory

	// Clock drives liveness probing and pong bookkeeping. Required.
	Clock clock.Clock

	// PingInterval is the liveness probe period. Defaults to 30
	// seconds if zero.
	PingInterval time.Duration

	// DebugBroadcast makes BroadcastAll reachable. Off by default:
	// broadcast is a diagnostic capability, never application
	// traffic.
	DebugBroadcast bool

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Hub owns the connection registry. All exported methods are safe for
// concurrent use.
type Hub struct {
	factory        *wire.Factory
	clock          clock.Clock
	pingInterval   time.Duration
	debugBroadcast bool
	logger         *slog.Logger

	mu          sync.Mutex
	connections map[ident.ConnectionID]*Connection
	byWorkspace map[ident.WorkspaceID]map[ident.ConnectionID]*Connection
	byOwner     map[ident.OwnerID]*Connection
}

// New creates a Hub. Call Run to start liveness probing.
func New(config Config) *Hub {
	if config.Factory == nil {
		panic("hub.New: Factory is required")
	}
	if config.Clock == nil {
		panic("hub.New: Clock is required")
	}
	if config.Logger == nil {
		panic("hub.New: Logger is required")
	}

	interval := config.PingInterval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &Hub{
		factory:        config.Factory,
		clock:          config.Clock,
		pingInterval:   interval,
		debugBroadcast: config.DebugBroadcast,
		logger:         config.Logger,
		connections:    make(map[ident.ConnectionID]*Connection),
		byWorkspace:    make(map[ident.WorkspaceID]map[ident.ConnectionID]*Connection),
		byOwner:        make(map[ident.OwnerID]*Connection),
	}
}

// Register inserts a connection into the registry and sends it a
// connection acknowledgement. If the owner already has a live
// connection, that one is closed with a "superseded" reason and
// unregistered before the new one is inserted — a reconnecting client
// must never receive duplicate fan-out through a stale socket.
//
// The workspace may be zero; such a connection receives only
// targeted (owner-addressed) traffic.
func (h *Hub) Register(owner ident.OwnerID, workspace ident.WorkspaceID, sessionID string, transport Transport) (*Connection, error) {
	if owner.IsZero() {
		return nil, ErrOwnerRequired
	}

	connection := &Connection{
		ID:        ident.NewConnectionID(),
		Owner:     owner,
		Workspace: workspace,
		SessionID: sessionID,
		transport: transport,
		lastPong:  h.clock.Now(),
	}

	h.mu.Lock()
	if previous, ok := h.byOwner[owner]; ok {
		h.removeLocked(previous, CloseReasonSuperseded)
	}
	h.connections[connection.ID] = connection
	h.byOwner[owner] = connection
	if !workspace.IsZero() {
		watchers, ok := h.byWorkspace[workspace]
		if !ok {
			watchers = make(map[ident.ConnectionID]*Connection)
			h.byWorkspace[workspace] = watchers
		}
		watchers[connection.ID] = connection
	}

	acknowledgement := h.factory.ConnectionAck(workspace, connection.ID)
	acknowledgement.Payload.Sequence = h.factory.NextSequence()
	if err := connection.transport.WriteEnvelope(acknowledgement); err != nil {
		h.removeLocked(connection, "")
		h.mu.Unlock()
		return nil, fmt.Errorf("hub: acknowledging connection %s: %w", connection.ID, err)
	}
	h.mu.Unlock()

	h.logger.Info("connection registered",
		"connection_id", connection.ID,
		"owner_id", owner,
		"workspace_id", workspace,
		"session_id", sessionID,
	)
	return connection, nil
}

// Unregister removes a connection from the registry and closes its
// transport. Idempotent: unknown or already-removed connection IDs
// are a no-op.
func (h *Hub) Unregister(id ident.ConnectionID) {
	h.mu.Lock()
	connection, ok := h.connections[id]
	if ok {
		h.removeLocked(connection, "")
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("connection unregistered", "connection_id", id, "owner_id", connection.Owner)
	}
}

// removeLocked deletes the connection from every index and closes its
// transport. Caller holds h.mu. A non-empty reason is conveyed to the
// client.
func (h *Hub) removeLocked(connection *Connection, reason string) {
	delete(h.connections, connection.ID)
	if current, ok := h.byOwner[connection.Owner]; ok && current.ID == connection.ID {
		delete(h.byOwner, connection.Owner)
	}
	if watchers, ok := h.byWorkspace[connection.Workspace]; ok {
		delete(watchers, connection.ID)
		if len(watchers) == 0 {
			delete(h.byWorkspace, connection.Workspace)
		}
	}
	// Close errors are uninteresting: the socket is usually already
	// dead when we get here.
	_ = connection.transport.Close(reason)
}

// SendToWorkspace delivers the envelope to every connection currently
// watching the workspace. Returns the number of connections the
// envelope was queued for. A connection whose transport write fails
// is unregistered immediately.
func (h *Hub) SendToWorkspace(workspace ident.WorkspaceID, envelope wire.Envelope) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Counter taken under the lock: every watcher sees this envelope
	// with the same value, ordered against acks and other sends.
	envelope.Payload.Sequence = h.factory.NextSequence()

	delivered := 0
	var dead []*Connection
	for _, connection := range h.byWorkspace[workspace] {
		if err := connection.transport.WriteEnvelope(envelope); err != nil {
			h.logger.Warn("dropping dead connection on write failure",
				"connection_id", connection.ID,
				"workspace_id", workspace,
				"error", err,
			)
			dead = append(dead, connection)
			continue
		}
		delivered++
	}
	for _, connection := range dead {
		h.removeLocked(connection, "")
	}
	return delivered
}

// SendToOwner delivers the envelope to the owner's live connection,
// if any. Returns true when the envelope was queued.
func (h *Hub) SendToOwner(owner ident.OwnerID, envelope wire.Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	connection, ok := h.byOwner[owner]
	if !ok {
		return false
	}
	envelope.Payload.Sequence = h.factory.NextSequence()
	if err := connection.transport.WriteEnvelope(envelope); err != nil {
		h.logger.Warn("dropping dead connection on targeted write failure",
			"connection_id", connection.ID,
			"owner_id", owner,
			"error", err,
		)
		h.removeLocked(connection, "")
		return false
	}
	return true
}

// BroadcastAll delivers a diagnostic envelope to every connection
// regardless of workspace. Reachable only when the hub was configured
// with DebugBroadcast, and only for envelopes carrying the debug
// marker. Never used for application traffic.
func (h *Hub) BroadcastAll(envelope wire.Envelope) (int, error) {
	if !h.debugBroadcast {
		return 0, ErrBroadcastDisabled
	}
	if !envelope.Payload.Debug {
		return 0, ErrNotDebugMarked
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	envelope.Payload.Sequence = h.factory.NextSequence()

	delivered := 0
	var dead []*Connection
	for _, connection := range h.connections {
		if err := connection.transport.WriteEnvelope(envelope); err != nil {
			dead = append(dead, connection)
			continue
		}
		delivered++
	}
	for _, connection := range dead {
		h.removeLocked(connection, "")
	}
	return delivered, nil
}

// Pong records a liveness response from a connection. Called by the
// transport layer's pong handler. Unknown connection IDs are ignored
// — the pong may race an unregistration.
func (h *Hub) Pong(id ident.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if connection, ok := h.connections[id]; ok {
		connection.lastPong = h.clock.Now()
	}
}

// WatcherCount returns the number of connections currently watching
// the workspace.
func (h *Hub) WatcherCount(workspace ident.WorkspaceID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byWorkspace[workspace])
}

// Lookup returns the connection registered under id, or nil.
func (h *Hub) Lookup(id ident.ConnectionID) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connections[id]
}

// Run probes connection liveness until ctx is cancelled, then closes
// every remaining connection with a shutdown reason. Blocks; run it
// in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.probe()
		}
	}
}

// probe pings every connection and reaps those that have been silent
// for more than missedProbeLimit intervals. A failed ping write is
// treated like any other dead transport.
func (h *Hub) probe() {
	deadline := h.clock.Now().Add(-time.Duration(missedProbeLimit) * h.pingInterval)

	h.mu.Lock()
	var dead []*Connection
	for _, connection := range h.connections {
		if connection.lastPong.Before(deadline) {
			dead = append(dead, connection)
			continue
		}
		if err := connection.transport.Ping(); err != nil {
			dead = append(dead, connection)
		}
	}
	for _, connection := range dead {
		h.removeLocked(connection, CloseReasonLiveness)
	}
	h.mu.Unlock()

	for _, connection := range dead {
		h.logger.Info("connection reaped by liveness probe",
			"connection_id", connection.ID,
			"owner_id", connection.Owner,
		)
	}
}

// closeAll closes every connection with a shutdown reason.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, connection := range h.connections {
		h.removeLocked(connection, CloseReasonShutdown)
	}
}
