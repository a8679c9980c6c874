// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pulseboard-io/pulseboard/lib/clock"
	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/wire"
)

// recordingTransport is an in-memory Transport for hub tests.
type recordingTransport struct {
	mu        sync.Mutex
	envelopes []wire.Envelope
	pings     int
	closed    bool
	reason    string

	// failWrites makes WriteEnvelope fail, simulating a dead socket.
	failWrites bool
	// failPings makes Ping fail.
	failPings bool
}

func (t *recordingTransport) WriteEnvelope(envelope wire.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrites {
		return errors.New("write on closed socket")
	}
	t.envelopes = append(t.envelopes, envelope)
	return nil
}

func (t *recordingTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failPings {
		return errors.New("ping on closed socket")
	}
	t.pings++
	return nil
}

func (t *recordingTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if reason != "" {
		t.reason = reason
	}
	return nil
}

func (t *recordingTransport) received() []wire.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Envelope(nil), t.envelopes...)
}

func (t *recordingTransport) closedWith() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.reason
}

type testHub struct {
	hub     *Hub
	factory *wire.Factory
	clock   *clock.Fake
}

func newTestHub(t *testing.T, configure func(*Config)) *testHub {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	factory := wire.NewFactory(fake)
	config := Config{
		Factory:      factory,
		Clock:        fake,
		PingInterval: 30 * time.Second,
		Logger:       slog.New(slog.DiscardHandler),
	}
	if configure != nil {
		configure(&config)
	}
	return &testHub{hub: New(config), factory: factory, clock: fake}
}

func TestRegisterSendsConnectionAck(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	transport := &recordingTransport{}

	connection, err := th.hub.Register(
		ident.MustParseOwnerID("owner-1"),
		ident.MustParseWorkspaceID("w1"),
		"session-1",
		transport,
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	received := transport.received()
	if len(received) != 1 {
		t.Fatalf("expected 1 envelope (ack), got %d", len(received))
	}
	if received[0].Type != wire.TypeConnectionAck {
		t.Errorf("first envelope: got %s, want %s", received[0].Type, wire.TypeConnectionAck)
	}
	if received[0].Payload.ConnectionID != connection.ID {
		t.Errorf("ack connection ID: got %s, want %s", received[0].Payload.ConnectionID, connection.ID)
	}
}

func TestRegisterRequiresOwner(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	_, err := th.hub.Register(ident.OwnerID{}, ident.MustParseWorkspaceID("w1"), "", &recordingTransport{})
	if !errors.Is(err, ErrOwnerRequired) {
		t.Fatalf("Register without owner: got %v, want ErrOwnerRequired", err)
	}
}

func TestRegisterSupersedesPriorOwnerConnection(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	owner := ident.MustParseOwnerID("owner-1")
	workspace := ident.MustParseWorkspaceID("w1")

	first := &recordingTransport{}
	if _, err := th.hub.Register(owner, workspace, "", first); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	second := &recordingTransport{}
	if _, err := th.hub.Register(owner, workspace, "", second); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	closed, reason := first.closedWith()
	if !closed {
		t.Fatal("first connection not closed after supersede")
	}
	if reason != CloseReasonSuperseded {
		t.Errorf("close reason: got %q, want %q", reason, CloseReasonSuperseded)
	}

	// Only the second connection receives workspace traffic.
	firstCount := len(first.received())
	delivered := th.hub.SendToWorkspace(workspace, th.factory.Progress(workspace, ident.NewRunID(), 10, ""))
	if delivered != 1 {
		t.Errorf("delivered: got %d, want 1", delivered)
	}
	if len(first.received()) != firstCount {
		t.Error("superseded connection still receives workspace traffic")
	}
	if len(second.received()) != 2 { // ack + progress
		t.Errorf("second connection envelopes: got %d, want 2", len(second.received()))
	}
}

func TestSendToWorkspaceScopesDelivery(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	w1 := ident.MustParseWorkspaceID("w1")
	w2 := ident.MustParseWorkspaceID("w2")

	inW1 := &recordingTransport{}
	inW2 := &recordingTransport{}
	if _, err := th.hub.Register(ident.MustParseOwnerID("a"), w1, "", inW1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := th.hub.Register(ident.MustParseOwnerID("b"), w2, "", inW2); err != nil {
		t.Fatalf("Register: %v", err)
	}

	delivered := th.hub.SendToWorkspace(w1, th.factory.Progress(w1, ident.NewRunID(), 50, ""))
	if delivered != 1 {
		t.Errorf("delivered: got %d, want 1", delivered)
	}
	for _, envelope := range inW2.received() {
		if envelope.Type == wire.TypeProgress {
			t.Error("w2 watcher received w1 traffic")
		}
	}
}

func TestSendToWorkspaceUnregistersDeadConnections(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	workspace := ident.MustParseWorkspaceID("w1")

	dead := &recordingTransport{}
	live := &recordingTransport{}
	if _, err := th.hub.Register(ident.MustParseOwnerID("a"), workspace, "", dead); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := th.hub.Register(ident.MustParseOwnerID("b"), workspace, "", live); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dead.mu.Lock()
	dead.failWrites = true
	dead.mu.Unlock()

	delivered := th.hub.SendToWorkspace(workspace, th.factory.Progress(workspace, ident.NewRunID(), 10, ""))
	if delivered != 1 {
		t.Errorf("delivered: got %d, want 1", delivered)
	}
	if th.hub.WatcherCount(workspace) != 1 {
		t.Errorf("watcher count after dead write: got %d, want 1", th.hub.WatcherCount(workspace))
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	workspace := ident.MustParseWorkspaceID("w1")
	transport := &recordingTransport{}

	connection, err := th.hub.Register(ident.MustParseOwnerID("a"), workspace, "", transport)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	th.hub.Unregister(connection.ID)
	th.hub.Unregister(connection.ID)
	th.hub.Unregister(ident.NewConnectionID())

	if th.hub.WatcherCount(workspace) != 0 {
		t.Errorf("watcher count: got %d, want 0", th.hub.WatcherCount(workspace))
	}
}

func TestOrderingPerConnection(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	workspace := ident.MustParseWorkspaceID("w1")
	run := ident.NewRunID()
	transport := &recordingTransport{}
	if _, err := th.hub.Register(ident.MustParseOwnerID("a"), workspace, "", transport); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for percent := 1; percent <= 50; percent++ {
		th.hub.SendToWorkspace(workspace, th.factory.Progress(workspace, run, percent, ""))
	}

	received := transport.received()
	var last uint64
	for _, envelope := range received {
		if envelope.Payload.Sequence < last {
			t.Fatalf("sequence regressed: %d after %d", envelope.Payload.Sequence, last)
		}
		last = envelope.Payload.Sequence
	}
}

// Envelopes are constructed by the orchestrator before delivery; a
// connection may register in between. The counter must be taken at
// send time, so the late registration's acknowledgement never carries
// a higher value than an envelope delivered after it.
func TestConstructionBeforeRegistrationKeepsSequencesMonotonic(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	workspace := ident.MustParseWorkspaceID("w1")
	run := ident.NewRunID()

	// Construct first, as fan-out does outside the registry lock.
	progress := th.factory.Progress(workspace, run, 40, "analysis finished")

	transport := &recordingTransport{}
	if _, err := th.hub.Register(ident.MustParseOwnerID("late"), workspace, "", transport); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if delivered := th.hub.SendToWorkspace(workspace, progress); delivered != 1 {
		t.Fatalf("delivered: got %d, want 1", delivered)
	}

	received := transport.received()
	if len(received) != 2 {
		t.Fatalf("envelopes: got %d, want 2 (ack, progress)", len(received))
	}
	ack, delivered := received[0], received[1]
	if ack.Type != wire.TypeConnectionAck || delivered.Type != wire.TypeProgress {
		t.Fatalf("envelope types: got %s, %s", ack.Type, delivered.Type)
	}
	if ack.Payload.Sequence == 0 || delivered.Payload.Sequence == 0 {
		t.Fatal("delivered envelope missing its sequence counter")
	}
	if delivered.Payload.Sequence <= ack.Payload.Sequence {
		t.Errorf("sequence regressed: %d observed after %d",
			delivered.Payload.Sequence, ack.Payload.Sequence)
	}
}

func TestBroadcastAllGating(t *testing.T) {
	t.Parallel()

	// Disabled by default.
	th := newTestHub(t, nil)
	if _, err := th.hub.BroadcastAll(th.factory.Debug("dump")); !errors.Is(err, ErrBroadcastDisabled) {
		t.Errorf("BroadcastAll on default hub: got %v, want ErrBroadcastDisabled", err)
	}

	// Enabled: requires the debug marker.
	enabled := newTestHub(t, func(c *Config) { c.DebugBroadcast = true })
	workspace := ident.MustParseWorkspaceID("w1")
	transport := &recordingTransport{}
	if _, err := enabled.hub.Register(ident.MustParseOwnerID("a"), workspace, "", transport); err != nil {
		t.Fatalf("Register: %v", err)
	}

	plain := enabled.factory.Progress(workspace, ident.NewRunID(), 10, "")
	if _, err := enabled.hub.BroadcastAll(plain); !errors.Is(err, ErrNotDebugMarked) {
		t.Errorf("BroadcastAll without marker: got %v, want ErrNotDebugMarked", err)
	}

	delivered, err := enabled.hub.BroadcastAll(enabled.factory.Debug("registry dump"))
	if err != nil {
		t.Fatalf("BroadcastAll: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered: got %d, want 1", delivered)
	}
}

func TestLivenessReapsSilentConnections(t *testing.T) {
	t.Parallel()

	th := newTestHub(t, nil)
	workspace := ident.MustParseWorkspaceID("w1")

	silent := &recordingTransport{}
	chatty := &recordingTransport{}
	if _, err := th.hub.Register(ident.MustParseOwnerID("silent"), workspace, "", silent); err != nil {
		t.Fatalf("Register: %v", err)
	}
	chattyConn, err := th.hub.Register(ident.MustParseOwnerID("chatty"), workspace, "", chatty)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		th.hub.Run(ctx)
		close(done)
	}()

	// Run four probe intervals. The chatty connection pongs after
	// each; the silent one never does and must be reaped after three
	// missed probes.
	for range 4 {
		th.clock.BlockUntilWaiters(1)
		th.clock.Advance(30 * time.Second)
		th.hub.Pong(chattyConn.ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for th.hub.WatcherCount(workspace) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("silent connection not reaped; watcher count %d", th.hub.WatcherCount(workspace))
		}
		time.Sleep(time.Millisecond)
	}

	closed, reason := silent.closedWith()
	if !closed || reason != CloseReasonLiveness {
		t.Errorf("silent close: got (%v, %q), want (true, %q)", closed, reason, CloseReasonLiveness)
	}
	if closed, _ := chatty.closedWith(); closed {
		t.Error("chatty connection was reaped despite ponging")
	}

	cancel()
	<-done
	if closed, reason := chatty.closedWith(); !closed || reason != CloseReasonShutdown {
		t.Errorf("shutdown close: got (%v, %q), want (true, %q)", closed, reason, CloseReasonShutdown)
	}
}
