// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulseboard-io/pulseboard/wire"
)

// outboundBuffer is the per-connection write queue depth. A client
// that falls this far behind is treated as dead: fan-out never blocks
// the hub on one slow socket.
const outboundBuffer = 64

// writeTimeout bounds each individual frame write on the socket.
const writeTimeout = 10 * time.Second

// errTransportClosed is returned by writes on a closed transport.
var errTransportClosed = errors.New("server: transport closed")

// errTransportBackpressure is returned when the outbound queue is
// full. The hub responds by unregistering the connection.
var errTransportBackpressure = errors.New("server: client too slow, outbound queue full")

// frame is one queued unit of outbound work for the write pump.
type frame struct {
	// ping marks a liveness probe; data is ignored.
	ping bool

	// data is a pre-encoded JSON envelope.
	data []byte
}

// wsTransport adapts one gorilla WebSocket connection to the
// hub.Transport interface.
//
// Gorilla permits at most one concurrent writer per connection, so
// every write funnels through a single pump goroutine fed by a
// buffered channel. WriteEnvelope and Ping only enqueue; they never
// touch the socket and never block, which keeps hub fan-out (which
// runs under the hub mutex) fast regardless of socket health.
type wsTransport struct {
	conn     *websocket.Conn
	outbound chan frame

	closeOnce sync.Once
	closed    chan struct{}

	// closeReason is conveyed to the client in the close frame. Set
	// before closed is closed; read only by the pump afterwards.
	closeReason string
}

// newWSTransport wraps the connection and starts its write pump.
func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn:     conn,
		outbound: make(chan frame, outboundBuffer),
		closed:   make(chan struct{}),
	}
	go t.writePump()
	return t
}

// WriteEnvelope encodes the envelope and queues it for delivery.
func (t *wsTransport) WriteEnvelope(envelope wire.Envelope) error {
	data, err := wire.Encode(envelope)
	if err != nil {
		return err
	}
	return t.enqueue(frame{data: data})
}

// Ping queues a transport-level liveness probe.
func (t *wsTransport) Ping() error {
	return t.enqueue(frame{ping: true})
}

func (t *wsTransport) enqueue(f frame) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	select {
	case t.outbound <- f:
		return nil
	case <-t.closed:
		return errTransportClosed
	default:
		return errTransportBackpressure
	}
}

// Close stops the write pump, sends a close frame carrying reason,
// and tears down the socket. Idempotent; never blocks on the client.
func (t *wsTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.closeReason = reason
		close(t.closed)
	})
	return nil
}

// writePump is the sole writer on the socket. Drains the outbound
// queue until the transport is closed, then sends the close frame and
// closes the underlying connection.
func (t *wsTransport) writePump() {
	defer t.conn.Close()

	for {
		select {
		case <-t.closed:
			t.sendClose()
			return
		case f := <-t.outbound:
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if f.ping {
				err = t.conn.WriteMessage(websocket.PingMessage, nil)
			} else {
				err = t.conn.WriteMessage(websocket.TextMessage, f.data)
			}
			if err != nil {
				// The socket is dead. The read pump will observe the
				// same failure and unregister the connection; all
				// that is left here is to stop writing.
				return
			}
		}
	}
}

// sendClose writes the WebSocket close frame with the recorded
// reason. A best-effort courtesy to the client; errors are ignored.
func (t *wsTransport) sendClose() {
	code := websocket.CloseNormalClosure
	if t.closeReason != "" {
		code = websocket.CloseGoingAway
	}
	message := websocket.FormatCloseMessage(code, t.closeReason)
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = t.conn.WriteMessage(websocket.CloseMessage, message)
}
