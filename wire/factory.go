// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"sync/atomic"

	"github.com/pulseboard-io/pulseboard/lib/clock"
	"github.com/pulseboard-io/pulseboard/lib/ident"
)

// Factory constructs envelopes and owns the process-wide sequence
// counter. Construction assigns message ID and timestamp; the
// sequence counter is NOT assigned here — the delivery layer takes it
// through NextSequence at send time, under the same lock that
// serializes delivery. Assigning at construction would let a
// connection registered between an envelope's construction and its
// send observe counters out of order. One Factory is shared by all
// orchestrator runs and the hub.
//
// Factory is safe for concurrent use.
type Factory struct {
	clock    clock.Clock
	sequence atomic.Uint64
}

// NewFactory returns a Factory reading timestamps from clk.
func NewFactory(clk clock.Clock) *Factory {
	return &Factory{clock: clk}
}

// NextSequence returns the next send-counter value. Called by the
// delivery layer once per envelope send, while holding its delivery
// lock, so the order counters are taken in is the order envelopes
// reach each connection.
func (f *Factory) NextSequence() uint64 {
	return f.sequence.Add(1)
}

// stamp fills the identity fields common to every construction. The
// sequence counter stays zero until the envelope is sent.
func (f *Factory) stamp(payload Payload) Payload {
	payload.MessageID = ident.NewMessageID()
	payload.Timestamp = f.clock.Now()
	return payload
}

// Progress builds a progress envelope. Percent is clamped to
// [0, 100]; callers that need the companion completed/alias
// envelopes for a terminal percent pass the result through Expand.
func (f *Factory) Progress(workspace ident.WorkspaceID, run ident.RunID, percent int, message string) Envelope {
	clamped := ClampPercent(percent)
	return Envelope{
		Type: TypeProgress,
		Payload: f.stamp(Payload{
			WorkspaceID: workspace,
			RunID:       run,
			Percent:     &clamped,
			Message:     message,
		}),
	}
}

// Thought builds a narration envelope attributed to the named stage.
func (f *Factory) Thought(workspace ident.WorkspaceID, run ident.RunID, agentName, message string) Envelope {
	return Envelope{
		Type: TypeThought,
		Payload: f.stamp(Payload{
			WorkspaceID: workspace,
			RunID:       run,
			AgentName:   agentName,
			Message:     message,
		}),
	}
}

// Error builds the terminal envelope for a failed run, naming the
// stage that failed.
func (f *Factory) Error(workspace ident.WorkspaceID, run ident.RunID, agentName, errorMessage string) Envelope {
	return Envelope{
		Type: TypeError,
		Payload: f.stamp(Payload{
			WorkspaceID:  workspace,
			RunID:        run,
			AgentName:    agentName,
			ErrorMessage: errorMessage,
		}),
	}
}

// Cancelled builds the terminal envelope for a cancelled run.
func (f *Factory) Cancelled(workspace ident.WorkspaceID, run ident.RunID) Envelope {
	return Envelope{
		Type: TypeCancelled,
		Payload: f.stamp(Payload{
			WorkspaceID: workspace,
			RunID:       run,
		}),
	}
}

// Completed builds the terminal envelope for a successful run.
func (f *Factory) Completed(workspace ident.WorkspaceID, run ident.RunID) Envelope {
	hundred := 100
	return Envelope{
		Type: TypeCompleted,
		Payload: f.stamp(Payload{
			WorkspaceID: workspace,
			RunID:       run,
			Percent:     &hundred,
		}),
	}
}

// ConnectionAck builds the acknowledgement sent to a connection right
// after registration.
func (f *Factory) ConnectionAck(workspace ident.WorkspaceID, connection ident.ConnectionID) Envelope {
	return Envelope{
		Type: TypeConnectionAck,
		Payload: f.stamp(Payload{
			WorkspaceID:  workspace,
			ConnectionID: connection,
		}),
	}
}

// Debug builds a diagnostic envelope for Hub.BroadcastAll. The debug
// marker is set unconditionally — broadcast traffic must always be
// distinguishable from workspace-scoped traffic.
func (f *Factory) Debug(message string) Envelope {
	return Envelope{
		Type: TypeThought,
		Payload: f.stamp(Payload{
			Message: message,
			Debug:   true,
		}),
	}
}
