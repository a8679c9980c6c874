// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the normalized message unit exchanged between
// the Pulseboard server and its browser clients, and the rules for
// constructing it.
//
// The package is organized around the envelope life cycle:
//
//   - wire.go: envelope schema, type constants, JSON encode/decode
//   - factory.go: construction (message ID + timestamp; the sequence
//     counter is taken at send time via Factory.NextSequence)
//   - expand.go: percent clamping and additive compatibility aliases
//   - digest.go: content digest for dedup across aliases
//
// Every fact emitted by the server has exactly one canonical
// representation. Historical payload shapes are supported on the
// write side only, as enumerated additive aliases (see expand.go) —
// never as a parsing fallback chain on the read side.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulseboard-io/pulseboard/lib/ident"
)

// Type discriminates envelope kinds on the wire.
type Type string

// Server → client envelope types.
const (
	// TypeProgress reports numeric pipeline progress. Payload carries
	// Percent (0–100) and an optional human-readable Message.
	TypeProgress Type = "progress"

	// TypeThought carries free-form narration from a stage. Payload
	// carries Message and AgentName (the emitting stage).
	TypeThought Type = "thought"

	// TypeError reports a failed run. Payload carries ErrorMessage
	// and AgentName (the stage that failed). Terminal.
	TypeError Type = "error"

	// TypeCancelled reports a run stopped by client request. Terminal.
	TypeCancelled Type = "cancelled"

	// TypeCompleted reports a run that reached 100 percent. Terminal.
	TypeCompleted Type = "completed"

	// TypeConnectionAck is sent once to a connection immediately
	// after successful registration. Payload carries ConnectionID.
	TypeConnectionAck Type = "connectionAck"

	// TypeProgressComplete is a legacy-compatible alias of a
	// TypeProgress envelope whose percent reached 100. Emitted only
	// additively, after the canonical progress envelope, with an
	// identical payload apart from the message ID and sequence
	// counter. Consumers that understand TypeProgress should ignore
	// it; dedup uses ContentDigest.
	TypeProgressComplete Type = "progressComplete"
)

// Client → server envelope types.
const (
	// TypeStartRun requests a pipeline run. Payload carries
	// WorkspaceID and Message (the plan name).
	TypeStartRun Type = "startRun"

	// TypeCancelRequest asks the server to cancel a run. Payload
	// carries WorkspaceID and RunID.
	TypeCancelRequest Type = "cancelRequest"
)

// serverTypes enumerates every type the server may emit. Decode
// accepts client types as well; anything else is rejected.
var knownTypes = map[Type]bool{
	TypeProgress:         true,
	TypeThought:          true,
	TypeError:            true,
	TypeCancelled:        true,
	TypeCompleted:        true,
	TypeConnectionAck:    true,
	TypeProgressComplete: true,
	TypeStartRun:         true,
	TypeCancelRequest:    true,
}

// Terminal reports whether t ends a run from a watcher's point of
// view.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeCancelled || t == TypeError
}

// Payload is the single canonical payload schema shared by all
// envelope types. Fields not meaningful for a given type are omitted
// from the JSON encoding.
type Payload struct {
	MessageID   ident.MessageID   `json:"messageId"`
	WorkspaceID ident.WorkspaceID `json:"workspaceId,omitzero"`
	RunID       ident.RunID       `json:"runId,omitzero"`

	// Sequence is the process-wide send counter, assigned by the
	// delivery layer at send time (zero on an unsent envelope).
	// Values observed by any one connection are non-decreasing;
	// clients use it to detect gaps and reordering.
	Sequence uint64 `json:"sequenceCounter"`

	// Percent is present on progress, progressComplete, and
	// completed envelopes. Always within [0, 100].
	Percent *int `json:"percent,omitempty"`

	// Message is human-readable narration (thought, progress) or the
	// plan name (startRun).
	Message string `json:"message,omitempty"`

	// AgentName identifies the emitting stage (thought, error).
	AgentName string `json:"agentName,omitempty"`

	// ErrorMessage is present on error envelopes.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// ConnectionID is present on connectionAck envelopes.
	ConnectionID ident.ConnectionID `json:"connectionId,omitzero"`

	// Debug marks diagnostic broadcast traffic. Clients must not act
	// on a debug-marked envelope as if it were addressed to them.
	Debug bool `json:"debug,omitempty"`

	// Timestamp is the construction time, RFC 3339 with sub-second
	// precision.
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is one immutable wire message. Construct envelopes through
// a Factory; never mutate one after construction — aliases are built
// by copying.
type Envelope struct {
	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`
}

// Encode serializes the envelope as JSON.
func Encode(envelope Envelope) ([]byte, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s envelope: %w", envelope.Type, err)
	}
	return data, nil
}

// Decode parses a JSON envelope and validates its type. Unknown
// fields inside the payload are ignored for forward compatibility;
// unknown types are an error — the protocol enumerates its aliases
// explicitly rather than guessing from whichever fields are present.
func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("wire: decoding envelope: %w", err)
	}
	if !knownTypes[envelope.Type] {
		return Envelope{}, fmt.Errorf("wire: unknown envelope type %q", envelope.Type)
	}
	return envelope, nil
}
