// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident provides validated identifier value types for the
// entities Pulseboard routes on: workspaces, session owners, runs,
// connections, and messages.
//
// Client-supplied identifiers (WorkspaceID, OwnerID) are opaque
// strings validated only for shape — non-empty, bounded length, no
// control characters. Server-generated identifiers (RunID,
// ConnectionID, MessageID) carry a fixed prefix ("run-", "conn-",
// "msg-") followed by 128 bits of hex-encoded randomness, so a log
// line or wire payload is self-describing about what kind of ID it
// contains.
//
// All types are immutable values. The zero value is never valid; use
// IsZero to check.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// maxIdentifierLength bounds client-supplied identifiers. Long enough
// for UUIDs, path-like scopes, and composite keys; short enough that a
// hostile client cannot bloat the registry or log output.
const maxIdentifierLength = 128

// randomSuffix returns 16 bytes of cryptographic randomness, hex
// encoded. crypto/rand.Read never fails on supported platforms; a
// failure here means the process has no usable entropy source and
// nothing sensible can continue.
func randomSuffix() string {
	buffer := make([]byte, 16)
	if _, err := rand.Read(buffer); err != nil {
		panic("ident: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buffer)
}

// validateOpaque checks the shape rules shared by client-supplied
// identifiers: non-empty, at most maxIdentifierLength bytes, and no
// control characters or whitespace.
func validateOpaque(kind, raw string) error {
	if raw == "" {
		return fmt.Errorf("empty %s", kind)
	}
	if len(raw) > maxIdentifierLength {
		return fmt.Errorf("%s exceeds %d bytes: %d", kind, maxIdentifierLength, len(raw))
	}
	for _, r := range raw {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("%s contains whitespace or control character: %q", kind, raw)
		}
	}
	return nil
}

// WorkspaceID identifies the logical scope (a user's current project)
// that connections and pipeline runs are keyed by. Client-supplied
// and opaque to the server.
type WorkspaceID struct {
	id string
}

// ParseWorkspaceID validates and wraps a raw workspace identifier.
func ParseWorkspaceID(raw string) (WorkspaceID, error) {
	if err := validateOpaque("workspace ID", raw); err != nil {
		return WorkspaceID{}, err
	}
	return WorkspaceID{id: raw}, nil
}

// MustParseWorkspaceID is like ParseWorkspaceID but panics on error.
// Use in tests and static initialization where the input is known-valid.
func MustParseWorkspaceID(raw string) WorkspaceID {
	w, err := ParseWorkspaceID(raw)
	if err != nil {
		panic(fmt.Sprintf("ident.MustParseWorkspaceID(%q): %v", raw, err))
	}
	return w
}

// String returns the raw workspace identifier.
func (w WorkspaceID) String() string { return w.id }

// IsZero reports whether the WorkspaceID is the zero value.
func (w WorkspaceID) IsZero() bool { return w.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (w WorkspaceID) MarshalText() ([]byte, error) { return []byte(w.id), nil }

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value (unset workspace).
func (w *WorkspaceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*w = WorkspaceID{}
		return nil
	}
	parsed, err := ParseWorkspaceID(string(data))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// OwnerID identifies the logical client (a browser session's owner)
// behind one or more transport connections. Client-supplied and
// opaque to the server. The hub permits at most one live connection
// per owner; a reconnect supersedes the prior connection.
type OwnerID struct {
	id string
}

// ParseOwnerID validates and wraps a raw owner identifier.
func ParseOwnerID(raw string) (OwnerID, error) {
	if err := validateOpaque("owner ID", raw); err != nil {
		return OwnerID{}, err
	}
	return OwnerID{id: raw}, nil
}

// MustParseOwnerID is like ParseOwnerID but panics on error.
func MustParseOwnerID(raw string) OwnerID {
	o, err := ParseOwnerID(raw)
	if err != nil {
		panic(fmt.Sprintf("ident.MustParseOwnerID(%q): %v", raw, err))
	}
	return o
}

// String returns the raw owner identifier.
func (o OwnerID) String() string { return o.id }

// IsZero reports whether the OwnerID is the zero value.
func (o OwnerID) IsZero() bool { return o.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (o OwnerID) MarshalText() ([]byte, error) { return []byte(o.id), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OwnerID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*o = OwnerID{}
		return nil
	}
	parsed, err := ParseOwnerID(string(data))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// RunID identifies one pipeline run ("run-" + 32 hex characters).
// Server-assigned at run creation.
type RunID struct {
	id string
}

// NewRunID generates a fresh random run identifier.
func NewRunID() RunID {
	return RunID{id: "run-" + randomSuffix()}
}

// ParseRunID validates and wraps a raw run identifier. The prefix
// check rejects identifiers of the wrong kind early — a workspace ID
// passed where a run ID belongs is a caller bug, not a stale-ID race.
func ParseRunID(raw string) (RunID, error) {
	if raw == "" {
		return RunID{}, fmt.Errorf("empty run ID")
	}
	if !strings.HasPrefix(raw, "run-") {
		return RunID{}, fmt.Errorf("run ID must start with %q: %q", "run-", raw)
	}
	if err := validateOpaque("run ID", raw); err != nil {
		return RunID{}, err
	}
	return RunID{id: raw}, nil
}

// MustParseRunID is like ParseRunID but panics on error.
func MustParseRunID(raw string) RunID {
	r, err := ParseRunID(raw)
	if err != nil {
		panic(fmt.Sprintf("ident.MustParseRunID(%q): %v", raw, err))
	}
	return r
}

// String returns the full run identifier.
func (r RunID) String() string { return r.id }

// IsZero reports whether the RunID is the zero value.
func (r RunID) IsZero() bool { return r.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (r RunID) MarshalText() ([]byte, error) { return []byte(r.id), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RunID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RunID{}
		return nil
	}
	parsed, err := ParseRunID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ConnectionID identifies one live transport socket in the hub
// registry ("conn-" + 32 hex characters). Server-assigned at
// registration; never reused.
type ConnectionID struct {
	id string
}

// NewConnectionID generates a fresh random connection identifier.
func NewConnectionID() ConnectionID {
	return ConnectionID{id: "conn-" + randomSuffix()}
}

// String returns the full connection identifier.
func (c ConnectionID) String() string { return c.id }

// IsZero reports whether the ConnectionID is the zero value.
func (c ConnectionID) IsZero() bool { return c.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (c ConnectionID) MarshalText() ([]byte, error) { return []byte(c.id), nil }

// MessageID identifies one emitted envelope ("msg-" + 32 hex
// characters). Globally unique; aliases of the same logical fact get
// distinct message IDs (dedup across aliases uses the payload digest,
// not the message ID).
type MessageID struct {
	id string
}

// NewMessageID generates a fresh random message identifier.
func NewMessageID() MessageID {
	return MessageID{id: "msg-" + randomSuffix()}
}

// ParseMessageID validates and wraps a raw message identifier.
func ParseMessageID(raw string) (MessageID, error) {
	if raw == "" {
		return MessageID{}, fmt.Errorf("empty message ID")
	}
	if !strings.HasPrefix(raw, "msg-") {
		return MessageID{}, fmt.Errorf("message ID must start with %q: %q", "msg-", raw)
	}
	if err := validateOpaque("message ID", raw); err != nil {
		return MessageID{}, err
	}
	return MessageID{id: raw}, nil
}

// String returns the full message identifier.
func (m MessageID) String() string { return m.id }

// IsZero reports whether the MessageID is the zero value.
func (m MessageID) IsZero() bool { return m.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (m MessageID) MarshalText() ([]byte, error) { return []byte(m.id), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MessageID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*m = MessageID{}
		return nil
	}
	parsed, err := ParseMessageID(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
