// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "github.com/pulseboard-io/pulseboard/lib/ident"

// ClampPercent bounds a reported percent to [0, 100]. Stages report
// whatever their internal arithmetic produces; the protocol never
// carries a value outside the range.
func ClampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// Expand returns the full emission set for a canonical envelope: the
// envelope itself first, followed by any additive compatibility
// aliases and companion envelopes.
//
// The only expansion in the protocol today: a progress envelope at
// 100 percent is also emitted under the legacy TypeProgressComplete
// alias, followed by a TypeCompleted envelope. Aliases copy the
// canonical payload — including the timestamp — and differ only in
// message ID and, once delivered, sequence counter (assigned per
// envelope at send time), so consumers can deduplicate by
// ContentDigest.
//
// Expansion is additive only. Envelopes below 100 percent and all
// non-progress types pass through unchanged.
func Expand(factory *Factory, envelope Envelope) []Envelope {
	if envelope.Type != TypeProgress {
		return []Envelope{envelope}
	}
	if envelope.Payload.Percent == nil || *envelope.Payload.Percent < 100 {
		return []Envelope{envelope}
	}

	alias := envelope
	alias.Type = TypeProgressComplete
	alias.Payload.MessageID = ident.NewMessageID()

	completed := factory.Completed(envelope.Payload.WorkspaceID, envelope.Payload.RunID)

	return []Envelope{envelope, alias, completed}
}
