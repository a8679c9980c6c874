// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"

	"github.com/pulseboard-io/pulseboard/lib/ident"
)

// ContentDigest returns a hex-encoded BLAKE3 digest of the envelope's
// semantic content: the payload with the per-emission identity fields
// (message ID, sequence counter) zeroed, and without the type. Two
// envelopes carrying the same logical fact — a canonical envelope and
// its compatibility alias — share a digest even though their message
// IDs, sequence counters, and types differ, which is what makes
// dedup-by-content possible on the consumer side.
func ContentDigest(envelope Envelope) string {
	content := envelope.Payload
	content.MessageID = ident.MessageID{}
	content.Sequence = 0

	// The payload marshals deterministically: encoding/json emits
	// struct fields in declaration order.
	data, err := json.Marshal(content)
	if err != nil {
		// Payload contains only marshalable types; an error here is a
		// schema bug, not a runtime condition.
		panic("wire: digesting payload: " + err.Error())
	}

	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
