// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the binary encoding for persisted run
// records: CBOR with Core Deterministic Encoding (RFC 8949 §4.2).
// Deterministic encoding means the same record always produces the
// same bytes, so stored records can be compared and content-hashed
// without a canonicalization step.
//
// The wire protocol to browsers stays JSON (package wire); CBOR is
// used only at rest.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// ID value types (ident.WorkspaceID, ident.RunID, …) carry their
	// identity in unexported fields and serialize via MarshalText.
	// Without this setting they would encode as empty CBOR maps.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Run records only ever use string map keys. Decoding into
		// any-typed targets should therefore produce map[string]any,
		// not the CBOR default map[interface{}]interface{}.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility with newer record versions.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}
