// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/pulseboard-io/pulseboard/lib/ident"
)

type sampleRecord struct {
	Workspace ident.WorkspaceID `cbor:"workspace"`
	Run       ident.RunID       `cbor:"run"`
	Percent   int               `cbor:"percent"`
	Stages    map[string]string `cbor:"stages"`
}

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()

	record := sampleRecord{
		Workspace: ident.MustParseWorkspaceID("w1"),
		Run:       ident.MustParseRunID("run-0011223344556677"),
		Percent:   100,
		Stages:    map[string]string{"analyze": "ok", "rank": "ok", "summarize": "ok"},
	}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("deterministic encoding produced different bytes for the same record")
	}
}

func TestIdentTypesSurviveRoundTrip(t *testing.T) {
	t.Parallel()

	record := sampleRecord{
		Workspace: ident.MustParseWorkspaceID("project/alpha"),
		Run:       ident.NewRunID(),
		Percent:   42,
	}

	data, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Workspace != record.Workspace {
		t.Errorf("workspace: got %s, want %s", decoded.Workspace, record.Workspace)
	}
	if decoded.Run != record.Run {
		t.Errorf("run: got %s, want %s", decoded.Run, record.Run)
	}
	if decoded.Percent != record.Percent {
		t.Errorf("percent: got %d, want %d", decoded.Percent, record.Percent)
	}
}
