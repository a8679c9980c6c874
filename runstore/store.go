// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package runstore persists terminal run records to disk.
//
// One file per run, named after the run ID: deterministic CBOR,
// zstd-compressed, written atomically (temporary file, fsync, rename)
// so a reader never sees a partial record. The store is an optional
// collaborator of the orchestrator — a failed save is logged by the
// caller and never affects a run's terminal status.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/pulseboard-io/pulseboard/lib/codec"
	"github.com/pulseboard-io/pulseboard/lib/ident"
	"github.com/pulseboard-io/pulseboard/pipeline"
)

// recordExtension is the on-disk suffix for run record files.
const recordExtension = ".pbr"

// Shared zstd coders, initialized once. Both are safe for concurrent
// use via EncodeAll/DecodeAll.
var zstdEncoder *zstd.Encoder
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("runstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("runstore: zstd decoder initialization failed: " + err.Error())
	}
}

// Store is a directory of run record files. Implements
// pipeline.RunStore.
type Store struct {
	directory string
}

// New creates the record directory if needed and returns a Store.
func New(directory string) (*Store, error) {
	if directory == "" {
		return nil, fmt.Errorf("runstore: directory is required")
	}
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("runstore: creating record directory: %w", err)
	}
	return &Store{directory: directory}, nil
}

// Save writes the record atomically: encode, compress, write to a
// temporary file in the record directory, fsync, rename into place.
// An existing record for the same run is replaced.
func (s *Store) Save(ctx context.Context, record pipeline.RunRecord) error {
	if record.RunID.IsZero() {
		return fmt.Errorf("runstore: record has no run ID")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("runstore: save aborted: %w", err)
	}

	encoded, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("runstore: encoding record for %s: %w", record.RunID, err)
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)

	finalPath := s.path(record.RunID)
	temporaryPath := finalPath + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("runstore: creating temporary record file: %w", err)
	}
	if _, err := file.Write(compressed); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("runstore: writing temporary record file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("runstore: syncing temporary record file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("runstore: closing temporary record file: %w", err)
	}
	if err := os.Rename(temporaryPath, finalPath); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("runstore: renaming record file into place: %w", err)
	}
	return nil
}

// Load reads one run record. When no record exists, the returned
// error wraps os.ErrNotExist (testable with errors.Is).
func (s *Store) Load(runID ident.RunID) (pipeline.RunRecord, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("runstore: reading record for %s: %w", runID, err)
	}

	decompressed, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("runstore: decompressing record for %s: %w", runID, err)
	}

	var record pipeline.RunRecord
	if err := codec.Unmarshal(decompressed, &record); err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("runstore: decoding record for %s: %w", runID, err)
	}
	return record, nil
}

// List returns the run IDs with stored records, in directory order.
// Stray files that do not look like record files are skipped.
func (s *Store) List() ([]ident.RunID, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("runstore: listing record directory: %w", err)
	}

	var runs []ident.RunID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExtension) {
			continue
		}
		runID, err := ident.ParseRunID(strings.TrimSuffix(name, recordExtension))
		if err != nil {
			continue
		}
		runs = append(runs, runID)
	}
	return runs, nil
}

// NotFound reports whether err means the record does not exist.
func NotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func (s *Store) path(runID ident.RunID) string {
	return filepath.Join(s.directory, runID.String()+recordExtension)
}
