// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/GaryChine-byte/PhoneAgent/lib/clock"
	"github.com/GaryChine-byte/PhoneAgent/lib/codec"
)

// JournalRecord is one inbound frame as captured by the journal: the
// raw bytes plus when they arrived. Replaying a journal through the
// dispatcher reproduces exactly what the monitor saw during a run.
type JournalRecord struct {
	ReceivedAt time.Time `cbor:"received_at"`
	Frame      []byte    `cbor:"frame"`
}

// Journal records every inbound push-channel frame to a
// zstd-compressed CBOR stream on disk. It is a debugging aid for
// live-channel behavior (what arrived, in what order, when) and is
// strictly best-effort: a journal failure disables further recording
// and never propagates into the channel.
type Journal struct {
	logger *slog.Logger
	clock  clock.Clock

	mu         sync.Mutex
	file       *os.File
	compressor *zstd.Encoder
	encoder    *codec.Encoder
	failed     bool
	path       string
}

// OpenJournal creates a journal file for the given task under dir,
// named <taskID>-<unix timestamp>.cborz.
func OpenJournal(dir, taskID string, timeSource clock.Clock, logger *slog.Logger) (*Journal, error) {
	if timeSource == nil {
		timeSource = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("monitor: create journal directory: %w", err)
	}

	name := fmt.Sprintf("%s-%d.cborz", taskID, timeSource.Now().Unix())
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("monitor: create journal %s: %w", path, err)
	}

	compressor, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("monitor: initialize journal compressor: %w", err)
	}

	return &Journal{
		logger:     logger,
		clock:      timeSource,
		file:       file,
		compressor: compressor,
		encoder:    codec.NewEncoder(compressor),
		path:       path,
	}, nil
}

// Path returns the journal file's location.
func (j *Journal) Path() string { return j.path }

// Record appends one frame. Safe to call from the connection's read
// goroutine; the first write error is logged and the journal goes
// inert.
func (j *Journal) Record(frame []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failed || j.file == nil {
		return
	}

	record := JournalRecord{
		ReceivedAt: j.clock.Now(),
		Frame:      frame,
	}
	if err := j.encoder.Encode(record); err != nil {
		j.failed = true
		j.logger.Warn("event journal write failed, journaling disabled", "path", j.path, "error", err)
	}
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}

	var firstErr error
	if err := j.compressor.Close(); err != nil && !j.failed {
		firstErr = fmt.Errorf("monitor: flush journal: %w", err)
	}
	if err := j.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("monitor: close journal: %w", err)
	}
	j.file = nil
	return firstErr
}

// ReadJournal decodes every record from a journal file, for replay
// and inspection tooling.
func ReadJournal(path string) ([]JournalRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("monitor: open journal %s: %w", path, err)
	}
	defer file.Close()

	decompressor, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("monitor: initialize journal decompressor: %w", err)
	}
	defer decompressor.Close()

	decoder := codec.NewDecoder(decompressor)
	var records []JournalRecord
	for {
		var record JournalRecord
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("monitor: decode journal %s: %w", path, err)
		}
		records = append(records, record)
	}
}
