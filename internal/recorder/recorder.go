// Package recorder captures records to disk and replays captures.
package recorder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"

	"github.com/serena/serena-cli/internal/encoding"
	"github.com/serena/serena-cli/internal/models"
)

// FormatFor picks the capture format from a file extension: ".pb" and
// ".bin" are length-delimited protobuf, anything else is NDJSON.
func FormatFor(filename string) encoding.Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pb", ".bin":
		return encoding.FormatProtobuf
	default:
		return encoding.FormatJSON
	}
}

// Recorder writes records to a capture file
type Recorder struct {
	file   *os.File
	writer *bufio.Writer
	format encoding.Format
	count  int
	mu     sync.Mutex
}

// NewRecorder creates a capture file in the format given by its extension.
func NewRecorder(filename string) (*Recorder, error) {
	return NewRecorderFormat(filename, FormatFor(filename))
}

func NewRecorderFormat(filename string, format encoding.Format) (*Recorder, error) {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create recording dir: %w", err)
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	return &Recorder{
		file:   file,
		writer: bufio.NewWriter(file),
		format: format,
	}, nil
}

// Record appends one record.
func (r *Recorder) Record(rec models.IngestRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.format == encoding.FormatProtobuf {
		pb, err := encoding.RecordToStruct(rec)
		if err != nil {
			return err
		}
		if _, err := protodelim.MarshalTo(r.writer, pb); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		r.count++
		return nil
	}

	data, err := models.MarshalRecord(rec)
	if err != nil {
		return err
	}
	if _, err := r.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if _, err := r.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	r.count++
	return nil
}

// RecordFromChannel records everything from records until ctx ends or the
// channel closes, then closes the file.
func (r *Recorder) RecordFromChannel(ctx context.Context, records <-chan models.IngestRecord, onEntry func()) error {
	for {
		select {
		case <-ctx.Done():
			return r.Close()
		case rec, ok := <-records:
			if !ok {
				return r.Close()
			}
			if err := r.Record(rec); err != nil {
				r.Close()
				return err
			}
			if onEntry != nil {
				onEntry()
			}
		}
	}
}

// Count returns how many records were written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Flush flushes the buffer to disk
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Flush()
}

// Close flushes and closes the recorder
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	defer func() { r.file = nil }()

	if err := r.writer.Flush(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to flush buffer: %w", err)
	}

	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	return nil
}
