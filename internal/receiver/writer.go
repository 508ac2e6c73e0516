package receiver

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/recorder"
)

// Writer stores accepted records.
type Writer interface {
	Write(records []models.SignalRecord) error
	Close() error
}

// StdoutWriter prints records, one per line for "ndjson" or indented for
// "json".
type StdoutWriter struct {
	out    io.Writer
	format string
	mu     sync.Mutex
}

// NewStdoutWriter creates a new stdout writer
func NewStdoutWriter(out io.Writer, format string) *StdoutWriter {
	return &StdoutWriter{
		out:    out,
		format: format,
	}
}

func (w *StdoutWriter) Write(records []models.SignalRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		var data []byte
		var err error
		if w.format == "ndjson" {
			data, err = rec.MarshalJSON()
		} else {
			data, err = json.MarshalIndent(rec, "", "  ")
		}
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.out.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for stdout writer
func (w *StdoutWriter) Close() error {
	return nil
}

// CaptureWriter appends the wire records to a capture file that
// `serena replay` can send again.
type CaptureWriter struct {
	rec *recorder.Recorder
}

// NewCaptureWriter creates the capture file; its extension picks the
// format.
func NewCaptureWriter(path string) (*CaptureWriter, error) {
	rec, err := recorder.NewRecorder(path)
	if err != nil {
		return nil, err
	}
	return &CaptureWriter{rec: rec}, nil
}

func (w *CaptureWriter) Write(records []models.SignalRecord) error {
	for _, r := range records {
		if err := w.rec.Record(r.Record); err != nil {
			return err
		}
	}
	return w.rec.Flush()
}

func (w *CaptureWriter) Close() error {
	return w.rec.Close()
}

// MultiWriter writes to multiple destinations
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a writer that writes to multiple destinations
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write writes to all underlying writers
func (w *MultiWriter) Write(records []models.SignalRecord) error {
	for _, writer := range w.writers {
		if err := writer.Write(records); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all underlying writers
func (w *MultiWriter) Close() error {
	var first error
	for _, writer := range w.writers {
		if err := writer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
