package recorder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/serena/serena-cli/internal/encoding"
	"github.com/serena/serena-cli/internal/models"
)

// Replayer reads a capture and emits its records, spaced by the
// differences of their timestamps.
type Replayer struct {
	filename    string
	format      encoding.Format
	speed       float64
	loop        bool
	recordCount int
	firstRecord models.IngestRecord
	loaded      bool
}

// NewReplayer creates a replayer. A speed of 0 replays as fast as
// possible.
func NewReplayer(filename string, speed float64, loop bool) *Replayer {
	return &Replayer{
		filename: filename,
		format:   FormatFor(filename),
		speed:    speed,
		loop:     loop,
	}
}

// each calls fn with every record in the capture.
func (r *Replayer) each(fn func(n int, rec models.IngestRecord) error) error {
	file, err := os.Open(r.filename)
	if err != nil {
		return fmt.Errorf("failed to open recording file: %w", err)
	}
	defer file.Close()

	if r.format == encoding.FormatProtobuf {
		reader := bufio.NewReader(file)
		for n := 1; ; n++ {
			var pb structpb.Struct
			if err := protodelim.UnmarshalFrom(reader, &pb); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("failed to read record %d: %w", n, err)
			}
			rec, err := encoding.StructToRecord(&pb)
			if err != nil {
				return fmt.Errorf("failed to parse record %d: %w", n, err)
			}
			if err := fn(n, rec); err != nil {
				return err
			}
		}
	}

	var stop error
	scanErr := models.ScanNDJSON(file, func(line int, rec models.IngestRecord, err error) {
		if stop != nil {
			return
		}
		if err != nil {
			stop = fmt.Errorf("failed to parse record at line %d: %w", line, err)
			return
		}
		stop = fn(line, rec)
	})
	if stop != nil {
		return stop
	}
	return scanErr
}

// loadMetadata reads the file once to cache count and first record
func (r *Replayer) loadMetadata() error {
	if r.loaded {
		return nil
	}
	r.recordCount = 0
	err := r.each(func(n int, rec models.IngestRecord) error {
		r.recordCount++
		if r.firstRecord == nil {
			r.firstRecord = rec
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.loaded = true
	return nil
}

// Replay sends records to output with their original spacing, looping if
// configured, until the capture ends or ctx is done.
func (r *Replayer) Replay(ctx context.Context, output chan<- models.IngestRecord) error {
	for {
		if err := r.replayOnce(ctx, output); err != nil {
			return err
		}

		if !r.loop {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (r *Replayer) replayOnce(ctx context.Context, output chan<- models.IngestRecord) error {
	var last int64
	first := true
	return r.each(func(_ int, rec models.IngestRecord) error {
		ts := rec.Envelope().TS
		if !first && r.speed > 0 {
			delay := time.Duration(ts-last) * time.Millisecond
			if r.speed != 1.0 {
				delay = time.Duration(float64(delay) / r.speed)
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
		}
		last = ts
		first = false

		select {
		case <-ctx.Done():
			return ctx.Err()
		case output <- rec:
			return nil
		}
	})
}

// CountRecords returns the number of records in the capture
func (r *Replayer) CountRecords() (int, error) {
	if err := r.loadMetadata(); err != nil {
		return 0, err
	}
	return r.recordCount, nil
}

// FirstRecord returns the first record in the capture
func (r *Replayer) FirstRecord() (models.IngestRecord, error) {
	if err := r.loadMetadata(); err != nil {
		return nil, err
	}
	if r.firstRecord == nil {
		return nil, fmt.Errorf("recording file is empty")
	}
	return r.firstRecord, nil
}
