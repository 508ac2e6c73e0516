package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/flux"
	"github.com/serena/serena-cli/internal/mirror"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/pipeline"
	"github.com/serena/serena-cli/internal/recorder"
	"github.com/serena/serena-cli/internal/transport"
)

// taps fans delivered records out to the capture file and the MQTT mirror.
type taps struct {
	source     chan models.IngestRecord
	dispatcher *transport.Dispatcher
	recorder   *recorder.Recorder
	mqtt       *mirror.Client
	mirror     *mirror.Mirror
	wg         sync.WaitGroup
}

// openTaps starts a capture to out (when set) and the MQTT mirror (when a
// broker is configured). Taps with neither return nil.
func openTaps(ctx context.Context, cfg *config.Config, out string, banner io.Writer, log *zap.Logger) (*taps, error) {
	if out == "" && cfg.MQTT.Broker == "" {
		return nil, nil
	}

	// taps outlive ctx so the records of the final flush still land
	ctx = context.WithoutCancel(ctx)

	t := &taps{source: make(chan models.IngestRecord, 1024)}
	t.dispatcher = transport.NewDispatcher(t.source, 256, log)

	if out != "" {
		rec, err := recorder.NewRecorder(out)
		if err != nil {
			return nil, fmt.Errorf("failed to create recorder: %w", err)
		}
		t.recorder = rec
		ch := t.dispatcher.Subscribe("capture")
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := rec.RecordFromChannel(ctx, ch, nil); err != nil {
				log.Error("recording stopped", zap.Error(err))
			}
		}()
		fmt.Fprintf(banner, "Recording:    %s (%s)\n", out, recorder.FormatFor(out))
	}

	if cfg.MQTT.Broker != "" {
		client, err := mirror.Connect(cfg.MQTT, log)
		if err != nil {
			t.closeRecorder()
			return nil, err
		}
		t.mqtt = client
		t.mirror = mirror.New(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, nil, log)
		ch := t.dispatcher.Subscribe("mqtt")
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.mirror.Run(ctx, ch)
		}()
		fmt.Fprintf(banner, "MQTT mirror:  %s/%s/...\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	}

	go t.dispatcher.Run(ctx)
	return t, nil
}

// Tap is the channel handed to the pipeline. A nil taps has none.
func (t *taps) Tap() chan<- models.IngestRecord {
	if t == nil {
		return nil
	}
	return t.source
}

func (t *taps) closeRecorder() {
	if t.recorder != nil {
		t.recorder.Close()
	}
}

// Close ends the fan-out once the pipeline stopped sending and waits for
// the capture and mirror to finish.
func (t *taps) Close(out io.Writer) {
	if t == nil {
		return
	}
	close(t.source)
	t.wg.Wait()
	if t.recorder != nil {
		fmt.Fprintf(out, "   Recorded:   %d\n", t.recorder.Count())
		t.closeRecorder()
	}
	if t.mirror != nil {
		published, failed := t.mirror.Stats()
		fmt.Fprintf(out, "   Mirrored:   %d (%d failed)\n", published, failed)
		t.mqtt.Close()
	}
	for name, n := range t.dispatcher.DroppedBy() {
		fmt.Fprintf(out, "   Lost (%s): %d\n", name, n)
	}
}

// openTransform loads the configured WASM transform. The returned
// transformer is nil when none is configured.
func openTransform(ctx context.Context, cfg *config.Config, banner io.Writer, log *zap.Logger) (pipeline.Transformer, func(), error) {
	if cfg.Flux.WasmPath == "" {
		return nil, func() {}, nil
	}
	engine, err := flux.NewEngine(ctx, cfg.Flux.WasmPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize flux engine: %w", err)
	}
	fmt.Fprintf(banner, "✨ Flux transform loaded (Wasm: %s)\n", cfg.Flux.WasmPath)
	return engine, func() { engine.Close(context.Background()) }, nil
}
