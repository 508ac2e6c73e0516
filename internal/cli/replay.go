package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/serena/serena-cli/internal/api"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/pipeline"
	"github.com/serena/serena-cli/internal/recorder"
)

var (
	replayIn      string
	replaySpeed   float64
	replayLoop    bool
	replayDevice  string
	replaySession string
	replayBatch   int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send recorded records to the collection service again",
	Long: `Replays a capture written by 'serena connect --out' or 'serena receiver --out'
into the ingest path, keeping the original spacing between records.

Examples:
  serena replay --in session.ndjson
  serena replay --in session.pb --speed 0 --device bench-01
  serena replay --in test.ndjson --speed 2.0 --loop`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayIn, "in", "", "Capture file to replay (required)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "Playback speed multiplier (0 sends as fast as possible)")
	replayCmd.Flags().BoolVar(&replayLoop, "loop", false, "Loop playback continuously")
	replayCmd.Flags().StringVar(&replayDevice, "device", "", "Override the device id of every record")
	replayCmd.Flags().StringVar(&replaySession, "session", "", "Override the session id of every record")
	replayCmd.Flags().IntVar(&replayBatch, "batch", pipeline.DefaultBatchSize, "Records per ingest request")
	replayCmd.MarkFlagRequired("in")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replaySpeed < 0 {
		return fmt.Errorf("--speed must not be negative")
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	rep := recorder.NewReplayer(replayIn, replaySpeed, replayLoop)
	count, err := rep.CountRecords()
	if err != nil {
		return fmt.Errorf("failed to read recording: %w", err)
	}
	first, err := rep.FirstRecord()
	if err != nil {
		return fmt.Errorf("failed to read first record: %w", err)
	}

	ctx, cancel := interruptContext(cmd.ErrOrStderr())
	defer cancel()

	deviceID := first.Envelope().DeviceID
	if replayDevice != "" {
		deviceID = replayDevice
	}
	client := api.New(cfg.API, deviceID, log)
	q, closeStore, err := openQueue(ctx, cfg, client, log)
	if err != nil {
		return err
	}
	defer closeStore()

	transform, closeTransform, err := openTransform(ctx, cfg, cmd.ErrOrStderr(), log)
	if err != nil {
		return err
	}
	defer closeTransform()

	p := pipeline.New(client, q, pipeline.Options{
		DeviceID:  replayDevice,
		SessionID: replaySession,
		BatchSize: replayBatch,
		Transform: transform,
		Logger:    log,
	})

	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "▶️  Replay Session Started\n\n")
	fmt.Fprintf(out, "File:         %s (%s)\n", replayIn, recorder.FormatFor(replayIn))
	fmt.Fprintf(out, "Records:      %d\n", count)
	fmt.Fprintf(out, "Device:       %s\n", deviceID)
	fmt.Fprintf(out, "Starts at:    %s\n", models.FormatDT(first.Envelope().TS))
	fmt.Fprintf(out, "Speed:        %.1fx\n", replaySpeed)
	fmt.Fprintf(out, "Loop:         %v\n", replayLoop)
	fmt.Fprintf(out, "Ingest:       %s%s/ingest\n\n", cfg.API.BaseURL, cfg.API.Prefix)

	records := make(chan models.IngestRecord, 256)
	done := make(chan struct{})
	go func() {
		p.Forward(ctx, records)
		close(done)
	}()

	replayErr := rep.Replay(ctx, records)
	close(records)
	<-done

	stats := p.Stats()
	fmt.Fprintf(out, "\n📊 Replay Stats:\n")
	fmt.Fprintf(out, "   Delivered:  %d\n", stats.Delivered)
	fmt.Fprintf(out, "   Queued:     %d\n", stats.Queued)
	fmt.Fprintf(out, "   Failed:     %d\n", stats.Failed)

	if replayErr != nil && ctx.Err() == nil {
		return fmt.Errorf("replay error: %w", replayErr)
	}
	fmt.Fprintln(out, "\nReplay complete")
	return nil
}
