package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/api"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/stream"
)

var (
	watchDevice  string
	watchSignals []string
	watchRaw     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the collection service's live signal stream",
	Long: `Opens the service's server-sent event stream and prints every signal as it
arrives. The stream is not reopened after it fails.

Examples:
  serena watch
  serena watch --device A0:9E:1A:12:34:56 --signal hr_derived --signal resp_rr
  serena watch --raw | jq .`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDevice, "device", "", "Only signals from this device")
	watchCmd.Flags().StringSliceVar(&watchSignals, "signal", nil, "Only these signal types (repeatable; default stream.signals)")
	watchCmd.Flags().BoolVar(&watchRaw, "raw", false, "Print each signal as one JSON line")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := interruptContext(cmd.ErrOrStderr())
	defer cancel()

	names := watchSignals
	if len(names) == 0 {
		names = cfg.Stream.Signals
	}
	signals := make([]models.SignalType, 0, len(names))
	for _, n := range names {
		signals = append(signals, models.SignalType(n))
	}

	out := cmd.OutOrStdout()
	failed := make(chan error, 16)
	consumer := stream.NewConsumer(stream.Options{
		BaseURL:    cfg.API.BaseURL,
		Prefix:     cfg.API.Prefix,
		DeviceID:   watchDevice,
		Signals:    signals,
		BufferSize: cfg.Stream.BufferSize,
		HTTPClient: &http.Client{Transport: &api.AuthTransport{Tokens: api.TokenSourceFor(cfg.API, cfg.Device.ID)}},
		Logger:     log,
		OnOpen: func() {
			fmt.Fprintln(cmd.ErrOrStderr(), "📡 Stream open, waiting for signals... (Press Ctrl+C to stop)")
		},
		OnError: func(err error) {
			log.Warn("stream error", zap.Error(err))
			select {
			case failed <- err:
			default:
			}
		},
		OnSignal: func(s models.SignalRecord) {
			if watchRaw {
				line, err := json.Marshal(s)
				if err == nil {
					fmt.Fprintln(out, string(line))
				}
				return
			}
			fmt.Fprintln(out, describeSignal(s))
		},
	})
	if err := consumer.Connect(ctx); err != nil {
		return err
	}
	defer consumer.Close()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived %d signals\n", len(consumer.Signals()))
			return nil
		case err := <-failed:
			if !consumer.Connected() {
				return fmt.Errorf("stream closed: %w", err)
			}
		}
	}
}

// describeSignal renders one signal on a single line.
func describeSignal(s models.SignalRecord) string {
	h := s.Header()
	prefix := fmt.Sprintf("%s  %-12s %s", models.FormatDT(h.TS), s.Signal(), h.DeviceID)
	switch r := s.Record.(type) {
	case *models.HeartRateRecord:
		if len(r.RRIntervalsMs) > 0 {
			return fmt.Sprintf("%s  %.0f bpm  rr %v ms", prefix, r.BPM, r.RRIntervalsMs)
		}
		return fmt.Sprintf("%s  %.0f bpm", prefix, r.BPM)
	case *models.ECGRecord:
		return fmt.Sprintf("%s  %d samples", prefix, len(r.Samples))
	case *models.RespirationRecord:
		return fmt.Sprintf("%s  %.1f breaths/min", prefix, r.EstRR)
	case *models.GuidanceRecord:
		return fmt.Sprintf("%s  %q", prefix, r.Text)
	case *models.BreathTargetRecord:
		return fmt.Sprintf("%s  target %.1f breaths/min", prefix, r.TargetRR)
	default:
		return prefix
	}
}
