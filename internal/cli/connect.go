package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/api"
	"github.com/serena/serena-cli/internal/controller"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/pipeline"
	"github.com/serena/serena-cli/internal/radio"
)

var (
	connectDuration time.Duration
	connectOut      string
	connectSession  string
	connectNoECG    bool
	connectNoHR     bool
	connectBatch    int
)

var connectCmd = &cobra.Command{
	Use:   "connect [device-id]",
	Short: "Stream a sensor's ECG and heart rate to the collection service",
	Long: `Connects to a sensor, subscribes to its ECG and heart rate notifications and
ships them to the collection service in batches.

Batches that cannot be delivered because the service is unreachable are
kept in the offline queue and sent once it answers again. Without a
device id the first sensor found by a scan is used.

Examples:
  serena connect
  serena connect A0:9E:1A:12:34:56 --session morning
  serena connect --out session.ndjson --duration 10m`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().DurationVar(&connectDuration, "duration", 0, "Stop after this long (default: until interrupted)")
	connectCmd.Flags().StringVar(&connectOut, "out", "", "Also record records to file (.ndjson or .pb)")
	connectCmd.Flags().StringVar(&connectSession, "session", "", "Session id stamped on records (default device.session_id)")
	connectCmd.Flags().BoolVar(&connectNoECG, "no-ecg", false, "Do not subscribe to ECG")
	connectCmd.Flags().BoolVar(&connectNoHR, "no-hr", false, "Do not subscribe to heart rate")
	connectCmd.Flags().IntVar(&connectBatch, "batch", pipeline.DefaultBatchSize, "Records per ingest request")
}

func runConnect(cmd *cobra.Command, args []string) error {
	if connectNoECG && connectNoHR {
		return fmt.Errorf("--no-ecg and --no-hr leave nothing to stream")
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	if connectSession != "" {
		cfg.Device.SessionID = connectSession
	}

	ctx, cancel := interruptContext(cmd.ErrOrStderr())
	defer cancel()
	if connectDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, connectDuration)
		defer cancel()
	}
	banner := cmd.ErrOrStderr()

	ctrl, err := openController(ctx, cfg, controller.Options{Logger: log})
	if err != nil {
		return err
	}
	defer ctrl.Close()
	go ctrl.Run(ctx)

	if cfg.Radio.Transport == radio.TransportBridge {
		fmt.Fprintf(banner, "🌐 Open http://%s/ in Chrome to pick a sensor\n", cfg.Radio.BridgeAddr)
	}
	var id string
	if len(args) == 1 {
		id = args[0]
	}
	id, err = connectDevice(ctx, ctrl, id, cfg.Radio.ScanTimeout, banner)
	if err != nil {
		return err
	}
	defer ctrl.Disconnect(context.WithoutCancel(ctx))

	deviceID := id
	if cfg.Device.ID != "" {
		deviceID = cfg.Device.ID
	}
	client := api.New(cfg.API, deviceID, log)
	monitor := api.NewMonitor(client, api.MonitorOptions{Interval: cfg.API.PingInterval, Logger: log})

	q, closeStore, err := openQueue(ctx, cfg, client, log)
	if err != nil {
		return err
	}
	defer closeStore()

	transform, closeTransform, err := openTransform(ctx, cfg, banner, log)
	if err != nil {
		return err
	}
	defer closeTransform()

	t, err := openTaps(ctx, cfg, connectOut, banner, log)
	if err != nil {
		return err
	}

	p := pipeline.New(client, q, pipeline.Options{
		DeviceID:     cfg.Device.ID,
		SessionID:    cfg.Device.SessionID,
		BatchSize:    connectBatch,
		SyncInterval: cfg.Queue.SyncInterval,
		Transform:    transform,
		Tap:          t.Tap(),
		Logger:       log,
	})

	go monitor.Run(ctx)
	go p.RunSync(ctx, monitor)

	ecg, hr := subscribe(ctx, ctrl, log)
	if ecg == nil && hr == nil {
		t.Close(banner)
		return fmt.Errorf("no sample stream could be started on %s", id)
	}

	queued, _ := q.Size(ctx)
	fmt.Fprintf(banner, "\n🫀 Serena Streaming Started\n\n")
	fmt.Fprintf(banner, "Device:       %s\n", id)
	fmt.Fprintf(banner, "Records as:   %s\n", deviceID)
	if cfg.Device.SessionID != "" {
		fmt.Fprintf(banner, "Session:      %s\n", cfg.Device.SessionID)
	}
	fmt.Fprintf(banner, "Ingest:       %s%s/ingest\n", cfg.API.BaseURL, cfg.API.Prefix)
	fmt.Fprintf(banner, "Queue:        %s (%d batches waiting)\n", cfg.Queue.Backend, queued)
	if level, _ := ctrl.BatteryLevel(ctx); level != nil {
		fmt.Fprintf(banner, "Battery:      %d%%\n", *level)
	}
	fmt.Fprintln(banner, "\nPress Ctrl+C to stop")

	p.Stream(ctx, id, ecg, hr)
	if ctx.Err() == nil {
		fmt.Fprintf(banner, "\n⚠️  Link to %s lost (%s)\n", id, ctrl.State())
	}
	cancel()

	stats := p.Stats()
	fmt.Fprintf(banner, "\n📊 Session Stats:\n")
	fmt.Fprintf(banner, "   Delivered:  %d\n", stats.Delivered)
	fmt.Fprintf(banner, "   Queued:     %d\n", stats.Queued)
	fmt.Fprintf(banner, "   Failed:     %d\n", stats.Failed)
	if dropped := ctrl.Dropped(); dropped > 0 {
		fmt.Fprintf(banner, "   Overflow:   %d samples\n", dropped)
	}
	t.Close(banner)
	fmt.Fprintln(banner, "\n✓ Shutdown complete")
	return nil
}

// subscribe starts the requested streams. A stream that fails to start is
// logged and left nil.
func subscribe(ctx context.Context, ctrl *controller.Controller, log *zap.Logger) (ecg <-chan models.ECGSample, hr <-chan models.HeartRateSample) {
	var err error
	if !connectNoECG {
		if ecg, err = ctrl.SubscribeECG(ctx); err != nil {
			log.Warn("ecg stream unavailable", zap.Error(err))
		}
	}
	if !connectNoHR {
		if hr, err = ctrl.SubscribeHeartRate(ctx); err != nil {
			log.Warn("heart rate stream unavailable", zap.Error(err))
		}
	}
	return ecg, hr
}
