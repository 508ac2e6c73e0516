package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/serena/serena-cli/internal/controller"
	"github.com/serena/serena-cli/internal/radio"
)

var (
	scanTimeout time.Duration
	scanJSON    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nearby heart sensors",
	Long: `Scans for Polar-compatible sensors and lists each one once.

With the browser bridge, open the printed page and pick a device in the
browser's chooser.

Examples:
  serena scan
  serena scan --timeout 20s --json`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "How long to scan (default radio.scan_timeout)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print devices as JSON")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := interruptContext(cmd.ErrOrStderr())
	defer cancel()

	ctrl, err := openController(ctx, cfg, controller.Options{Logger: log})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	timeout := scanTimeout
	if timeout <= 0 {
		timeout = cfg.Radio.ScanTimeout
	}
	if cfg.Radio.Transport == radio.TransportBridge {
		fmt.Fprintf(cmd.ErrOrStderr(), "🌐 Open http://%s/ in Chrome to pick a sensor\n", cfg.Radio.BridgeAddr)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "🔍 Scanning for %s...\n", timeout)

	devices, err := ctrl.Scan(ctx, timeout)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if scanJSON {
		if devices == nil {
			devices = []radio.Device{}
		}
		return printJSON(cmd.OutOrStdout(), devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sensors found")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRSSI")
	for _, d := range devices {
		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *d.RSSI)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.DisplayName(), rssi)
	}
	return tw.Flush()
}
