package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/serena/serena-cli/internal/controller"
)

var batteryCmd = &cobra.Command{
	Use:   "battery [device-id]",
	Short: "Read a sensor's battery level",
	Long: `Connects to the sensor, reads its battery level and disconnects. Without a
device id the first sensor found by a scan is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBattery,
}

func runBattery(cmd *cobra.Command, args []string) error {
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

	var id string
	if len(args) == 1 {
		id = args[0]
	}
	id, err = connectDevice(ctx, ctrl, id, cfg.Radio.ScanTimeout, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer ctrl.Disconnect(ctx)

	level, err := ctrl.BatteryLevel(ctx)
	if err != nil {
		return err
	}
	if level == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: battery level unavailable\n", id)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %d%%\n", id, renderBar(float64(*level)/100, 20), *level)
	return nil
}
