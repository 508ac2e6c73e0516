package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "serena",
	Short: "Serena CLI - heart sensor telemetry for the Serena breathing coach",
	Long: `Serena connects to a Polar-style chest strap over Bluetooth, decodes its
ECG and heart rate notifications and ships them to the collection service.

Batches that cannot be delivered are kept in an offline queue and sent
once the service is reachable again.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&globalOpts.ConfigPath, "config", "", "Config file (default ./serena.yaml when present)")
	flags.StringVar(&globalOpts.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	flags.StringVar(&globalOpts.LogFormat, "log-format", "", "Log format: console|json")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(batteryCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(receiverCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}
