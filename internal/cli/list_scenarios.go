package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List scenarios for the simulated sensor",
	Long: `Lists the built-in scenarios and those found in radio.scenario_dir. The
simulated sensor (radio.transport: sim) plays radio.scenario.`,
	RunE: runListScenarios,
}

func init() {
	scenariosCmd.AddCommand(describeCmd)
}

func runListScenarios(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(getScenarioDir(cfg))
	if err != nil {
		return err
	}

	names := registry.List()
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found")
		return nil
	}
	descriptions := registry.Descriptions()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Available scenarios:")
	fmt.Fprintln(out)
	for _, name := range names {
		marker := " "
		if name == cfg.Radio.Scenario {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-20s %s\n", marker, name, descriptions[name])
	}
	fmt.Fprintln(out)
	return nil
}
