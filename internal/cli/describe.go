package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/serena/serena-cli/internal/scenario"
)

var describeCmd = &cobra.Command{
	Use:   "describe <scenario>",
	Short: "Describe a scenario in detail",
	Long:  `Shows a scenario's signals and phases with the values the simulated sensor derives from them.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

func runDescribe(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(getScenarioDir(cfg))
	if err != nil {
		return err
	}
	scen, err := registry.Get(args[0])
	if err != nil {
		return fmt.Errorf("scenario not found: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scenario: %s\n", scen.Name)
	fmt.Fprintf(out, "Description: %s\n", scen.Description)
	fmt.Fprintf(out, "Duration: %s\n\n", scen.Duration)

	fmt.Fprintln(out, "Signals:")
	for _, name := range sortedKeys(scen.Signals) {
		c := scen.Signals[name]
		fmt.Fprintf(out, "  %s\n", name)
		fmt.Fprintf(out, "    Baseline: %v", c.Baseline)
		if c.Unit != "" {
			fmt.Fprintf(out, " %s", c.Unit)
		}
		fmt.Fprintln(out)
		if c.Noise != 0 {
			fmt.Fprintf(out, "    Noise: %v\n", c.Noise)
		}
	}

	if len(scen.Phases) > 0 {
		fmt.Fprintln(out, "\nPhases:")
		for i, phase := range scen.Phases {
			fmt.Fprintf(out, "  %d. %s (duration: %s)\n", i+1, phase.Name, phase.Duration)
			for _, signal := range sortedKeys(phase.Overrides) {
				o := phase.Overrides[signal]
				fmt.Fprintf(out, "       %s:", signal)
				if o.Baseline != 0 {
					fmt.Fprintf(out, " baseline=%v", o.Baseline)
				}
				if o.Add != 0 {
					fmt.Fprintf(out, " add=%.1f", o.Add)
				}
				if o.Multiply != 0 {
					fmt.Fprintf(out, " multiply=%.1f", o.Multiply)
				}
				if o.Ramp != "" {
					fmt.Fprintf(out, " ramp=%s", o.Ramp)
				}
				if o.Noise != 0 {
					fmt.Fprintf(out, " noise=%v", o.Noise)
				}
				fmt.Fprintln(out)
			}
		}
	}

	fmt.Fprintln(out)
	return nil
}

func sortedKeys(m map[string]*scenario.SignalConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
