package cli

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/serena/serena-cli/internal/api"
	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/radio"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment and print connection info",
	Long: `Validates the configuration, checks the radio stack, the collection service,
the offline queue and the local receiver port.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🏥 Serena Environment Check")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Go Version:        %s\n", runtime.Version())
	fmt.Fprintf(out, "OS/Arch:           %s/%s\n\n", runtime.GOOS, runtime.GOARCH)

	cfg, err := config.Load(globalOpts.ConfigPath)
	if err != nil {
		fmt.Fprintf(out, "❌ Config: %v\n", err)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "❌ Config invalid:\n%v\n\n", err)
	} else {
		fmt.Fprintln(out, "✅ Config is valid")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	switch cfg.Radio.Transport {
	case radio.TransportSim:
		fmt.Fprintf(out, "✅ Radio: simulated sensor (%s)\n", cfg.Radio.Scenario)
	case radio.TransportNone:
		fmt.Fprintln(out, "⚠️  Radio: disabled")
	default:
		if radio.BlueZAvailable(ctx) {
			fmt.Fprintln(out, "✅ Radio: BlueZ found on the system bus")
		} else {
			fmt.Fprintln(out, "⚠️  Radio: BlueZ not available, the browser bridge will be used")
			if isPortAvailable(cfg.Radio.BridgeAddr) {
				fmt.Fprintf(out, "   Bridge page: http://%s/\n", cfg.Radio.BridgeAddr)
			} else {
				fmt.Fprintf(out, "❌ Bridge address %s is in use\n", cfg.Radio.BridgeAddr)
			}
		}
	}

	client := api.New(cfg.API, cfg.Device.ID, nil)
	if err := client.Probe(ctx); err != nil {
		fmt.Fprintf(out, "❌ Collection service %s%s: %v\n", cfg.API.BaseURL, cfg.API.Prefix, err)
	} else {
		fmt.Fprintf(out, "✅ Collection service %s%s is reachable\n", cfg.API.BaseURL, cfg.API.Prefix)
	}

	if q, closeStore, err := openQueue(ctx, cfg, nil, nil); err != nil {
		fmt.Fprintf(out, "❌ Queue: %v\n", err)
	} else {
		n, err := q.Size(ctx)
		closeStore()
		if err != nil {
			fmt.Fprintf(out, "❌ Queue (%s): %v\n", cfg.Queue.Backend, err)
		} else {
			fmt.Fprintf(out, "✅ Queue (%s): %d batches waiting\n", cfg.Queue.Backend, n)
		}
	}

	if isPortAvailable(cfg.Receiver.Addr) {
		fmt.Fprintf(out, "✅ Receiver address %s is available\n", cfg.Receiver.Addr)
	} else {
		fmt.Fprintf(out, "⚠️  Receiver address %s is in use\n", cfg.Receiver.Addr)
		fmt.Fprintln(out, "   Use --addr to pick a different one")
	}

	if cfg.Flux.WasmPath != "" {
		fmt.Fprintf(out, "   Flux transform: %s\n", cfg.Flux.WasmPath)
	}
	if cfg.MQTT.Broker != "" {
		fmt.Fprintf(out, "   MQTT mirror: %s\n", cfg.MQTT.Broker)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "📡 Try it locally:")
	fmt.Fprintln(out, "  serena receiver &")
	fmt.Fprintln(out, "  SERENA_RADIO_TRANSPORT=sim serena connect --duration 30s")
	fmt.Fprintln(out, "  serena watch")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "✅ Environment check complete")
	return nil
}

func isPortAvailable(addr string) bool {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
