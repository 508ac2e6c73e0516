package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/controller"
	"github.com/serena/serena-cli/internal/radio"
	"github.com/serena/serena-cli/internal/scenario"
)

// getScenarioDir returns the configured scenario directory, or a
// ./scenarios directory next to the working dir or the executable.
func getScenarioDir(cfg *config.Config) string {
	if cfg.Radio.ScenarioDir != "" {
		return cfg.Radio.ScenarioDir
	}
	if _, err := os.Stat("scenarios"); err == nil {
		return "scenarios"
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "scenarios")
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}
	return ""
}

// loadRegistry returns the built-in scenarios plus those in dir.
func loadRegistry(dir string) (*scenario.Registry, error) {
	registry := scenario.NewRegistry()
	if err := registry.LoadBuiltin(); err != nil {
		return nil, fmt.Errorf("failed to load scenarios: %w", err)
	}
	if dir != "" {
		if err := registry.LoadFromDir(dir); err != nil {
			return nil, fmt.Errorf("failed to load scenarios: %w", err)
		}
	}
	return registry, nil
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext(out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(out, "\n⏹  Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// openController builds the configured radio transport and initializes a
// controller over it.
func openController(ctx context.Context, cfg *config.Config, opts controller.Options) (*controller.Controller, error) {
	transport, err := radio.New(cfg.Radio, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open radio: %w", err)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = cfg.Radio.PollInterval
	}
	if opts.ScanTimeout == 0 {
		opts.ScanTimeout = cfg.Radio.ScanTimeout
	}
	ctrl := controller.New(transport, opts)
	if err := ctrl.Initialize(ctx); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("radio unavailable (%s): %w", ctrl.State(), err)
	}
	return ctrl, nil
}

// connectDevice links to id, or to the first device a scan finds when id
// is empty.
func connectDevice(ctx context.Context, ctrl *controller.Controller, id string, timeout time.Duration, out io.Writer) (string, error) {
	if id == "" {
		fmt.Fprintln(out, "🔍 Scanning for sensors...")
		devices, err := ctrl.Scan(ctx, timeout)
		if err != nil {
			return "", err
		}
		if current := ctrl.ConnectedDeviceID(); current != "" {
			return current, nil
		}
		if len(devices) == 0 {
			return "", fmt.Errorf("no sensor found within %s", timeout)
		}
		id = devices[0].ID
	}
	if err := ctrl.Connect(ctx, id); err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", id, err)
	}
	return id, nil
}
