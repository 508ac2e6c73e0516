package radio

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/scenario"
)

// Transport names accepted by New.
const (
	TransportAuto   = "auto"
	TransportBlueZ  = "bluez"
	TransportBridge = "bridge"
	TransportSim    = "sim"
	TransportNone   = "none"
)

// New builds the transport named by cfg.Transport. "auto" prefers BlueZ
// when the system bus has it and falls back to the browser bridge.
func New(cfg config.RadioConfig, log *zap.Logger) (Transport, error) {
	log = logging.OrNop(log)

	kind := cfg.Transport
	if kind == "" || kind == TransportAuto {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		available := BlueZAvailable(ctx)
		cancel()
		if available {
			kind = TransportBlueZ
		} else {
			kind = TransportBridge
		}
		log.Debug("transport selected", zap.String("transport", kind))
	}

	switch kind {
	case TransportBlueZ:
		return NewBlueZ(cfg.Adapter, log)
	case TransportBridge:
		b := NewBridge(cfg.BridgeAddr, cfg.BridgePath, log)
		if err := b.Start(); err != nil {
			return nil, err
		}
		return b, nil
	case TransportSim:
		s, err := LoadScenario(cfg.Scenario, cfg.ScenarioDir)
		if err != nil {
			return nil, err
		}
		return NewSim(cfg.SimDevices, s, cfg.Seed, log), nil
	case TransportNone:
		return NewUnsupported(), nil
	default:
		return nil, fmt.Errorf("unknown radio transport %q", cfg.Transport)
	}
}

// LoadScenario resolves name against the built-in scenarios and, when dir
// is set, the YAML files in dir.
func LoadScenario(name, dir string) (*scenario.Scenario, error) {
	registry := scenario.NewRegistry()
	if err := registry.LoadBuiltin(); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := registry.LoadFromDir(dir); err != nil {
			return nil, err
		}
	}
	if name == "" {
		name = "baseline"
	}
	return registry.Get(name)
}
