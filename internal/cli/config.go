package cli

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/logging"
)

// GlobalOptions are shared flags that apply across commands.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

var globalOpts GlobalOptions

// logFile is the rotating log file opened by loadConfig, if any.
var logFile io.Closer

// loadConfig reads the config file, applies the global flags and builds
// the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(globalOpts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if globalOpts.LogLevel != "" {
		cfg.Log.Level = globalOpts.LogLevel
	}
	if globalOpts.LogFormat != "" {
		cfg.Log.Format = globalOpts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config:\n%w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, "serena")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	log, logFile = logging.WithFile(log, cfg.Log.Level, logging.File{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return cfg, log, nil
}
