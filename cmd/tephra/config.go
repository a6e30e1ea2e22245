package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/tephra-ml/tephra/internal/backend"
)

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tephra", "config.yaml")
}

// loadFileConfig reads ~/.config/tephra/config.yaml. A missing or
// unreadable file yields a zero config.
func loadFileConfig() backend.Config {
	path := configPath()
	if path == "" {
		return backend.Config{}
	}
	cfg, err := backend.LoadConfig(path)
	if err != nil {
		return backend.Config{}
	}
	return cfg
}

// applyBackendConfig fills flag variables from the config file when the
// corresponding CLI flag was not explicitly set.
func applyBackendConfig(c *cli.Command, cfg backend.Config) {
	if cfg.Devices != 0 && !c.IsSet("devices") {
		devices = int64(cfg.Devices)
	}
	if cfg.MainDevice != 0 && !c.IsSet("main-device") {
		mainDevice = int64(cfg.MainDevice)
	}
	if cfg.SplitMode != "" && !c.IsSet("split") {
		splitMode = cfg.SplitMode
	}
	if cfg.ScratchBytes != 0 && !c.IsSet("scratch-bytes") {
		scratchBytes = cfg.ScratchBytes
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// backendConfig assembles the effective config from file and flags.
func backendConfig(c *cli.Command) backend.Config {
	cfg := loadFileConfig()
	applyBackendConfig(c, cfg)
	return backend.Config{
		Devices:      int(devices),
		MainDevice:   int(mainDevice),
		SplitMode:    splitMode,
		TensorRatios: cfg.TensorRatios,
		ScratchBytes: scratchBytes,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
	}
}
