package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tephra-ml/tephra/internal/logger"
)

var (
	devices      int64
	mainDevice   int64
	splitMode    string
	scratchBytes int64
	logLevel     string
	logFormat    string
)

func commonBackendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "devices",
			Aliases:     []string{"d"},
			Usage:       "number of devices to drive",
			Value:       1,
			Destination: &devices,
		},
		&cli.Int64Flag{
			Name:        "main-device",
			Usage:       "device hosting non-split tensors",
			Destination: &mainDevice,
		},
		&cli.StringFlag{
			Name:        "split",
			Usage:       "weight placement across devices (none, rows)",
			Value:       "none",
			Destination: &splitMode,
		},
		&cli.Int64Flag{
			Name:        "scratch-bytes",
			Usage:       "per-operation scratch budget (0 = unlimited)",
			Destination: &scratchBytes,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log output (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.Default()
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
