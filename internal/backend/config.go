package backend

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tephra-ml/tephra/internal/device"
)

// Config is the backend configuration file shape
// (~/.config/tephra/config.yaml). Zero values mean "use the default".
type Config struct {
	// Devices is the number of devices to drive. Zero means one.
	Devices int `yaml:"devices"`
	// MainDevice hosts non-split tensors and coordinates fan-out.
	MainDevice int `yaml:"main_device"`
	// SplitMode is "none" or "rows".
	SplitMode string `yaml:"split_mode"`
	// TensorRatios are per-device capacity weights for row sharding.
	TensorRatios []float32 `yaml:"tensor_ratios"`
	// ScratchBytes caps per-operation scratch. Zero means unlimited.
	ScratchBytes int64 `yaml:"scratch_bytes"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LoadConfig reads a config file. A missing file yields a zero Config
// with no error; a malformed file is an error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("backend: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("backend: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DeviceConfig translates the file shape into device-context knobs.
func (c Config) DeviceConfig() (device.Config, error) {
	dc := device.Config{
		Devices:      c.Devices,
		MainDevice:   c.MainDevice,
		Ratios:       c.TensorRatios,
		ScratchBytes: c.ScratchBytes,
	}
	switch c.SplitMode {
	case "", "none":
		dc.Split = device.SplitNone
	case "rows":
		dc.Split = device.SplitRows
	default:
		return device.Config{}, fmt.Errorf("backend: unknown split mode %q", c.SplitMode)
	}
	return dc, nil
}
