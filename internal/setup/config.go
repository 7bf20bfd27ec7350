package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buildgov/governor/internal/budget"
	"github.com/buildgov/governor/internal/classify"
)

// ConfigFileName is looked up beside the governor executable when
// GOV_CONFIG is unset.
const ConfigFileName = "governor.yaml"

// Config is the governor's on-disk configuration. Every field is optional;
// absent values take the documented defaults.
type Config struct {
	Budget     budget.Config    `yaml:"budget"`
	Classifier classify.Weights `yaml:"classifier"`

	LeaseTTLMinutes      int    `yaml:"leaseTtlMinutes"`
	WarnAfterMinutes     int    `yaml:"warnAfterMinutes"`
	SweepIntervalMS      int    `yaml:"sweepIntervalMs"`
	IdleShutdownMinutes  int    `yaml:"idleShutdownMinutes"`
	MetricsListenAddress string `yaml:"metricsListenAddress"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Budget:              budget.DefaultConfig(),
		Classifier:          classify.DefaultWeights(),
		LeaseTTLMinutes:     30,
		WarnAfterMinutes:    10,
		SweepIntervalMS:     500,
		IdleShutdownMinutes: 30,
	}
}

// LeaseTTL converts the configured minutes to a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMinutes) * time.Minute
}

// WarnAfter converts the configured minutes to a duration.
func (c Config) WarnAfter() time.Duration {
	return time.Duration(c.WarnAfterMinutes) * time.Minute
}

// SweepInterval converts the configured milliseconds to a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// IdleShutdown converts the configured minutes to a duration.
func (c Config) IdleShutdown() time.Duration {
	return time.Duration(c.IdleShutdownMinutes) * time.Minute
}

// Validate rejects configurations the governor must not start with.
func (c Config) Validate() error {
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if c.LeaseTTLMinutes <= 0 {
		return fmt.Errorf("leaseTtlMinutes must be positive, got %d", c.LeaseTTLMinutes)
	}
	if c.SweepIntervalMS <= 0 {
		return fmt.Errorf("sweepIntervalMs must be positive, got %d", c.SweepIntervalMS)
	}
	return nil
}

// ConfigPath resolves the config file location: GOV_CONFIG if set, else
// ConfigFileName beside the executable.
func ConfigPath() string {
	if explicit := os.Getenv("GOV_CONFIG"); explicit != "" {
		return explicit
	}
	self, err := os.Executable()
	if err != nil {
		return ConfigFileName
	}
	return filepath.Join(filepath.Dir(self), ConfigFileName)
}

// Load reads and validates the configuration at path. A missing file yields
// the defaults; a malformed or invalid file is a startup error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			getLogger().Debug("no config file; using defaults", "path", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Partial files leave zeros behind; refill before validating.
	cfg.Budget = cfg.Budget.Normalize()
	if cfg.Classifier == (classify.Weights{}) {
		cfg.Classifier = classify.DefaultWeights()
	}
	defaults := DefaultConfig()
	if cfg.LeaseTTLMinutes == 0 {
		cfg.LeaseTTLMinutes = defaults.LeaseTTLMinutes
	}
	if cfg.WarnAfterMinutes == 0 {
		cfg.WarnAfterMinutes = defaults.WarnAfterMinutes
	}
	if cfg.SweepIntervalMS == 0 {
		cfg.SweepIntervalMS = defaults.SweepIntervalMS
	}
	if cfg.IdleShutdownMinutes == 0 {
		cfg.IdleShutdownMinutes = defaults.IdleShutdownMinutes
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	getLogger().Info("configuration loaded", "path", path)
	return cfg, nil
}

// Dump renders the effective configuration as yaml.
func Dump(cfg Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}
