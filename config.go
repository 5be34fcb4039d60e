package obvcore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/sirupsen/logrus"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid obvcore configuration")

// Config holds the settings of an Engine. It is usually loaded from a TOML
// file with LoadConfig; unset keys keep their DefaultConfig value.
type Config struct {
	// DataDir is the goleveldb directory. Empty keeps everything in memory.
	DataDir string `toml:"data_dir"`

	// LogLevel is a logrus level name. Empty leaves the global level alone.
	LogLevel string `toml:"log_level"`

	// QueueSize bounds the jobs waiting for each owned identity's worker.
	QueueSize int `toml:"queue_size"`

	// MaintenanceInterval is the period of garbage collection, channel
	// cleaning and full ratchet checks.
	MaintenanceInterval time.Duration `toml:"maintenance_interval"`

	Channel  channel.Policy            `toml:"channel"`
	Protocol protocol.Settings         `toml:"protocol"`
	Delivery interfaces.DeliveryConfig `toml:"delivery"`
}

// DefaultConfig returns an in-memory configuration with production defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:            "info",
		QueueSize:           128,
		MaintenanceInterval: 10 * time.Minute,
		Channel:             channel.DefaultPolicy(),
		Protocol:            protocol.DefaultSettings(),
		Delivery:            interfaces.DefaultDeliveryConfig(),
	}
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load obvcore config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "LoadConfig",
		"package":  "obvcore",
		"path":     path,
		"data_dir": cfg.DataDir,
	}).Debug("Configuration loaded")
	return cfg, nil
}

// Validate checks every section of the configuration.
func (c Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: queue size must be positive", ErrInvalidConfig)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("%w: maintenance interval must be positive", ErrInvalidConfig)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if err := c.Channel.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := crypto.SuiteForVersion(c.Protocol.SuiteVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Protocol.PendingLifetime <= 0 || c.Protocol.InstanceRetention <= 0 {
		return fmt.Errorf("%w: protocol lifetimes must be positive", ErrInvalidConfig)
	}
	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
