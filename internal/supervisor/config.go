package supervisor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the supervisor's process configuration. Timings are
// expressed in seconds, the unit the agency configuration uses.
type Config struct {
	// AgencyEndpoint is the HTTP address of the agency, for example
	// "http://127.0.0.1:4001". Unused when an in-process store is
	// injected.
	AgencyEndpoint string `yaml:"agencyEndpoint"`

	// AgencyPrefix roots every path warden touches, default "/arango".
	AgencyPrefix string `yaml:"agencyPrefix"`

	// SupervisionFrequency is the tick period in seconds.
	SupervisionFrequency float64 `yaml:"supervisionFrequency"`

	// SupervisionGracePeriod is the minimum time in seconds before a BAD
	// server may fail, and the minimum leadership age before any status
	// mutation.
	SupervisionGracePeriod float64 `yaml:"supervisionGracePeriod"`

	// MetricsAddr is the listen address for the prometheus endpoint;
	// empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AgencyEndpoint:         "http://127.0.0.1:4001",
		AgencyPrefix:           "/arango",
		SupervisionFrequency:   1.0,
		SupervisionGracePeriod: 5.0,
	}
}

// LoadConfig reads a yaml config file over the defaults. A missing path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("supervisor: reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("supervisor: parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SupervisionFrequency <= 0 {
		return fmt.Errorf("supervisor: supervisionFrequency must be positive, got %v", c.SupervisionFrequency)
	}
	if c.SupervisionGracePeriod < 0 {
		return fmt.Errorf("supervisor: supervisionGracePeriod must not be negative, got %v", c.SupervisionGracePeriod)
	}
	return nil
}

// Frequency returns the tick period as a duration.
func (c Config) Frequency() time.Duration {
	return time.Duration(c.SupervisionFrequency * float64(time.Second))
}

// GracePeriod returns the grace period as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.SupervisionGracePeriod * float64(time.Second))
}
