package station

import (
	"fmt"
	"os"

	"github.com/kwv/simreg/icp"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the station configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks required fields and that the registration section builds.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target is required")
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor must be defined")
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sensors[%d].id %q is defined twice", i, sc.ID)
		}
		seen[sc.ID] = true
		if sc.Source == "" && sc.Topic == "" {
			return fmt.Errorf("sensors[%d] (%s) needs a source or a topic", i, sc.ID)
		}
	}

	if _, err := icp.BuildRejectors(c.Registration.Rejectors); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	return nil
}

// GetSensorByID returns the sensor config for the given ID
func (c *Config) GetSensorByID(id string) *SensorConfig {
	for i := range c.Sensors {
		if c.Sensors[i].ID == id {
			return &c.Sensors[i]
		}
	}
	return nil
}

// EngineConfig builds the registration options for one sensor. The sensor's
// own initial guess wins over the registration-wide one.
func (c *Config) EngineConfig(sensorID string) icp.Config {
	cfg := c.Registration.ToICP()
	if sc := c.GetSensorByID(sensorID); sc != nil && sc.InitialGuess != nil {
		cfg.InitialGuess = sc.InitialGuess.Transform()
	}
	return cfg
}

// ToICP overlays the non-zero fields on icp.DefaultConfig.
func (r RegistrationConfig) ToICP() icp.Config {
	cfg := icp.DefaultConfig()
	if r.MaxIterations != 0 {
		cfg.MaxIterations = r.MaxIterations
	}
	if r.RelativeMSE != 0 {
		cfg.RelativeMSE = r.RelativeMSE
	}
	if r.TranslationThreshold != 0 {
		cfg.TranslationThreshold = r.TranslationThreshold
	}
	if r.RotationThreshold != nil {
		v := *r.RotationThreshold
		cfg.RotationThreshold = &v
	}
	if r.MaxCorrespondenceDistance != 0 {
		cfg.MaxCorrespondenceDistance = r.MaxCorrespondenceDistance
	}
	if r.MinCorrespondences != 0 {
		cfg.MinCorrespondences = r.MinCorrespondences
	}
	cfg.UseReciprocal = r.UseReciprocal
	cfg.FixScale = r.FixScale
	if r.InitialGuess != nil {
		cfg.InitialGuess = r.InitialGuess.Transform()
	}
	cfg.Rejectors = append([]icp.RejectorConfig(nil), r.Rejectors...)
	return cfg
}
