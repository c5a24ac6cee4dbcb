package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// LoadInfrastructureConfig reads and validates an infrastructure document
// from path.
func LoadInfrastructureConfig(path string) (InfrastructureConfig, error) {
	var cfg InfrastructureConfig
	if err := loadYAML(path, &cfg); err != nil {
		return InfrastructureConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return InfrastructureConfig{}, errors.Wrap(err, "invalid infrastructure config")
	}
	return cfg, nil
}

// LoadTestPlan reads and validates a test plan document from path.
func LoadTestPlan(path string) (TestPlan, error) {
	var plan TestPlan
	if err := loadYAML(path, &plan); err != nil {
		return TestPlan{}, err
	}
	if err := plan.Validate(); err != nil {
		return TestPlan{}, errors.Wrap(err, "invalid test plan")
	}
	return plan, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return nil
}
