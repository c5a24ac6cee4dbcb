package config

import (
	"time"

	"github.com/pkg/errors"
)

// VariantKind enumerates the three benchmark shapes a TestVariant can take.
type VariantKind string

const (
	KindFixedRate VariantKind = "fixed_rate"
	KindRampUp    VariantKind = "ramp_up"
	KindMaxRate   VariantKind = "max_rate"
)

// PlateauPolicy aborts the remainder of a matrix once achieved throughput
// persistently falls below target by more than the configured deviation.
type PlateauPolicy struct {
	AllowedDeviationPercent  float64 `yaml:"allowedDeviationPercent"`
	ConsecutiveFailsAllowed  int     `yaml:"consecutiveFailsAllowed"`
}

func (p PlateauPolicy) Validate() error {
	if p.AllowedDeviationPercent <= 0 {
		return errors.New("plateauPolicy: allowedDeviationPercent must be positive")
	}
	if p.ConsecutiveFailsAllowed <= 0 {
		return errors.New("plateauPolicy: consecutiveFailsAllowed must be positive")
	}
	return nil
}

// TestVariant is one row of the test matrix.
type TestVariant struct {
	Name              string                 `yaml:"name"`
	Kind              VariantKind            `yaml:"kind"`
	TargetRate        int                    `yaml:"targetRate,omitempty"`
	WorkloadOverrides map[string]interface{} `yaml:"workloadOverrides,omitempty"`
}

func (v TestVariant) Validate() error {
	if v.Name == "" {
		return errors.New("variant name must not be empty")
	}
	switch v.Kind {
	case KindFixedRate, KindRampUp, KindMaxRate:
	default:
		return errors.Errorf("variant %s: unknown kind %q", v.Name, v.Kind)
	}
	if v.Kind != KindMaxRate && v.TargetRate <= 0 {
		return errors.Errorf("variant %s: targetRate must be positive for kind %s", v.Name, v.Kind)
	}
	return nil
}

// TestPlan is the ordered matrix declaration consumed by the test-matrix
// runner.
type TestPlan struct {
	Name           string          `yaml:"name"`
	BaseWorkload   WorkloadConfig  `yaml:"baseWorkload"`
	Variants       []TestVariant   `yaml:"variants"`
	PlateauPolicy  *PlateauPolicy  `yaml:"plateauPolicy,omitempty"`
}

func (p TestPlan) Validate() error {
	if p.Name == "" {
		return errors.New("testPlan name must not be empty")
	}
	if err := p.BaseWorkload.Validate(); err != nil {
		return errors.Wrap(err, "baseWorkload")
	}
	if len(p.Variants) == 0 {
		return errors.New("variants must contain at least one entry")
	}
	seen := make(map[string]bool, len(p.Variants))
	for _, v := range p.Variants {
		if err := v.Validate(); err != nil {
			return err
		}
		if seen[v.Name] {
			return errors.Errorf("duplicate variant name %q", v.Name)
		}
		seen[v.Name] = true
	}
	if p.PlateauPolicy != nil {
		if err := p.PlateauPolicy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DurationOrDefault returns d if positive, else def.
func DurationOrDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
