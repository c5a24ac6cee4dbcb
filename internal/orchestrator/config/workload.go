package config

import (
	"time"

	"github.com/pkg/errors"
)

// SizeBucket is one "<lo>-<hi>": weight entry of a message-size
// distribution. Weights are not normalised, neither here nor at load time;
// Validate only rejects structurally invalid buckets.
type SizeBucket struct {
	Lo, Hi int
	Weight float64
}

// MessageSize is either a fixed size or a weight-bucketed distribution.
type MessageSize struct {
	Fixed        int          `yaml:"fixed,omitempty" mapstructure:"fixed,omitempty"`
	Distribution []SizeBucket `yaml:"distribution,omitempty" mapstructure:"distribution,omitempty"`
}

func (m MessageSize) Validate() error {
	if m.Fixed > 0 && len(m.Distribution) > 0 {
		return errors.New("messageSize: exactly one of fixed or distribution must be set")
	}
	if m.Fixed == 0 && len(m.Distribution) == 0 {
		return errors.New("messageSize: exactly one of fixed or distribution must be set")
	}
	for _, b := range m.Distribution {
		if b.Hi < b.Lo {
			return errors.Errorf("messageSize: bucket %d-%d has hi < lo", b.Lo, b.Hi)
		}
		if b.Weight <= 0 {
			return errors.Errorf("messageSize: bucket %d-%d has non-positive weight", b.Lo, b.Hi)
		}
	}
	return nil
}

// WorkloadConfig is the rendered materialisation merged from a base
// workload and a variant's overrides into one workload artefact.
type WorkloadConfig struct {
	Topics            int           `yaml:"topics" mapstructure:"topics"`
	Partitions        int           `yaml:"partitions" mapstructure:"partitions"`
	ProducerCount     int           `yaml:"producerCount" mapstructure:"producerCount"`
	ConsumerCount     int           `yaml:"consumerCount" mapstructure:"consumerCount"`
	MessageSize       MessageSize   `yaml:"messageSize" mapstructure:"messageSize"`
	TestDuration      time.Duration `yaml:"testDuration" mapstructure:"testDuration"`
	WarmupDuration    time.Duration `yaml:"warmupDuration" mapstructure:"warmupDuration"`
	TargetRate        int           `yaml:"targetRate,omitempty" mapstructure:"targetRate,omitempty"`
}

func (w WorkloadConfig) Validate() error {
	if w.Topics <= 0 {
		return errors.New("topics must be positive")
	}
	if w.Partitions <= 0 {
		return errors.New("partitions must be positive")
	}
	if w.ProducerCount <= 0 {
		return errors.New("producerCount must be positive")
	}
	if w.ConsumerCount <= 0 {
		return errors.New("consumerCount must be positive")
	}
	if err := w.MessageSize.Validate(); err != nil {
		return err
	}
	if w.TestDuration <= 0 {
		return errors.New("testDuration must be positive")
	}
	if w.WarmupDuration < 0 {
		return errors.New("warmupDuration must be non-negative")
	}
	return nil
}
