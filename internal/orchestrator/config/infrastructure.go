// Package config defines the declarative documents the orchestrator
// consumes: infrastructure shape, test plan, and workload parameters.
// The orchestrator consumes these documents but does not define their
// schema at the boundary - Validate() here catches internal-consistency
// problems (durations, proportions, exactly-one-backend style constraints),
// the same division of responsibility broadside/configuration's own
// TestConfig tree uses.
package config

import (
	"github.com/pkg/errors"
)

// Role identifies one of the four fixed fleet roles.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleStorage     Role = "storage"
	RoleBroker      Role = "broker"
	RoleWorker      Role = "worker"
)

var AllRoles = []Role{RoleCoordinator, RoleStorage, RoleBroker, RoleWorker}

// HostGroupConfig describes the desired shape of one role's hosts.
type HostGroupConfig struct {
	Role       Role   `yaml:"role"`
	Count      int    `yaml:"count"`
	Type       string `yaml:"type"`
	VolumeSize int    `yaml:"volumeSize,omitempty"`
}

func (h HostGroupConfig) Validate() error {
	if h.Role == "" {
		return errors.New("role must not be empty")
	}
	if !isKnownRole(h.Role) {
		return errors.Errorf("unknown role %q", h.Role)
	}
	if h.Count <= 0 {
		return errors.Errorf("host group %s: count must be positive", h.Role)
	}
	if h.Type == "" {
		return errors.Errorf("host group %s: type must not be empty", h.Role)
	}
	if h.Role == RoleStorage && h.VolumeSize <= 0 {
		return errors.New("host group storage: volumeSize must be positive")
	}
	return nil
}

func isKnownRole(r Role) bool {
	for _, known := range AllRoles {
		if known == r {
			return true
		}
	}
	return false
}

// InfrastructureConfig is the input document consumed by the Provision
// phase and rendered into the provisioner's variables document.
type InfrastructureConfig struct {
	ClusterIdentity string            `yaml:"clusterIdentity"`
	HostGroups      []HostGroupConfig `yaml:"hostGroups"`
	Tags            map[string]string `yaml:"tags,omitempty"`
}

func (c InfrastructureConfig) Validate() error {
	if c.ClusterIdentity == "" {
		return errors.New("clusterIdentity must not be empty")
	}
	if len(c.HostGroups) == 0 {
		return errors.New("hostGroups must contain at least one entry")
	}
	seen := make(map[Role]bool, len(c.HostGroups))
	for _, hg := range c.HostGroups {
		if err := hg.Validate(); err != nil {
			return err
		}
		if seen[hg.Role] {
			return errors.Errorf("duplicate host group for role %s", hg.Role)
		}
		seen[hg.Role] = true
	}
	if !seen[RoleWorker] {
		return errors.New("hostGroups must include a worker role to run the test matrix")
	}
	for k := range c.Tags {
		if k == "" {
			return errors.New("tag keys must not be empty")
		}
	}
	return nil
}

// RequiredTagKeys are the four keys every created cloud resource must
// carry. ExperimentID and Component are computed per-resource; Project and
// ManagedBy come from the tag-injection defaults.
var RequiredTagKeys = []string{"Project", "ExperimentID", "Component", "ManagedBy"}

// String renders a Role for use as a tag value or log field.
func (r Role) String() string { return string(r) }
