package provisioner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/exparch/internal/orchestrator/config"
)

func TestBuildVariables_MergesTagsAndDefaults(t *testing.T) {
	infra := config.InfrastructureConfig{
		ClusterIdentity: "load-test-1",
		Tags:            map[string]string{"Owner": "team-a"},
	}
	data, err := BuildVariables("exp-1", infra, map[string]string{"Sprint": "42"})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	tags := doc["tags"].(map[string]interface{})
	assert.Equal(t, "team-a", tags["Owner"])
	assert.Equal(t, "42", tags["Sprint"])
	assert.Equal(t, "load-test-1", tags["Project"])
	assert.Equal(t, "exp-1", tags["ExperimentID"])
	assert.Equal(t, "exparch", tags["ManagedBy"])
}

func TestBuildVariables_CLITagsOverrideConfigTags(t *testing.T) {
	infra := config.InfrastructureConfig{Tags: map[string]string{"Owner": "team-a"}}
	data, err := BuildVariables("exp-1", infra, map[string]string{"Owner": "team-b"})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	tags := doc["tags"].(map[string]interface{})
	assert.Equal(t, "team-b", tags["Owner"])
}

func TestToFleet_TranslatesOutputsByRole(t *testing.T) {
	out := Output{
		OK: true,
		Outputs: map[config.Role][]HostOutput{
			config.RoleWorker: {{ID: "i-1", PrivateIP: "10.0.0.1"}},
			config.RoleStorage: {{ID: "i-2", PrivateIP: "10.0.0.2", VolumeID: "vol-1"}},
		},
	}
	fl := ToFleet(out)
	require.Len(t, fl.Hosts, 2)

	workers := fl.ByRole(config.RoleWorker)
	require.Len(t, workers, 1)
	assert.Equal(t, "i-1", workers[0].ID)

	storage := fl.ByRole(config.RoleStorage)
	require.Len(t, storage, 1)
	assert.Equal(t, "vol-1", storage[0].VolumeID)
}
