package provisioner

import (
	"encoding/json"

	"github.com/armadaproject/exparch/internal/orchestrator/config"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

// variablesDocument is the generated input document handed to the
// provisioner subprocess and persisted alongside the experiment as
// infra_vars.json.
type variablesDocument struct {
	ExperimentID    string                   `json:"experimentId"`
	ClusterIdentity string                   `json:"clusterIdentity"`
	HostGroups      []config.HostGroupConfig `json:"hostGroups"`
	Tags            map[string]string        `json:"tags"`
}

// BuildVariables renders the infrastructure config plus the default and
// CLI-supplied tags into the provisioner's input document. CLI tags are
// merged on top of and override the config's own tags.
func BuildVariables(experimentID string, infra config.InfrastructureConfig, cliTags map[string]string) ([]byte, error) {
	tags := make(map[string]string, len(infra.Tags)+len(cliTags)+2)
	for k, v := range infra.Tags {
		tags[k] = v
	}
	for k, v := range cliTags {
		tags[k] = v
	}
	tags["Project"] = infra.ClusterIdentity
	tags["ExperimentID"] = experimentID
	if _, ok := tags["ManagedBy"]; !ok {
		tags["ManagedBy"] = "exparch"
	}

	doc := variablesDocument{
		ExperimentID:    experimentID,
		ClusterIdentity: infra.ClusterIdentity,
		HostGroups:      infra.HostGroups,
		Tags:            tags,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ToFleet translates the provisioner's output document into a fleet.Fleet.
func ToFleet(out Output) fleet.Fleet {
	var hosts []fleet.Host
	for role, group := range out.Outputs {
		for _, h := range group {
			hosts = append(hosts, fleet.Host{
				ID:        h.ID,
				PrivateIP: h.PrivateIP,
				Role:      role,
				VolumeID:  h.VolumeID,
			})
		}
	}
	return fleet.Fleet{Hosts: hosts}
}
