package controlplane

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/pkg/errors"
)

// AgentInventory is the control-plane agent-registration query the
// Prober's agents-online stage depends on.
type AgentInventory interface {
	// OnlineHostIDs returns the set of host identifiers with an active
	// agent registration, out of the given candidate set.
	OnlineHostIDs(ctx context.Context, hostIDs []string) (map[string]bool, error)
}

type ssmInventoryClient interface {
	DescribeInstanceInformation(ctx context.Context, params *ssm.DescribeInstanceInformationInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
}

// SSMAgentInventory implements AgentInventory against SSM's managed-instance
// registration, which is how an agent reports itself as reachable.
type SSMAgentInventory struct {
	client ssmInventoryClient
}

// NewSSMAgentInventory wraps an SSM client.
func NewSSMAgentInventory(client *ssm.Client) *SSMAgentInventory {
	return &SSMAgentInventory{client: client}
}

func (a *SSMAgentInventory) OnlineHostIDs(ctx context.Context, hostIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(hostIDs))
	for _, id := range hostIDs {
		online[id] = false
	}

	// Filtering is done client-side against hostIDs rather than via the
	// SSM filter list, since the candidate set is already known and small.
	var nextToken *string
	for {
		out, err := a.client.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
			NextToken: nextToken,
		})
		if err != nil {
			return nil, errors.Wrap(err, "ssm DescribeInstanceInformation")
		}
		for _, info := range out.InstanceInformationList {
			if info.InstanceId == nil || info.PingStatus != "Online" {
				continue
			}
			if _, wanted := online[*info.InstanceId]; wanted {
				online[*info.InstanceId] = true
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		nextToken = out.NextToken
	}
	return online, nil
}
