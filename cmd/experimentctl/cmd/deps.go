package cmd

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/exparch/internal/orchestrator/cloudapi"
	"github.com/armadaproject/exparch/internal/orchestrator/controlplane"
	"github.com/armadaproject/exparch/internal/orchestrator/executor"
	"github.com/armadaproject/exparch/internal/orchestrator/prober"
	"github.com/armadaproject/exparch/internal/orchestrator/provisioner"
	"github.com/armadaproject/exparch/internal/orchestrator/sequencer"
	"github.com/armadaproject/exparch/internal/orchestrator/store"
)

// deps bundles the collaborators every subcommand wires into a Sequencer,
// built once from the persistent flags.
type deps struct {
	Store      *store.Store
	Sequencer  *sequencer.Sequencer
}

func buildDeps(ctx context.Context) (*deps, error) {
	storeRoot := viper.GetString("store-root")
	provisionerBin := viper.GetString("provisioner-bin")
	region := viper.GetString("region")
	ssmDocument := viper.GetString("ssm-document")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS configuration")
	}

	ec2Client := ec2.NewFromConfig(awsCfg)
	ssmClient := ssm.NewFromConfig(awsCfg)

	st := store.New(storeRoot)
	cloud := cloudapi.New(ec2Client)
	cp := controlplane.NewSSMControlPlane(ssmClient, ssmDocument)
	agents := controlplane.NewSSMAgentInventory(ssmClient)
	exec := executor.New(cp)
	prov := provisioner.New(provisionerBin)

	seq := sequencer.New(st, prov, cloud, cp, agents, exec, prober.DefaultServiceProbe)

	return &deps{Store: st, Sequencer: seq}, nil
}

// parseTags turns a repeated --tag k=v flag into a map. These are merged
// with the provisioner's default tags at apply time.
func parseTags(cmd *cobra.Command, flagName string) (map[string]string, error) {
	raw, err := cmd.Flags().GetStringArray(flagName)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := splitTag(kv)
		if !ok {
			return nil, errors.Wrapf(errUsage, "invalid --tag %q, expected k=v", kv)
		}
		tags[key] = value
	}
	return tags, nil
}

func splitTag(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
