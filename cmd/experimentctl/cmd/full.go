package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/armadaproject/exparch/internal/orchestrator/config"
)

func fullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "full",
		Short: "Run the complete experiment lifecycle: Init, Provision, Converge, RunMatrix, Report, Teardown.",
		RunE:  runFull,
	}
	cmd.Flags().String("config", "", "path to the infrastructure configuration document")
	cmd.Flags().String("test-plan", "", "path to the test plan document")
	cmd.Flags().String("experiment-id", "", "reuse an existing experiment identity instead of minting a new one")
	cmd.Flags().StringArray("tag", nil, "additional cloud tag k=v, may be repeated")
	return cmd
}

func runFull(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	testPlanPath, _ := cmd.Flags().GetString("test-plan")
	experimentID, _ := cmd.Flags().GetString("experiment-id")
	if configPath == "" || testPlanPath == "" {
		return fmt.Errorf("%w: --config and --test-plan are required", errUsage)
	}
	tags, err := parseTags(cmd, "tag")
	if err != nil {
		return err
	}

	ctx := rootContext(cmd)
	d, err := buildDeps(ctx.Context)
	if err != nil {
		return err
	}

	infra, err := config.LoadInfrastructureConfig(configPath)
	if err != nil {
		return err
	}
	plan, err := config.LoadTestPlan(testPlanPath)
	if err != nil {
		return err
	}

	if experimentID == "" {
		experimentID, err = d.Sequencer.Init(time.Now())
		if err != nil {
			return err
		}
	} else if err := d.Store.Init(experimentID); err != nil {
		return err
	}

	ctx.Log.WithField("experiment_id", experimentID).Info("starting full lifecycle")
	err = d.Sequencer.RunFull(ctx, experimentID, infra, tags, plan)
	fmt.Fprintln(cmd.OutOrStdout(), experimentID)
	return err
}
