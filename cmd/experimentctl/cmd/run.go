package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/armadaproject/exparch/internal/orchestrator/config"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "RunMatrix and Report against an already-converged cluster.",
		RunE:  runRunMatrix,
	}
	cmd.Flags().String("test-plan", "", "path to the test plan document")
	cmd.Flags().String("experiment-id", "", "experiment identity or \"latest\"")
	return cmd
}

func runRunMatrix(cmd *cobra.Command, _ []string) error {
	testPlanPath, _ := cmd.Flags().GetString("test-plan")
	experimentID, _ := cmd.Flags().GetString("experiment-id")
	if testPlanPath == "" || experimentID == "" {
		return fmt.Errorf("%w: --test-plan and --experiment-id are required", errUsage)
	}

	ctx := rootContext(cmd)
	d, err := buildDeps(ctx.Context)
	if err != nil {
		return err
	}

	experimentID, err = d.Store.Resolve(experimentID)
	if err != nil {
		return err
	}
	plan, err := config.LoadTestPlan(testPlanPath)
	if err != nil {
		return err
	}
	fl, err := d.Sequencer.LoadFleet(experimentID)
	if err != nil {
		return err
	}

	ctx.Log.WithField("experiment_id", experimentID).Info("running test matrix on existing cluster")
	if err := d.Sequencer.Run(ctx, experimentID, plan, fl); err != nil {
		return err
	}
	return d.Sequencer.Report(ctx, experimentID)
}
