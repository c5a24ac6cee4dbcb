package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/orchestrator/reclaim"
)

func teardownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Reclaim an experiment's cloud footprint by tag, independent of provisioner state.",
		RunE:  runTeardown,
	}
	cmd.Flags().String("experiment-id", "", "experiment identity or \"latest\"")
	cmd.Flags().Bool("dry-run", false, "enumerate the reclaim target set without destroying anything")
	return cmd
}

func runTeardown(cmd *cobra.Command, _ []string) error {
	experimentID, _ := cmd.Flags().GetString("experiment-id")
	if experimentID == "" {
		return fmt.Errorf("%w: --experiment-id is required", errUsage)
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx := rootContext(cmd)
	d, err := buildDeps(ctx.Context)
	if err != nil {
		return err
	}
	experimentID, err = d.Store.Resolve(experimentID)
	if err != nil {
		return err
	}

	if dryRun {
		return runTeardownDryRun(cmd, ctx, d, experimentID)
	}

	ctx.Log.WithField("experiment_id", experimentID).Info("tearing down by tag")
	return d.Sequencer.Teardown(ctx, experimentID, nil)
}

func runTeardownDryRun(cmd *cobra.Command, ctx *armadacontext.Context, d *deps, experimentID string) error {
	r := reclaim.New(d.Sequencer.Cloud, d.Sequencer.Provisioner)
	plan, err := r.Plan(ctx, experimentID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding reclaim plan")
	}
	planPath := filepath.Join(d.Store.ManifestsDir(experimentID), "reclaim-plan.json")
	if err := os.WriteFile(planPath, data, 0o644); err != nil {
		return errors.Wrap(err, "writing reclaim plan")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "experiment %s: reclaim plan written to %s\n", experimentID, planPath)
	if plan.Empty() {
		fmt.Fprintln(out, "  no resources found")
	} else {
		for _, kind := range plan.OutstandingKinds() {
			fmt.Fprintf(out, "  %s: %d resource(s)\n", kind, len(plan.Resources[kind]))
		}
	}
	return nil
}
