package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/armadaproject/exparch/internal/orchestrator/config"
)

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Init, Provision, and Converge a cluster, leaving it running.",
		RunE:  runSetup,
	}
	cmd.Flags().String("config", "", "path to the infrastructure configuration document")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return fmt.Errorf("%w: --config is required", errUsage)
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

	experimentID, err := d.Sequencer.Init(time.Now())
	if err != nil {
		return err
	}

	ctx.Log.WithField("experiment_id", experimentID).Info("provisioning and converging")
	if _, err := d.Sequencer.Setup(ctx, experimentID, infra, nil); err != nil {
		// A failed setup must still reclaim whatever it created, even
		// though a successful setup deliberately leaves the cluster
		// running for a later `run` invocation.
		return d.Sequencer.Teardown(ctx, experimentID, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), experimentID)
	return nil
}
