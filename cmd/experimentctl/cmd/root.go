// Package cmd implements the experimentctl CLI surface: a thin cobra shim
// over internal/orchestrator, structured the way cmd/armadactl lays out its
// own RootCmd and per-verb subcommand files.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
)

// errUsage marks an invalid invocation (missing/contradictory flags), which
// maps to exit code 2 rather than 1.
var errUsage = errors.New("invalid invocation")

// RootCmd assembles every subcommand. All other commands are registered
// here.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "experimentctl",
		Short:         "experimentctl drives ephemeral load-test clusters through their experiment lifecycle.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("store-root", "./experiments", "root directory of the experiment store")
	root.PersistentFlags().String("provisioner-bin", "./bin/provisioner", "path to the infrastructure provisioner binary")
	root.PersistentFlags().String("region", "us-east-1", "cloud region the fleet is provisioned in")
	root.PersistentFlags().String("ssm-document", "AWS-RunShellScript", "SSM document used to execute remote commands")
	for _, name := range []string{"store-root", "provisioner-bin", "region", "ssm-document"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}
	viper.SetEnvPrefix("exparch")
	viper.AutomaticEnv()

	root.AddCommand(
		fullCmd(),
		setupCmd(),
		runCmd(),
		reportCmd(),
		teardownCmd(),
		listCmd(),
	)

	return root
}

// Execute runs the root command and translates its outcome into a process
// exit code: 0 success, 1 operational failure, 2 invalid invocation, 130
// cancelled.
func Execute() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := RootCmd().ExecuteContext(ctx)
	return exitCode(ctx, err)
}

func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	if ctx.Err() != nil || orcherrors.Is(err, orcherrors.Cancelled) {
		return 130
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}

// rootContext derives an armadacontext.Context from a cobra command's
// context, picking up the cancellation signal.Notify installed in run().
func rootContext(cmd *cobra.Command) *armadacontext.Context {
	return armadacontext.New(cmd.Context(), armadacontext.Background().Log)
}
