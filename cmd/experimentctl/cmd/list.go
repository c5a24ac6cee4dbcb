package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/armadaproject/exparch/internal/orchestrator/sequencer"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Enumerate experiments known to the store, newest first.",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := rootContext(cmd)
	d, err := buildDeps(ctx.Context)
	if err != nil {
		return err
	}

	ids, err := d.Store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, id := range ids {
		phase, clean := "running", false
		record, err := os.ReadFile(filepath.Join(d.Store.ExperimentDir(id), "terminal.json"))
		if err == nil {
			var tr sequencer.TerminalRecord
			if json.Unmarshal(record, &tr) == nil {
				phase, clean = string(tr.Phase), tr.ReclaimClean
			}
		}
		fmt.Fprintf(out, "%s\tphase=%s\treclaimClean=%t\n", id, phase, clean)
	}
	return nil
}
