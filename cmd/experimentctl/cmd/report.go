package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type matrixResultRow struct {
	Name    string `json:"name"`
	Skipped bool   `json:"skipped"`
	Failed  bool   `json:"failed"`
	Error   string `json:"error,omitempty"`
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Rebuild a summary report from an experiment's stored artefacts.",
		RunE:  runReport,
	}
	cmd.Flags().String("experiment-id", "", "experiment identity or \"latest\"")
	return cmd
}

func runReport(cmd *cobra.Command, _ []string) error {
	experimentID, _ := cmd.Flags().GetString("experiment-id")
	if experimentID == "" {
		return fmt.Errorf("%w: --experiment-id is required", errUsage)
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

	dir := d.Store.ExperimentDir(experimentID)
	data, err := os.ReadFile(filepath.Join(dir, "matrix_results.json"))
	if err != nil {
		return errors.Wrap(err, "reading matrix_results.json: run RunMatrix before requesting a report")
	}
	var rows []matrixResultRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return errors.Wrap(err, "parsing matrix_results.json")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "experiment %s\n", experimentID)
	for _, row := range rows {
		status := "ok"
		switch {
		case row.Skipped:
			status = "skipped"
		case row.Failed:
			status = "failed: " + row.Error
		}
		fmt.Fprintf(out, "  %-24s %s\n", row.Name, status)

		summaryPath := filepath.Join(d.Store.BenchmarkResultsDir(experimentID, row.Name), "summary.json")
		if summaryData, err := os.ReadFile(summaryPath); err == nil {
			var summary map[string]interface{}
			if json.Unmarshal(summaryData, &summary) == nil {
				fmt.Fprintf(out, "    achievedThroughput=%v\n", summary["achievedThroughput"])
			}
		}
	}
	return nil
}
