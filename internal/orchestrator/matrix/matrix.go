// Package matrix implements the test-matrix runner: it iterates a test
// plan's variants in declared order, each driving the Executor to deliver a
// workload artefact and collect results while the Sampler runs in
// parallel, tracking a plateau policy's consecutive-deviation budget.
package matrix

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/orchestrator/config"
	"github.com/armadaproject/exparch/internal/orchestrator/executor"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
	"github.com/armadaproject/exparch/internal/orchestrator/sampler"
	"github.com/armadaproject/exparch/internal/orchestrator/store"
)

// slack is the deadline padding added on top of test+warmup duration, on
// both sides: deadline = test_duration + warmup_duration + 2 x slack.
const slack = 30 * time.Second

// workloadArtefactPath is the deterministic upload path on the worker.
const workloadArtefactPath = "/tmp/exparch-workload.json"

// benchmarkOutputPath is the deterministic path the benchmark binary writes
// its result to.
const benchmarkOutputPath = "/tmp/exparch-benchmark-output.json"

// Summary is the parsed benchmark output: throughput and percentiles.
type Summary struct {
	AchievedThroughput float64            `json:"achievedThroughput"`
	Percentiles        map[string]float64 `json:"percentiles"`
}

// Runner drives the matrix against a fleet's worker hosts.
type Runner struct {
	ExperimentID string
	Plan         config.TestPlan
	Workers      []fleet.Host
	Executor     *executor.Executor
	Store        *store.Store
	SamplerHosts []fleet.Host
}

// VariantResult records one variant's terminal outcome. A variant is
// either fully successful or fully failed, never a partial mixture.
type VariantResult struct {
	Name    string
	Skipped bool
	Failed  bool
	Error   error
}

// Run executes every variant in declared order, returning per-variant
// results. A variant failure does not abort the matrix; only the plateau
// policy's consecutive-deviation budget can terminate it early, by
// skipping the remaining variants. If ctx is cancelled, the in-flight
// variant is recorded as cancelled and every variant after it is left
// un-run rather than started.
func (r *Runner) Run(ctx *armadacontext.Context) ([]VariantResult, error) {
	if len(r.Workers) == 0 {
		return nil, orcherrors.New(orcherrors.ConfigInvalid, "run-matrix", "matrix-runner", "no worker hosts available")
	}

	results := make([]VariantResult, 0, len(r.Plan.Variants))
	consecutiveFails := 0
	skipRemaining := false

	for i, variant := range r.Plan.Variants {
		variantCtx := armadacontext.WithLogField(ctx, "variant", variant.Name)

		if ctx.Err() != nil {
			variantCtx.Log.Warn("cancelled before starting variant, leaving remaining variants un-run")
			break
		}

		if skipRemaining {
			variantCtx.Log.Info("skipping variant: plateau policy consecutive-failure budget reached")
			if err := r.writeSkipped(variant.Name); err != nil {
				variantCtx.Log.WithError(err).Warn("failed to write skipped marker")
			}
			results = append(results, VariantResult{Name: variant.Name, Skipped: true})
			continue
		}

		worker := r.Workers[i%len(r.Workers)]
		summary, err := r.runVariant(variantCtx, worker, variant)
		if err != nil {
			if ctx.Err() != nil || orcherrors.Is(err, orcherrors.Cancelled) {
				variantCtx.Log.WithError(err).Warn("variant cancelled")
				results = append(results, VariantResult{Name: variant.Name, Failed: true, Error: err})
				break
			}
			variantCtx.Log.WithError(err).Error("variant failed")
			results = append(results, VariantResult{Name: variant.Name, Failed: true, Error: err})
			continue
		}

		results = append(results, VariantResult{Name: variant.Name})

		if r.Plan.PlateauPolicy != nil && variant.Kind != config.KindMaxRate {
			deviated := deviationExceeds(float64(variant.TargetRate), summary.AchievedThroughput, r.Plan.PlateauPolicy.AllowedDeviationPercent)
			if deviated {
				consecutiveFails++
				variantCtx.Log.WithField("consecutive_fails", consecutiveFails).Warn("variant deviated from plateau policy target")
				if consecutiveFails >= r.Plan.PlateauPolicy.ConsecutiveFailsAllowed {
					skipRemaining = true
				}
			} else {
				consecutiveFails = 0
			}
		}
	}

	return results, nil
}

// wrapExecutionError wraps err as ExecutionFailed, unless err is already a
// Cancelled error (e.g. from Executor.Run observing ctx cancellation), in
// which case the Cancelled kind is preserved rather than masked.
func wrapExecutionError(err error, host string) error {
	kind := orcherrors.ExecutionFailed
	if orcherrors.Is(err, orcherrors.Cancelled) {
		kind = orcherrors.Cancelled
	}
	return orcherrors.Wrap(kind, "run-matrix", "matrix-runner", err).WithHost(host)
}

func deviationExceeds(target, achieved, allowedPercent float64) bool {
	if target == 0 {
		return false
	}
	deviation := (achieved - target) / target * 100
	if deviation < 0 {
		deviation = -deviation
	}
	return deviation > allowedPercent
}

func (r *Runner) runVariant(ctx *armadacontext.Context, worker fleet.Host, variant config.TestVariant) (Summary, error) {
	// Step 1: merge + serialise.
	workload, err := config.MergeWorkload(r.Plan.BaseWorkload, variant.WorkloadOverrides)
	if err != nil {
		return Summary{}, orcherrors.Wrap(orcherrors.ConfigInvalid, "run-matrix", "matrix-runner", err).WithHost(worker.ID)
	}
	artefact, err := config.SerialiseStable(workload)
	if err != nil {
		return Summary{}, orcherrors.Wrap(orcherrors.Internal, "run-matrix", "matrix-runner", err).WithHost(worker.ID)
	}
	if err := r.recordManifest(variant.Name, artefact); err != nil {
		ctx.Log.WithError(err).Warn("failed to record manifest copy")
	}

	deadline := workload.TestDuration + workload.WarmupDuration + 2*slack
	resultsDir := r.Store.BenchmarkResultsDir(r.ExperimentID, variant.Name)

	// Step 3: upload.
	if err := r.Executor.Upload(ctx, worker, workloadArtefactPath, artefact, deadline); err != nil {
		if mkErr := os.MkdirAll(resultsDir, 0o755); mkErr == nil {
			if writeErr := r.writeTerminalError(resultsDir, err); writeErr != nil {
				ctx.Log.WithError(writeErr).Warn("failed to write terminal error record")
			}
		}
		return Summary{}, wrapExecutionError(err, worker.ID)
	}

	// Step 4: start sampler.
	smp := sampler.New(ctx, r.Executor, r.SamplerHosts, sampler.DefaultInterval)
	smp.Start()

	// Step 5: invoke benchmark.
	benchCmd := fmt.Sprintf("exparch-benchmark --workload %s --output %s", workloadArtefactPath, benchmarkOutputPath)
	_, runErr := r.Executor.Run(ctx, worker, benchCmd, deadline)

	// Step 6: stop sampler regardless of outcome, attach its series.
	smp.Stop()
	metricsDir := r.Store.MetricsDir(r.ExperimentID, variant.Name)
	if flushErr := smp.Flush(metricsDir); flushErr != nil {
		ctx.Log.WithError(flushErr).Warn("failed to flush sampler series")
	}

	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return Summary{}, orcherrors.Wrap(orcherrors.Internal, "run-matrix", "matrix-runner", err).WithHost(worker.ID)
	}

	if runErr != nil {
		if writeErr := r.writeTerminalError(resultsDir, runErr); writeErr != nil {
			ctx.Log.WithError(writeErr).Warn("failed to write terminal error record")
		}
		return Summary{}, runErr
	}

	// Step 7: download + parse.
	raw, err := r.Executor.Download(ctx, worker, benchmarkOutputPath, deadline)
	if err != nil {
		_ = r.writeTerminalError(resultsDir, err)
		return Summary{}, wrapExecutionError(err, worker.ID)
	}

	var summary Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		_ = r.writeTerminalError(resultsDir, err)
		return Summary{}, orcherrors.Wrap(orcherrors.Internal, "run-matrix", "matrix-runner", errors.Wrap(err, "parsing benchmark output")).WithHost(worker.ID)
	}
	if err := os.WriteFile(filepath.Join(resultsDir, "raw.json"), raw, 0o644); err != nil {
		return Summary{}, orcherrors.Wrap(orcherrors.Internal, "run-matrix", "matrix-runner", err).WithHost(worker.ID)
	}
	parsed, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return Summary{}, orcherrors.Wrap(orcherrors.Internal, "run-matrix", "matrix-runner", err).WithHost(worker.ID)
	}
	if err := os.WriteFile(filepath.Join(resultsDir, "summary.json"), parsed, 0o644); err != nil {
		return Summary{}, orcherrors.Wrap(orcherrors.Internal, "run-matrix", "matrix-runner", err).WithHost(worker.ID)
	}

	return summary, nil
}

func (r *Runner) recordManifest(variantName string, artefact []byte) error {
	dir := r.Store.ManifestsDir(r.ExperimentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, variantName+".json"), artefact, 0o644)
}

// writeTerminalError records a variant's failure record: a failed
// variant's directory contains exactly the terminal error record, nothing
// else. A cancelled variant gets a distinct "Cancelled" status rather than
// "Failed", so post-mortem tooling can tell the two apart.
func (r *Runner) writeTerminalError(resultsDir string, cause error) error {
	status := "Failed"
	if orcherrors.Is(cause, orcherrors.Cancelled) {
		status = "Cancelled"
	}
	record := map[string]string{
		"status": status,
		"error":  cause.Error(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(resultsDir, "terminal.json"), data, 0o644)
}

// writeSkipped marks a variant as skipped rather than failed: a
// plateau-triggered skip is a distinct terminal state from an execution
// failure.
func (r *Runner) writeSkipped(variantName string) error {
	dir := r.Store.BenchmarkResultsDir(r.ExperimentID, variantName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	record := map[string]string{"status": "Skipped", "reason": "plateau policy consecutive-failure budget reached"}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "skipped.json"), data, 0o644)
}
