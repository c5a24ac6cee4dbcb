// Package sequencer implements the phase sequencer: the state
// machine that drives an experiment through Init, Provision, Converge,
// RunMatrix, Report, and Teardown, guaranteeing that every code path which
// created cloud resources either completes Teardown or invokes the
// Reclaimer before returning.
package sequencer

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/orchestrator/cloudapi"
	"github.com/armadaproject/exparch/internal/orchestrator/config"
	"github.com/armadaproject/exparch/internal/orchestrator/controlplane"
	"github.com/armadaproject/exparch/internal/orchestrator/executor"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
	"github.com/armadaproject/exparch/internal/orchestrator/matrix"
	"github.com/armadaproject/exparch/internal/orchestrator/prober"
	"github.com/armadaproject/exparch/internal/orchestrator/provisioner"
	"github.com/armadaproject/exparch/internal/orchestrator/reclaim"
	"github.com/armadaproject/exparch/internal/orchestrator/store"
)

// Phase is one state of the experiment state machine.
type Phase string

const (
	PhaseInit       Phase = "Init"
	PhaseProvision  Phase = "Provision"
	PhaseConverge   Phase = "Converge"
	PhaseRunMatrix  Phase = "RunMatrix"
	PhaseReport     Phase = "Report"
	PhaseTeardown   Phase = "Teardown"
	PhaseSucceeded  Phase = "Succeeded"
	PhaseFailed     Phase = "Failed"
)

// TerminalRecord is written to the experiment directory's root on every
// exit path, giving `list` and post-mortem tooling something to read
// without replaying the log.
type TerminalRecord struct {
	ExperimentID string    `json:"experimentId"`
	Phase        Phase     `json:"phase"`
	Succeeded    bool      `json:"succeeded"`
	ReclaimClean bool      `json:"reclaimClean"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Sequencer wires every component together.
type Sequencer struct {
	Store        *store.Store
	Provisioner  *provisioner.Provisioner
	Cloud        *cloudapi.Client
	ControlPlane controlplane.ControlPlane
	Agents       controlplane.AgentInventory
	Executor     *executor.Executor
	ServiceProbe prober.ServiceProbe

	entropy io.Reader
}

// New wires a Sequencer from its collaborators.
func New(st *store.Store, prov *provisioner.Provisioner, cloud *cloudapi.Client, cp controlplane.ControlPlane, agents controlplane.AgentInventory, exec *executor.Executor, serviceProbe prober.ServiceProbe) *Sequencer {
	return &Sequencer{
		Store:        st,
		Provisioner:  prov,
		Cloud:        cloud,
		ControlPlane: cp,
		Agents:       agents,
		Executor:     exec,
		ServiceProbe: serviceProbe,
		entropy:      store.NewEntropySource(rand.Reader),
	}
}

// Init mints an experiment identity and initialises its Store directory and
// `latest` pointer, before any cloud work begins.
func (s *Sequencer) Init(now time.Time) (string, error) {
	experimentID := store.NewExperimentID(now, s.entropy)
	if err := s.Store.Init(experimentID); err != nil {
		return "", orcherrors.Wrap(orcherrors.Internal, string(PhaseInit), "sequencer", err)
	}
	return experimentID, nil
}

// RunFull composes Setup, Run, and Report, guaranteeing Teardown (or
// Reclaimer) runs on every exit path.
func (s *Sequencer) RunFull(ctx *armadacontext.Context, experimentID string, infra config.InfrastructureConfig, cliTags map[string]string, plan config.TestPlan) (err error) {
	phase := PhaseProvision
	defer func() {
		teardownErr := s.teardownFromAnyPhase(ctx, experimentID, phase, err)
		if err == nil {
			err = teardownErr
		}
	}()

	fl, err := s.Setup(ctx, experimentID, infra, cliTags)
	if err != nil {
		return err
	}
	phase = PhaseRunMatrix

	if err = s.Run(ctx, experimentID, plan, fl); err != nil {
		// A failed matrix run does not abort RunFull; Report still runs on
		// matrix completion regardless of per-variant outcome. Only an
		// infrastructure-level error here (not a per-variant one)
		// should reach this point.
		return err
	}
	phase = PhaseReport

	if err = s.Report(ctx, experimentID); err != nil {
		return err
	}
	phase = PhaseSucceeded
	return nil
}

// Setup runs Provision then Converge, returning the provisioned Fleet.
func (s *Sequencer) Setup(ctx *armadacontext.Context, experimentID string, infra config.InfrastructureConfig, cliTags map[string]string) (fleet.Fleet, error) {
	provisionCtx := armadacontext.WithLogFields(ctx, map[string]interface{}{"phase": PhaseProvision, "experiment_id": experimentID})
	provisionCtx.Log.Info("provisioning infrastructure")

	variables, err := provisioner.BuildVariables(experimentID, infra, cliTags)
	if err != nil {
		return fleet.Fleet{}, orcherrors.Wrap(orcherrors.ConfigInvalid, string(PhaseProvision), "sequencer", err)
	}
	if err := s.Store.WriteInfraVars(experimentID, variables); err != nil {
		provisionCtx.Log.WithError(err).Warn("failed to persist infra_vars.json")
	}

	out, err := s.Provisioner.Apply(provisionCtx, experimentID, variables)
	if err != nil {
		return fleet.Fleet{}, orcherrors.Wrap(orcherrors.ProvisionerFailed, string(PhaseProvision), "sequencer", err)
	}
	fl := provisioner.ToFleet(out)

	convergeCtx := armadacontext.WithLogField(ctx, "phase", PhaseConverge)
	convergeCtx.Log.Info("waiting for fleet readiness")

	p := prober.New(experimentID, s.Cloud, s.Agents, s.Executor, s.ServiceProbe)
	if err := p.Wait(convergeCtx, fl); err != nil {
		return fleet.Fleet{}, err
	}

	if err := s.Store.WriteFleet(experimentID, fl); err != nil {
		convergeCtx.Log.WithError(err).Warn("failed to persist fleet.json")
	}

	return fl, nil
}

// LoadFleet reloads the fleet a prior Setup call persisted, for `run` and
// `teardown` invocations against an already-provisioned experiment.
func (s *Sequencer) LoadFleet(experimentID string) (fleet.Fleet, error) {
	var fl fleet.Fleet
	if err := s.Store.ReadFleet(experimentID, &fl); err != nil {
		return fleet.Fleet{}, orcherrors.Wrap(orcherrors.Internal, string(PhaseRunMatrix), "sequencer", err)
	}
	return fl, nil
}

// Run executes the test matrix against an already-converged fleet.
func (s *Sequencer) Run(ctx *armadacontext.Context, experimentID string, plan config.TestPlan, fl fleet.Fleet) error {
	runCtx := armadacontext.WithLogField(ctx, "phase", PhaseRunMatrix)
	runCtx.Log.Info("running test matrix")

	samplerHosts := append(fl.ByRole(config.RoleBroker), fl.ByRole(config.RoleStorage)...)
	runner := &matrix.Runner{
		ExperimentID: experimentID,
		Plan:         plan,
		Workers:      fl.Workers(),
		Executor:     s.Executor,
		Store:        s.Store,
		SamplerHosts: samplerHosts,
	}
	results, err := runner.Run(runCtx)
	if err != nil {
		return err
	}

	return s.writeMatrixResults(experimentID, results)
}

func (s *Sequencer) writeMatrixResults(experimentID string, results []matrix.VariantResult) error {
	type row struct {
		Name    string `json:"name"`
		Skipped bool   `json:"skipped"`
		Failed  bool   `json:"failed"`
		Error   string `json:"error,omitempty"`
	}
	rows := make([]row, len(results))
	for i, r := range results {
		rr := row{Name: r.Name, Skipped: r.Skipped, Failed: r.Failed}
		if r.Error != nil {
			rr.Error = r.Error.Error()
		}
		rows[i] = rr
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	dir := s.Store.ExperimentDir(experimentID)
	return os.WriteFile(filepath.Join(dir, "matrix_results.json"), data, 0o644)
}

// Report is a no-op placeholder: matrix results are already written to the
// Store as each variant completes, so Report's only remaining duty is the
// phase transition itself.
func (s *Sequencer) Report(ctx *armadacontext.Context, experimentID string) error {
	armadacontext.WithLogField(ctx, "phase", PhaseReport).Log.Info("report phase complete")
	return nil
}

// Teardown runs the Reclaimer and writes a terminal record. It is invoked
// both from RunFull's guaranteed cleanup path and directly by the `teardown`
// CLI command for crash-path recovery. The Reclaimer runs under a fresh
// background context, so cancelling ctx does not interrupt it.
func (s *Sequencer) Teardown(ctx *armadacontext.Context, experimentID string, causal error) error {
	teardownCtx := armadacontext.WithLogField(ctx, "phase", PhaseTeardown)
	if causal != nil {
		teardownCtx.Log.WithError(causal).Error("tearing down after failure")
	} else {
		teardownCtx.Log.Info("tearing down")
	}

	r := reclaim.New(s.Cloud, s.Provisioner)
	reclaimErr := r.Graceful(armadacontext.Background(), experimentID)

	plan, planErr := r.Plan(teardownCtx, experimentID)
	clean := planErr == nil && plan.Empty()
	if !clean && planErr == nil {
		teardownCtx.Log.WithField("outstanding_kinds", plan.OutstandingKinds()).Warn("teardown did not leave a clean reclaim plan")
	}

	record := TerminalRecord{
		ExperimentID: experimentID,
		Phase:        PhaseTeardown,
		Succeeded:    causal == nil && reclaimErr == nil,
		ReclaimClean: clean,
		FinishedAt:   time.Now(),
	}
	if causal != nil {
		record.Error = causal.Error()
	} else if reclaimErr != nil {
		record.Error = reclaimErr.Error()
	}
	if !record.Succeeded {
		record.Phase = PhaseFailed
	} else {
		record.Phase = PhaseSucceeded
	}

	if err := s.writeTerminalRecord(experimentID, record); err != nil {
		teardownCtx.Log.WithError(err).Warn("failed to write terminal record")
	}

	if causal != nil {
		return causal
	}
	return reclaimErr
}

func (s *Sequencer) writeTerminalRecord(experimentID string, record TerminalRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	dir := s.Store.ExperimentDir(experimentID)
	return os.WriteFile(filepath.Join(dir, "terminal.json"), data, 0o644)
}

// teardownFromAnyPhase runs Teardown from any phase on failure, and also
// runs it on success so the terminal
// record and reclaim-clean check are consistently produced.
func (s *Sequencer) teardownFromAnyPhase(ctx *armadacontext.Context, experimentID string, phase Phase, causal error) error {
	if causal != nil {
		causal = orcherrors.Wrap(orcherrors.KindOf(causal), string(phase), "sequencer", causal)
	}
	return s.Teardown(ctx, experimentID, causal)
}
