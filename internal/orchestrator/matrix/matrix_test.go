package matrix

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/orchestrator/config"
	"github.com/armadaproject/exparch/internal/orchestrator/controlplane"
	"github.com/armadaproject/exparch/internal/orchestrator/executor"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
	"github.com/armadaproject/exparch/internal/orchestrator/store"
)

func TestDeviationExceeds(t *testing.T) {
	assert.False(t, deviationExceeds(1000, 950, 10))
	assert.True(t, deviationExceeds(1000, 800, 10))
	assert.False(t, deviationExceeds(0, 500, 10), "no target rate never deviates")
}

// scriptedControlPlane always terminates every command successfully. Reads
// of the benchmark output path return a fixed summary document; all other
// commands (upload chunks, the benchmark invocation itself) are accepted
// without inspection.
type scriptedControlPlane struct {
	summary []byte
	failRun bool
}

func (s *scriptedControlPlane) SubmitCommand(ctx context.Context, hostID, payload string) (string, error) {
	return "cmd", nil
}

func (s *scriptedControlPlane) GetInvocation(ctx context.Context, hostID, commandID string) (controlplane.Invocation, error) {
	if s.failRun {
		return controlplane.Invocation{Status: controlplane.Failed, Stderr: "benchmark crashed"}, nil
	}
	return controlplane.Invocation{Status: controlplane.Success, Stdout: string(s.summary)}, nil
}

func (s *scriptedControlPlane) CancelCommand(ctx context.Context, hostID, commandID string) error {
	return nil
}

// cancellingControlPlane lets every command succeed up to a fixed call
// count, then cancels the run's context and stalls every subsequent poll at
// a non-terminal status, simulating a SIGINT that lands mid-variant.
type cancellingControlPlane struct {
	mu          sync.Mutex
	calls       int
	cancelAfter int
	cancel      context.CancelFunc
	summary     []byte
}

func (c *cancellingControlPlane) SubmitCommand(ctx context.Context, hostID, payload string) (string, error) {
	return "cmd", nil
}

func (c *cancellingControlPlane) GetInvocation(ctx context.Context, hostID, commandID string) (controlplane.Invocation, error) {
	c.mu.Lock()
	c.calls++
	pastThreshold := c.calls > c.cancelAfter
	if c.calls == c.cancelAfter {
		c.cancel()
	}
	c.mu.Unlock()

	if pastThreshold {
		return controlplane.Invocation{Status: controlplane.InProgress}, nil
	}
	return controlplane.Invocation{Status: controlplane.Success, Stdout: string(c.summary)}, nil
}

func (c *cancellingControlPlane) CancelCommand(ctx context.Context, hostID, commandID string) error {
	return nil
}

func testPlan() config.TestPlan {
	return config.TestPlan{
		Name: "matrix-a",
		BaseWorkload: config.WorkloadConfig{
			Topics: 1, Partitions: 1, ProducerCount: 1, ConsumerCount: 1,
			MessageSize:    config.MessageSize{Fixed: 128},
			TestDuration:   time.Second,
			WarmupDuration: time.Millisecond,
		},
		Variants: []config.TestVariant{
			{Name: "warm", Kind: config.KindFixedRate, TargetRate: 100},
		},
	}
}

func TestRun_SingleVariantSucceeds(t *testing.T) {
	summary, err := json.Marshal(Summary{AchievedThroughput: 100})
	require.NoError(t, err)

	cp := &scriptedControlPlane{summary: summary}
	st := store.New(t.TempDir())
	experimentID := "exp-matrix-test"
	require.NoError(t, st.Init(experimentID))

	r := &Runner{
		ExperimentID: experimentID,
		Plan:         testPlan(),
		Workers:      []fleet.Host{{ID: "worker-1", Role: config.RoleWorker}},
		Executor:     executor.New(cp),
		Store:        st,
	}
	r.Executor.Backoff.Initial = time.Millisecond
	r.Executor.Backoff.Max = 2 * time.Millisecond

	results, err := r.Run(armadacontext.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed)
	assert.False(t, results[0].Skipped)

	summaryPath := filepath.Join(st.BenchmarkResultsDir(experimentID, "warm"), "summary.json")
	assert.FileExists(t, summaryPath)
}

func TestRun_NoWorkersIsConfigError(t *testing.T) {
	st := store.New(t.TempDir())
	r := &Runner{Plan: testPlan(), Executor: executor.New(&scriptedControlPlane{}), Store: st}
	_, err := r.Run(armadacontext.Background())
	assert.Error(t, err)
}

func TestRun_FailedVariantWritesTerminalError(t *testing.T) {
	cp := &scriptedControlPlane{failRun: true}
	st := store.New(t.TempDir())
	experimentID := "exp-matrix-fail"
	require.NoError(t, st.Init(experimentID))

	r := &Runner{
		ExperimentID: experimentID,
		Plan:         testPlan(),
		Workers:      []fleet.Host{{ID: "worker-1", Role: config.RoleWorker}},
		Executor:     executor.New(cp),
		Store:        st,
	}
	r.Executor.Backoff.Initial = time.Millisecond
	r.Executor.Backoff.Max = 2 * time.Millisecond

	results, err := r.Run(armadacontext.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed)

	terminalPath := filepath.Join(st.BenchmarkResultsDir(experimentID, "warm"), "terminal.json")
	assert.FileExists(t, terminalPath)

	data, err := os.ReadFile(terminalPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Failed")
}

func TestRun_CancellationMidVariantStopsBeforeTheNextVariant(t *testing.T) {
	summary, err := json.Marshal(Summary{AchievedThroughput: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cp := &cancellingControlPlane{summary: summary, cancelAfter: 4, cancel: cancel}
	st := store.New(t.TempDir())
	experimentID := "exp-matrix-cancel"
	require.NoError(t, st.Init(experimentID))

	plan := testPlan()
	plan.Variants = []config.TestVariant{
		{Name: "warm", Kind: config.KindFixedRate, TargetRate: 100},
		{Name: "hot", Kind: config.KindFixedRate, TargetRate: 100},
		{Name: "peak", Kind: config.KindMaxRate},
	}

	r := &Runner{
		ExperimentID: experimentID,
		Plan:         plan,
		Workers:      []fleet.Host{{ID: "worker-1", Role: config.RoleWorker}},
		Executor:     executor.New(cp),
		Store:        st,
	}
	r.Executor.Backoff.Initial = time.Millisecond
	r.Executor.Backoff.Max = 2 * time.Millisecond

	results, err := r.Run(armadacontext.New(ctx, armadacontext.Background().Log))
	require.NoError(t, err, "a cancelled variant does not abort Run with an error")
	require.Len(t, results, 2, "the third variant never runs once cancellation is observed")
	assert.False(t, results[0].Failed, "the variant that completed before cancellation still succeeds")
	assert.True(t, results[1].Failed)
	assert.Equal(t, orcherrors.Cancelled, orcherrors.KindOf(results[1].Error))

	terminalPath := filepath.Join(st.BenchmarkResultsDir(experimentID, "hot"), "terminal.json")
	data, err := os.ReadFile(terminalPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Cancelled")
	assert.NotContains(t, string(data), "\"Failed\"")
}

func TestRun_PlateauPolicySkipsRemainingVariants(t *testing.T) {
	summary, err := json.Marshal(Summary{AchievedThroughput: 10}) // far below target: triggers deviation
	require.NoError(t, err)

	cp := &scriptedControlPlane{summary: summary}
	st := store.New(t.TempDir())
	experimentID := "exp-matrix-plateau"
	require.NoError(t, st.Init(experimentID))

	plan := testPlan()
	plan.Variants = []config.TestVariant{
		{Name: "warm", Kind: config.KindFixedRate, TargetRate: 1000},
		{Name: "hot", Kind: config.KindFixedRate, TargetRate: 1000},
	}
	plan.PlateauPolicy = &config.PlateauPolicy{AllowedDeviationPercent: 5, ConsecutiveFailsAllowed: 1}

	r := &Runner{
		ExperimentID: experimentID,
		Plan:         plan,
		Workers:      []fleet.Host{{ID: "worker-1", Role: config.RoleWorker}},
		Executor:     executor.New(cp),
		Store:        st,
	}
	r.Executor.Backoff.Initial = time.Millisecond
	r.Executor.Backoff.Max = 2 * time.Millisecond

	results, err := r.Run(armadacontext.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Skipped)
	assert.True(t, results[1].Skipped)
}
