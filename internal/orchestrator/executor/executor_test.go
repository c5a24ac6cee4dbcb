package executor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/orchestrator/controlplane"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

// memoryControlPlane is a minimal in-process controlplane.ControlPlane,
// scripted per command ID, for exercising the Executor's poll loop without a
// real transport.
type memoryControlPlane struct {
	mu        sync.Mutex
	next      int
	payloads  []string
	responses []controlplane.Invocation
	cancelled []string
}

func (m *memoryControlPlane) SubmitCommand(ctx context.Context, hostID, payload string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return "cmd-" + strconv.Itoa(len(m.payloads)), nil
}

func (m *memoryControlPlane) GetInvocation(ctx context.Context, hostID, commandID string) (controlplane.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next >= len(m.responses) {
		return m.responses[len(m.responses)-1], nil
	}
	inv := m.responses[m.next]
	m.next++
	return inv, nil
}

func (m *memoryControlPlane) CancelCommand(ctx context.Context, hostID, commandID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, commandID)
	return nil
}

func testHost() fleet.Host { return fleet.Host{ID: "i-1"} }

func TestRun_SucceedsOnFirstTerminalPoll(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{
		{Status: controlplane.Success, Stdout: "ok"},
	}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	res, err := e.Run(armadacontext.Background(), testHost(), "echo ok", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
}

func TestRun_PollsUntilTerminal(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{
		{Status: controlplane.Pending},
		{Status: controlplane.InProgress},
		{Status: controlplane.Success, Stdout: "done"},
	}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	res, err := e.Run(armadacontext.Background(), testHost(), "run", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Stdout)
}

func TestRun_FailedTerminalStatusReturnsExecutionFailed(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{
		{Status: controlplane.Failed, Stderr: "boom"},
	}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	_, err := e.Run(armadacontext.Background(), testHost(), "run", time.Second)
	require.Error(t, err)
	assert.Equal(t, orcherrors.ExecutionFailed, orcherrors.KindOf(err))
}

func TestRun_DeadlineExceededCancelsCommand(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{
		{Status: controlplane.InProgress},
	}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	_, err := e.Run(armadacontext.Background(), testHost(), "run", 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, orcherrors.ExecutionFailed, orcherrors.KindOf(err))
	assert.Len(t, cp.cancelled, 1)
}

func TestRun_ParentContextCancelledSurfacesCancelledKind(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{
		{Status: controlplane.InProgress},
	}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	cancel()

	_, err := e.Run(ctx, testHost(), "run", time.Second)
	require.Error(t, err)
	assert.Equal(t, orcherrors.Cancelled, orcherrors.KindOf(err))
	assert.Len(t, cp.cancelled, 1)
}

func TestServiceActive_ReportsInactive(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{
		{Status: controlplane.Success, Stdout: "inactive\n"},
	}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	err := e.ServiceActive(armadacontext.Background(), testHost(), "broker.service")
	assert.Error(t, err)
}

func TestUpload_SplitsLargePayloadAcrossChunks(t *testing.T) {
	responses := make([]controlplane.Invocation, 4)
	for i := range responses {
		responses[i] = controlplane.Invocation{Status: controlplane.Success}
	}
	cp := &memoryControlPlane{responses: responses}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	data := make([]byte, payloadBudget*2+10)
	for i := range data {
		data[i] = 'x'
	}

	err := e.Upload(armadacontext.Background(), testHost(), "/tmp/out", data, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, len(cp.payloads), "two full chunks plus a final partial chunk")
	assert.Contains(t, cp.payloads[0], ">")
	assert.Contains(t, cp.payloads[1], ">>")
}

func TestScrape_ReturnsRawStdout(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{
		{Status: controlplane.Success, Stdout: `{"heapBytes": 1024}`},
	}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	raw, err := e.Scrape(armadacontext.Background(), testHost())
	require.NoError(t, err)
	assert.JSONEq(t, `{"heapBytes": 1024}`, string(raw))
}

func TestUpload_EmptyDataWritesOnce(t *testing.T) {
	cp := &memoryControlPlane{responses: []controlplane.Invocation{{Status: controlplane.Success}}}
	e := New(cp)
	e.Backoff.Initial = time.Millisecond
	e.Backoff.Max = 2 * time.Millisecond

	err := e.Upload(armadacontext.Background(), testHost(), "/tmp/out", nil, time.Second)
	require.NoError(t, err)
	assert.Len(t, cp.payloads, 1)
}
