package prober

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/orchestrator/config"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

func testFleet() fleet.Fleet {
	return fleet.Fleet{Hosts: []fleet.Host{
		{ID: "i-coord", Role: config.RoleCoordinator},
		{ID: "i-worker", Role: config.RoleWorker},
	}}
}

func fastBackoffProber(p *Prober) *Prober {
	p.Backoff.Initial = time.Millisecond
	p.Backoff.Max = 5 * time.Millisecond
	p.Deadlines = StageDeadlines{
		FleetReachable: 100 * time.Millisecond,
		AgentsOnline:   100 * time.Millisecond,
		ServicesActive: 100 * time.Millisecond,
	}
	return p
}

type fakeCloud struct {
	running map[string]bool
	err     error
}

func (f *fakeCloud) InstancesRunning(ctx context.Context, experimentID string) (map[string]bool, error) {
	return f.running, f.err
}

type fakeAgents struct {
	online map[string]bool
}

func (f *fakeAgents) OnlineHostIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return f.online, nil
}

type fakeExecutorChecker struct{ active bool }

func (f *fakeExecutorChecker) ServiceActive(ctx *armadacontext.Context, host fleet.Host, serviceName string) error {
	if f.active {
		return nil
	}
	return errServiceInactive
}

func alwaysHealthyProbe(ctx *armadacontext.Context, host fleet.Host, svc fleet.ServiceDescriptor) error {
	return nil
}

func TestWait_AllStagesPass(t *testing.T) {
	p := fastBackoffProber(&Prober{
		ExperimentID: "exp-1",
		Cloud:        &fakeCloud{running: map[string]bool{"i-coord": true, "i-worker": true}},
		Agents:       &fakeAgents{online: map[string]bool{"i-coord": true, "i-worker": true}},
		Executor:     &fakeExecutorChecker{active: true},
		ServiceProbe: alwaysHealthyProbe,
	})

	err := p.Wait(armadacontext.Background(), testFleet())
	require.NoError(t, err)
}

func TestWait_FleetNotReachableTimesOut(t *testing.T) {
	p := fastBackoffProber(&Prober{
		ExperimentID: "exp-1",
		Cloud:        &fakeCloud{running: map[string]bool{"i-coord": true, "i-worker": false}},
		Agents:       &fakeAgents{online: map[string]bool{"i-coord": true, "i-worker": true}},
		Executor:     &fakeExecutorChecker{active: true},
		ServiceProbe: alwaysHealthyProbe,
	})

	err := p.Wait(armadacontext.Background(), testFleet())
	require.Error(t, err)
	assert.Equal(t, orcherrors.ReadinessTimeout, orcherrors.KindOf(err))
}

func TestWait_AgentsOfflineTimesOut(t *testing.T) {
	p := fastBackoffProber(&Prober{
		ExperimentID: "exp-1",
		Cloud:        &fakeCloud{running: map[string]bool{"i-coord": true, "i-worker": true}},
		Agents:       &fakeAgents{online: map[string]bool{"i-coord": true, "i-worker": false}},
		Executor:     &fakeExecutorChecker{active: true},
		ServiceProbe: alwaysHealthyProbe,
	})

	err := p.Wait(armadacontext.Background(), testFleet())
	require.Error(t, err)
	assert.Equal(t, orcherrors.ReadinessTimeout, orcherrors.KindOf(err))
}

func TestWait_ServiceProbeFailureTimesOut(t *testing.T) {
	p := fastBackoffProber(&Prober{
		ExperimentID: "exp-1",
		Cloud:        &fakeCloud{running: map[string]bool{"i-coord": true, "i-worker": true}},
		Agents:       &fakeAgents{online: map[string]bool{"i-coord": true, "i-worker": true}},
		Executor:     &fakeExecutorChecker{active: true},
		ServiceProbe: func(ctx *armadacontext.Context, host fleet.Host, svc fleet.ServiceDescriptor) error {
			return errServiceInactive
		},
	})

	err := p.Wait(armadacontext.Background(), testFleet())
	require.Error(t, err)
	assert.Equal(t, orcherrors.ReadinessTimeout, orcherrors.KindOf(err))
}

var errServiceInactive = &testError{"service not active"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
