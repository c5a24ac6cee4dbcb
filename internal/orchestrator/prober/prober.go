// Package prober implements the readiness prober: the three-stage cascade
// of fitness checks the Sequencer waits on before entering RunMatrix. Each
// stage fans probes out concurrently across hosts and barriers at stage
// end; stages themselves run strictly in order.
package prober

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/common/retry"
	"github.com/armadaproject/exparch/internal/orchestrator/controlplane"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

// StageDeadlines holds the per-stage deadlines. The defaults are 5, 10, and
// 10 minutes.
type StageDeadlines struct {
	FleetReachable time.Duration
	AgentsOnline   time.Duration
	ServicesActive time.Duration
}

// DefaultStageDeadlines returns the cascade default stage deadlines.
func DefaultStageDeadlines() StageDeadlines {
	return StageDeadlines{
		FleetReachable: 5 * time.Minute,
		AgentsOnline:   10 * time.Minute,
		ServicesActive: 10 * time.Minute,
	}
}

// defaultBackoff is the cascade's single backoff schedule: start 5s,
// factor 1.5, cap 30s, shared across all three stages.
var defaultBackoff = retry.Backoff{Initial: 5 * time.Second, Factor: 1.5, Max: 30 * time.Second}

var (
	errFleetNotReady  = errors.New("not all hosts report running")
	errAgentsNotReady = errors.New("not all agents report online")
)

// CloudInstanceStates reports the cloud-level running state of instances
// tagged with an experiment, narrowing cloudapi.Client for Stage 1.
type CloudInstanceStates interface {
	InstancesRunning(ctx context.Context, experimentID string) (map[string]bool, error)
}

// ServiceProbe performs the host-local health check for one service
// descriptor (tcp-port / challenge-response / http-status),
// invoked directly against the host rather than through the control plane.
type ServiceProbe func(ctx *armadacontext.Context, host fleet.Host, svc fleet.ServiceDescriptor) error

// Prober drives the three-stage readiness cascade.
type Prober struct {
	ExperimentID string
	Cloud        CloudInstanceStates
	Agents       controlplane.AgentInventory
	Executor     ServiceActiveChecker
	ServiceProbe ServiceProbe
	Deadlines    StageDeadlines
	Backoff      retry.Backoff
}

// ServiceActiveChecker performs the Executor-driven "is the service active"
// remote check for a host/service pair.
type ServiceActiveChecker interface {
	ServiceActive(ctx *armadacontext.Context, host fleet.Host, serviceName string) error
}

// New builds a Prober with the cascade's default deadlines and backoff.
func New(experimentID string, cloud CloudInstanceStates, agents controlplane.AgentInventory, executor ServiceActiveChecker, probe ServiceProbe) *Prober {
	return &Prober{
		ExperimentID: experimentID,
		Cloud:        cloud,
		Agents:       agents,
		Executor:     executor,
		ServiceProbe: probe,
		Deadlines:    DefaultStageDeadlines(),
		Backoff:      defaultBackoff,
	}
}

// Wait runs the three stages in order against fleet. It returns a
// ReadinessTimeout *orcherrors.Error naming the stage that failed, or nil
// once every host has passed every stage.
func (p *Prober) Wait(ctx *armadacontext.Context, fl fleet.Fleet) error {
	ctx.Log.WithField("component", "prober").Info("readiness cascade starting")

	if err := p.stageFleetReachable(ctx, fl); err != nil {
		return err
	}
	if err := p.stageAgentsOnline(ctx, fl); err != nil {
		return err
	}
	if err := p.stageServicesActive(ctx, fl); err != nil {
		return err
	}

	ctx.Log.WithField("component", "prober").Info("readiness cascade complete")
	return nil
}

func (p *Prober) stageFleetReachable(ctx *armadacontext.Context, fl fleet.Fleet) error {
	stageCtx := armadacontext.WithLogField(ctx, "stage", "fleet-reachable")
	stageCtx.Log.Info("stage entry")

	err := retry.WaitFor(stageCtx.Context, p.Deadlines.FleetReachable, p.Backoff, func(_ context.Context) error {
		running, err := p.Cloud.InstancesRunning(stageCtx, p.ExperimentID)
		if err != nil {
			stageCtx.Log.WithError(err).Warn("stage pass failed")
			return retry.Transient(err)
		}
		var notRunning []string
		for _, h := range fl.Hosts {
			if !running[h.ID] {
				notRunning = append(notRunning, h.ID)
			}
		}
		if len(notRunning) > 0 {
			stageCtx.Log.WithField("not_running", notRunning).Info("stage pass: hosts not yet running")
			return retry.Transient(errFleetNotReady)
		}
		return nil
	})
	if err != nil {
		stageCtx.Log.WithError(err).Error("stage failed")
		return orcherrors.New(orcherrors.ReadinessTimeout, "converge", "prober", "fleet-reachable stage timed out")
	}
	return nil
}

func (p *Prober) stageAgentsOnline(ctx *armadacontext.Context, fl fleet.Fleet) error {
	stageCtx := armadacontext.WithLogField(ctx, "stage", "agents-online")
	stageCtx.Log.Info("stage entry")

	ids := make([]string, len(fl.Hosts))
	for i, h := range fl.Hosts {
		ids[i] = h.ID
	}

	err := retry.WaitFor(stageCtx.Context, p.Deadlines.AgentsOnline, p.Backoff, func(_ context.Context) error {
		online, err := p.Agents.OnlineHostIDs(stageCtx, ids)
		if err != nil {
			stageCtx.Log.WithError(err).Warn("stage pass failed")
			return retry.Transient(err)
		}
		var offline []string
		for _, id := range ids {
			if !online[id] {
				offline = append(offline, id)
			}
		}
		if len(offline) > 0 {
			stageCtx.Log.WithField("offline", offline).Info("stage pass: agents not yet online")
			return retry.Transient(errAgentsNotReady)
		}
		return nil
	})
	if err != nil {
		stageCtx.Log.WithError(err).Error("stage failed")
		return orcherrors.New(orcherrors.ReadinessTimeout, "converge", "prober", "agents-online stage timed out")
	}
	return nil
}

// stageServicesActive fans probes out concurrently across every (host,
// service) pair. Each pair is retried independently under the stage's
// backoff until it succeeds once or the stage deadline elapses.
func (p *Prober) stageServicesActive(ctx *armadacontext.Context, fl fleet.Fleet) error {
	stageCtx := armadacontext.WithLogField(ctx, "stage", "services-active")
	stageCtx.Log.Info("stage entry")

	group, groupCtx := armadacontext.ErrGroup(stageCtx)
	for _, h := range fl.Hosts {
		host := h
		for _, svc := range fleet.ServiceTable[host.Role] {
			svc := svc
			group.Go(func() error {
				return p.probeOne(groupCtx, host, svc)
			})
		}
	}

	if err := group.Wait(); err != nil {
		stageCtx.Log.WithError(err).Error("stage failed")
		var merr *multierror.Error
		merr = multierror.Append(merr, err)
		return orcherrors.New(orcherrors.ReadinessTimeout, "converge", "prober", merr.Error())
	}
	return nil
}

func (p *Prober) probeOne(ctx *armadacontext.Context, host fleet.Host, svc fleet.ServiceDescriptor) error {
	hostCtx := armadacontext.WithLogFields(ctx, map[string]interface{}{"host": host.ID, "service": svc.ServiceName})

	return retry.WaitFor(hostCtx.Context, p.Deadlines.ServicesActive, p.Backoff, func(_ context.Context) error {
		if svc.RequiredActive {
			if err := p.Executor.ServiceActive(hostCtx, host, svc.ServiceName); err != nil {
				hostCtx.Log.WithError(err).Info("service not active yet")
				return retry.Transient(err)
			}
		}
		if err := p.ServiceProbe(hostCtx, host, svc); err != nil {
			hostCtx.Log.WithError(err).Info("endpoint not healthy yet")
			return retry.Transient(err)
		}
		return nil
	})
}
