// Package reclaim implements the resource reclaimer: a tag-scoped
// discovery-and-destroy cascade that runs identically for graceful teardown
// and crash-path emergency cleanup, without depending on any provisioner
// state file. It is the last authority on whether an experiment's cloud
// footprint is clean.
package reclaim

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/common/retry"
	"github.com/armadaproject/exparch/internal/orchestrator/cloudapi"
)

var errStillRunning = errors.New("instances still report running")

// terminationDeadline bounds how long the reclaimer waits for instances to
// report terminated before moving on regardless.
const terminationDeadline = 5 * time.Minute

var pollBackoff = retry.Backoff{Initial: 5 * time.Second, Factor: 1.5, Max: 30 * time.Second}

// Provisioner is the narrow destroy-path dependency the graceful mode tries
// before falling back to tag-based reclaim.
type Provisioner interface {
	Destroy(ctx *armadacontext.Context, experimentID string) error
}

// Plan is the reclaim target set, partitioned by kind, produced by
// dry-run mode without side effects.
type Plan struct {
	ExperimentID string                                 `json:"experimentId"`
	Resources    map[cloudapi.Kind][]cloudapi.Resource `json:"resources"`
}

// Empty reports whether the plan contains no resources, i.e. whether
// reclaim fully cleaned up after the experiment.
func (p Plan) Empty() bool {
	for _, rs := range p.Resources {
		if len(rs) > 0 {
			return false
		}
	}
	return true
}

// OutstandingKinds returns, in a stable sorted order, the kinds that still
// have at least one resource in the plan. Used for a readable teardown log
// line rather than dumping the full resource map.
func (p Plan) OutstandingKinds() []cloudapi.Kind {
	kinds := maps.Keys(p.Resources)
	slices.Sort(kinds)

	outstanding := kinds[:0:0]
	for _, kind := range kinds {
		if len(p.Resources[kind]) > 0 {
			outstanding = append(outstanding, kind)
		}
	}
	return outstanding
}

// Reclaimer drives the tag-scoped destroy cascade.
type Reclaimer struct {
	Cloud       *cloudapi.Client
	Provisioner Provisioner
}

// New builds a Reclaimer.
func New(cloud *cloudapi.Client, provisioner Provisioner) *Reclaimer {
	return &Reclaimer{Cloud: cloud, Provisioner: provisioner}
}

// Plan enumerates the current reclaim target set for experimentID without
// destroying anything.
func (r *Reclaimer) Plan(ctx *armadacontext.Context, experimentID string) (Plan, error) {
	plan := Plan{ExperimentID: experimentID, Resources: map[cloudapi.Kind][]cloudapi.Resource{}}

	instances, err := r.Cloud.Instances(ctx, experimentID)
	if err != nil {
		return Plan{}, orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", err)
	}
	plan.Resources[cloudapi.KindInstance] = instances

	volumes, err := r.Cloud.Volumes(ctx, experimentID)
	if err != nil {
		return Plan{}, orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", err)
	}
	plan.Resources[cloudapi.KindVolume] = volumes

	sgs, err := r.Cloud.SecurityGroups(ctx, experimentID)
	if err != nil {
		return Plan{}, orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", err)
	}
	plan.Resources[cloudapi.KindSecurityGroup] = sgs

	subnets, err := r.Cloud.Subnets(ctx, experimentID)
	if err != nil {
		return Plan{}, orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", err)
	}
	plan.Resources[cloudapi.KindSubnet] = subnets

	routeTables, err := r.Cloud.RouteTables(ctx, experimentID)
	if err != nil {
		return Plan{}, orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", err)
	}
	plan.Resources[cloudapi.KindRouteTable] = routeTables

	gateways, err := r.Cloud.InternetGateways(ctx, experimentID)
	if err != nil {
		return Plan{}, orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", err)
	}
	plan.Resources[cloudapi.KindInternetGateway] = gateways

	vpcs, err := r.Cloud.VPCs(ctx, experimentID)
	if err != nil {
		return Plan{}, orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", err)
	}
	plan.Resources[cloudapi.KindVPC] = vpcs

	return plan, nil
}

// Graceful attempts the provisioner's destroy path before falling back to
// tag-based reclaim. A failing destroy is retried once - a single
// transient provisioner failure is far more common than a genuinely broken
// destroy path - before the tag-based fallback runs. In either case,
// tag-based reclaim always runs afterward as the final authority.
func (r *Reclaimer) Graceful(ctx *armadacontext.Context, experimentID string) error {
	if r.Provisioner != nil {
		err := r.Provisioner.Destroy(ctx, experimentID)
		if err != nil {
			ctx.Log.WithError(err).Warn("provisioner destroy failed, retrying once")
			err = r.Provisioner.Destroy(ctx, experimentID)
		}
		if err != nil {
			ctx.Log.WithError(err).Warn("provisioner destroy failed twice, falling back to tag-based reclaim")
		} else {
			ctx.Log.Info("provisioner destroy succeeded, confirming with tag-based reclaim")
		}
	}
	return r.Reclaim(ctx, experimentID)
}

// Reclaim runs the tag-based destroy cascade unconditionally: this is the
// final authority in both graceful and emergency mode, and it is never
// cancellable once entered - callers must not pass a context that can be
// cancelled mid-run.
func (r *Reclaimer) Reclaim(ctx *armadacontext.Context, experimentID string) error {
	var result *multierror.Error

	if err := r.reclaimInstances(ctx, experimentID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.reclaimVolumes(ctx, experimentID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.reclaimSecurityGroups(ctx, experimentID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.reclaimSubnetsRouteTablesGateways(ctx, experimentID); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.reclaimVPCs(ctx, experimentID); err != nil {
		result = multierror.Append(result, err)
	}

	r.Cloud.InvalidateCache(experimentID)

	if result != nil && result.Len() > 0 {
		return orcherrors.Wrap(orcherrors.ResourceDiscoveryFailed, "teardown", "reclaimer", result)
	}
	return nil
}

func (r *Reclaimer) reclaimInstances(ctx *armadacontext.Context, experimentID string) error {
	instances, err := r.Cloud.Instances(ctx, experimentID)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return nil
	}

	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	if err := r.Cloud.TerminateInstances(ctx, ids); err != nil {
		return err
	}

	// Best-effort wait: exceeding the deadline is not a failure, since
	// deletion eventually propagates and later kinds tolerate dangling
	// references.
	_ = retry.WaitFor(ctx.Context, terminationDeadline, pollBackoff, func(pollCtx context.Context) error {
		running, err := r.Cloud.InstancesRunning(pollCtx, experimentID)
		if err != nil {
			return retry.Transient(err)
		}
		for _, id := range ids {
			if running[id] {
				return retry.Transient(errStillRunning)
			}
		}
		return nil
	})
	return nil
}

func (r *Reclaimer) reclaimVolumes(ctx *armadacontext.Context, experimentID string) error {
	volumes, err := r.Cloud.Volumes(ctx, experimentID)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, v := range volumes {
		if err := r.Cloud.DeleteVolume(ctx, v.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Reclaimer) reclaimSecurityGroups(ctx *armadacontext.Context, experimentID string) error {
	sgs, err := r.Cloud.SecurityGroups(ctx, experimentID)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, sg := range sgs {
		if err := r.Cloud.DeleteSecurityGroup(ctx, sg.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Reclaimer) reclaimSubnetsRouteTablesGateways(ctx *armadacontext.Context, experimentID string) error {
	var result *multierror.Error

	subnets, err := r.Cloud.Subnets(ctx, experimentID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, s := range subnets {
		if err := r.Cloud.DeleteSubnet(ctx, s.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	routeTables, err := r.Cloud.RouteTables(ctx, experimentID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, rt := range routeTables {
		if err := r.Cloud.DeleteRouteTable(ctx, rt.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	gateways, err := r.Cloud.InternetGateways(ctx, experimentID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	vpcs, vpcErr := r.Cloud.VPCs(ctx, experimentID)
	if vpcErr == nil && len(vpcs) > 0 {
		for _, gw := range gateways {
			if err := r.Cloud.DetachAndDeleteInternetGateway(ctx, gw.ID, vpcs[0].ID); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	return result.ErrorOrNil()
}

func (r *Reclaimer) reclaimVPCs(ctx *armadacontext.Context, experimentID string) error {
	vpcs, err := r.Cloud.VPCs(ctx, experimentID)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, v := range vpcs {
		if err := r.Cloud.DeleteVPC(ctx, v.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
