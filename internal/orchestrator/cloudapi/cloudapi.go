// Package cloudapi is the single shared cloud-resource client for a process:
// one instance wraps an EC2 client and is used by both the Readiness
// Prober's fleet-reachability check and the Resource Reclaimer's
// tag-scoped discovery/destroy cascade. Tag-query results are cached briefly
// to smooth over the metadata eventual-consistency window a just-created
// resource can fall into.
package cloudapi

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Kind partitions the reclaim target set.
type Kind string

const (
	KindInstance       Kind = "instance"
	KindVolume         Kind = "volume"
	KindSecurityGroup  Kind = "security-group"
	KindSubnet         Kind = "subnet"
	KindRouteTable     Kind = "route-table"
	KindInternetGateway Kind = "internet-gateway"
	KindVPC            Kind = "vpc"
)

// tagCacheTTL bounds how long a tag-query result is reused before the next
// call re-hits the cloud API; short enough that a reclaim pass still
// observes resources created moments earlier.
const tagCacheTTL = 5 * time.Second

type ec2Client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DeleteSubnet(ctx context.Context, in *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	DeleteRouteTable(ctx context.Context, in *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error)
	DescribeInternetGateways(ctx context.Context, in *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
}

// Client is the shared cloud-resource client: callers share one instance
// per process.
type Client struct {
	ec2   ec2Client
	cache *cache.Cache
}

// New wraps an EC2 client.
func New(ec2Client *ec2.Client) *Client {
	return &Client{
		ec2:   ec2Client,
		cache: cache.New(tagCacheTTL, 2*tagCacheTTL),
	}
}

// NewForTesting builds a Client around any ec2Client implementation, letting
// other packages' tests exercise the Reclaimer and Prober against a fake EC2
// without reaching the network.
func NewForTesting(client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DeleteSubnet(ctx context.Context, in *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	DeleteRouteTable(ctx context.Context, in *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error)
	DescribeInternetGateways(ctx context.Context, in *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
}) *Client {
	return &Client{ec2: client, cache: cache.New(tagCacheTTL, 2*tagCacheTTL)}
}

// Resource is one cloud resource discovered by tag query.
type Resource struct {
	Kind  Kind
	ID    string
	State string
}

func expTagFilter(experimentID string) []types.Filter {
	return []types.Filter{
		{Name: aws.String("tag:ExperimentID"), Values: []string{experimentID}},
	}
}

// InstancesRunning reports, for every instance tagged with experimentID,
// whether it is in the cloud-level "running" state - the Prober's Stage 1
// check. Returns an error only on an API failure; a partially started
// fleet is reported via the returned map, not an error.
func (c *Client) InstancesRunning(ctx context.Context, experimentID string) (map[string]bool, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: expTagFilter(experimentID),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ec2 DescribeInstances")
	}
	running := make(map[string]bool)
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId == nil {
				continue
			}
			isRunning := inst.State != nil && inst.State.Name == types.InstanceStateNameRunning
			running[*inst.InstanceId] = isRunning
		}
	}
	return running, nil
}

// cacheKey namespaces the go-cache key space by kind and experiment so
// distinct kinds/experiments never collide.
func cacheKey(kind Kind, experimentID string) string {
	return string(kind) + ":" + experimentID
}

// discover lists resources of kind kind tagged with experimentID, using the
// short-TTL cache to smooth eventual consistency across repeated calls
// within a single reclaim pass.
func (c *Client) discover(ctx context.Context, kind Kind, experimentID string, fetch func() ([]Resource, error)) ([]Resource, error) {
	key := cacheKey(kind, experimentID)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]Resource), nil
	}
	resources, err := fetch()
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, resources, cache.DefaultExpiration)
	return resources, nil
}

// Instances lists compute instances tagged with experimentID.
func (c *Client) Instances(ctx context.Context, experimentID string) ([]Resource, error) {
	return c.discover(ctx, KindInstance, experimentID, func() ([]Resource, error) {
		out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: expTagFilter(experimentID)})
		if err != nil {
			return nil, errors.Wrap(err, "ec2 DescribeInstances")
		}
		var resources []Resource
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if inst.InstanceId == nil {
					continue
				}
				state := ""
				if inst.State != nil {
					state = string(inst.State.Name)
				}
				resources = append(resources, Resource{Kind: KindInstance, ID: *inst.InstanceId, State: state})
			}
		}
		return resources, nil
	})
}

// TerminateInstances requests termination of the given instance IDs.
// Calling it on instances already terminated or absent is not an error,
// so retries during reclaim stay idempotent.
func (c *Client) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil && !isNotFound(err) {
		return errors.Wrap(err, "ec2 TerminateInstances")
	}
	return nil
}

// Volumes lists EBS volumes tagged with experimentID.
func (c *Client) Volumes(ctx context.Context, experimentID string) ([]Resource, error) {
	return c.discover(ctx, KindVolume, experimentID, func() ([]Resource, error) {
		out, err := c.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{Filters: expTagFilter(experimentID)})
		if err != nil {
			return nil, errors.Wrap(err, "ec2 DescribeVolumes")
		}
		var resources []Resource
		for _, v := range out.Volumes {
			if v.VolumeId == nil {
				continue
			}
			resources = append(resources, Resource{Kind: KindVolume, ID: *v.VolumeId, State: string(v.State)})
		}
		return resources, nil
	})
}

// DeleteVolume deletes one volume. Not-found is treated as success.
func (c *Client) DeleteVolume(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "ec2 DeleteVolume %s", id)
	}
	return nil
}

// SecurityGroups lists security groups tagged with experimentID.
func (c *Client) SecurityGroups(ctx context.Context, experimentID string) ([]Resource, error) {
	return c.discover(ctx, KindSecurityGroup, experimentID, func() ([]Resource, error) {
		out, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: expTagFilter(experimentID)})
		if err != nil {
			return nil, errors.Wrap(err, "ec2 DescribeSecurityGroups")
		}
		var resources []Resource
		for _, sg := range out.SecurityGroups {
			if sg.GroupId == nil {
				continue
			}
			resources = append(resources, Resource{Kind: KindSecurityGroup, ID: *sg.GroupId})
		}
		return resources, nil
	})
}

// DeleteSecurityGroup deletes one security group. Not-found is success.
func (c *Client) DeleteSecurityGroup(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "ec2 DeleteSecurityGroup %s", id)
	}
	return nil
}

// Subnets lists subnets tagged with experimentID.
func (c *Client) Subnets(ctx context.Context, experimentID string) ([]Resource, error) {
	return c.discover(ctx, KindSubnet, experimentID, func() ([]Resource, error) {
		out, err := c.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: expTagFilter(experimentID)})
		if err != nil {
			return nil, errors.Wrap(err, "ec2 DescribeSubnets")
		}
		var resources []Resource
		for _, s := range out.Subnets {
			if s.SubnetId == nil {
				continue
			}
			resources = append(resources, Resource{Kind: KindSubnet, ID: *s.SubnetId})
		}
		return resources, nil
	})
}

// DeleteSubnet deletes one subnet. Not-found is success.
func (c *Client) DeleteSubnet(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "ec2 DeleteSubnet %s", id)
	}
	return nil
}

// RouteTables lists route tables tagged with experimentID.
func (c *Client) RouteTables(ctx context.Context, experimentID string) ([]Resource, error) {
	return c.discover(ctx, KindRouteTable, experimentID, func() ([]Resource, error) {
		out, err := c.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: expTagFilter(experimentID)})
		if err != nil {
			return nil, errors.Wrap(err, "ec2 DescribeRouteTables")
		}
		var resources []Resource
		for _, rt := range out.RouteTables {
			if rt.RouteTableId == nil {
				continue
			}
			// The implicit main route table cannot be deleted directly; it
			// is released automatically when the VPC is deleted.
			isMain := false
			for _, assoc := range rt.Associations {
				if assoc.Main != nil && *assoc.Main {
					isMain = true
				}
			}
			if isMain {
				continue
			}
			resources = append(resources, Resource{Kind: KindRouteTable, ID: *rt.RouteTableId})
		}
		return resources, nil
	})
}

// DeleteRouteTable deletes one route table. Not-found is success.
func (c *Client) DeleteRouteTable(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "ec2 DeleteRouteTable %s", id)
	}
	return nil
}

// InternetGateways lists internet gateways tagged with experimentID. The
// VPC each gateway is attached to is not recorded in the returned Resource.
func (c *Client) InternetGateways(ctx context.Context, experimentID string) ([]Resource, error) {
	return c.discover(ctx, KindInternetGateway, experimentID, func() ([]Resource, error) {
		out, err := c.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: expTagFilter(experimentID)})
		if err != nil {
			return nil, errors.Wrap(err, "ec2 DescribeInternetGateways")
		}
		var resources []Resource
		for _, gw := range out.InternetGateways {
			if gw.InternetGatewayId == nil {
				continue
			}
			resources = append(resources, Resource{Kind: KindInternetGateway, ID: *gw.InternetGatewayId})
		}
		return resources, nil
	})
}

// DetachAndDeleteInternetGateway detaches an internet gateway from vpcID (if
// attached) and deletes it. Not-found is success.
func (c *Client) DetachAndDeleteInternetGateway(ctx context.Context, id, vpcID string) error {
	_, err := c.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
		InternetGatewayId: aws.String(id),
		VpcId:             aws.String(vpcID),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "ec2 DetachInternetGateway %s", id)
	}
	_, err = c.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "ec2 DeleteInternetGateway %s", id)
	}
	return nil
}

// VPCs lists VPCs tagged with experimentID.
func (c *Client) VPCs(ctx context.Context, experimentID string) ([]Resource, error) {
	return c.discover(ctx, KindVPC, experimentID, func() ([]Resource, error) {
		out, err := c.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: expTagFilter(experimentID)})
		if err != nil {
			return nil, errors.Wrap(err, "ec2 DescribeVpcs")
		}
		var resources []Resource
		for _, v := range out.Vpcs {
			if v.VpcId == nil {
				continue
			}
			resources = append(resources, Resource{Kind: KindVPC, ID: *v.VpcId})
		}
		return resources, nil
	})
}

// DeleteVPC deletes one VPC. Not-found is success.
func (c *Client) DeleteVPC(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "ec2 DeleteVpc %s", id)
	}
	return nil
}

// InvalidateCache drops cached tag-query results for experimentID so the
// next discovery call re-hits the cloud API; used after a destroy operation
// so the following reclaim stage sees a fresh view.
func (c *Client) InvalidateCache(experimentID string) {
	for _, kind := range []Kind{KindInstance, KindVolume, KindSecurityGroup, KindSubnet, KindRouteTable, KindInternetGateway, KindVPC} {
		c.cache.Delete(cacheKey(kind, experimentID))
	}
}

// isNotFound reports whether err is an AWS "does not exist" style error,
// which reclaim treats as already-clean rather than a failure. The EC2 API
// encodes this as an error code suffixed ".NotFound" or containing "does
// not exist"; matching on the message is what the SDK's own examples do
// absent a typed error for every resource kind.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "does not exist")
}
