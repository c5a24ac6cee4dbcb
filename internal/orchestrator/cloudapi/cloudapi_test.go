package cloudapi

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	instances       []types.Reservation
	volumes         []types.Volume
	describeCalls   int
	terminateErr    error
	deleteVolumeErr error
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeCalls++
	return &ec2.DescribeInstancesOutput{Reservations: f.instances}, nil
}
func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return &ec2.TerminateInstancesOutput{}, f.terminateErr
}
func (f *fakeEC2) DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{Volumes: f.volumes}, nil
}
func (f *fakeEC2) DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	return &ec2.DeleteVolumeOutput{}, f.deleteVolumeErr
}
func (f *fakeEC2) DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{}, nil
}
func (f *fakeEC2) DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	return &ec2.DeleteSecurityGroupOutput{}, nil
}
func (f *fakeEC2) DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{}, nil
}
func (f *fakeEC2) DeleteSubnet(ctx context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	return &ec2.DeleteSubnetOutput{}, nil
}
func (f *fakeEC2) DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	return &ec2.DescribeRouteTablesOutput{}, nil
}
func (f *fakeEC2) DeleteRouteTable(ctx context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	return &ec2.DeleteRouteTableOutput{}, nil
}
func (f *fakeEC2) DescribeInternetGateways(ctx context.Context, in *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	return &ec2.DescribeInternetGatewaysOutput{}, nil
}
func (f *fakeEC2) DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	return &ec2.DetachInternetGatewayOutput{}, nil
}
func (f *fakeEC2) DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	return &ec2.DeleteInternetGatewayOutput{}, nil
}
func (f *fakeEC2) DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{}, nil
}
func (f *fakeEC2) DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	return &ec2.DeleteVpcOutput{}, nil
}

func newTestClient(f *fakeEC2) *Client {
	return NewForTesting(f)
}

func TestInstances_UsesCacheOnRepeatedCalls(t *testing.T) {
	f := &fakeEC2{instances: []types.Reservation{{
		Instances: []types.Instance{{InstanceId: aws.String("i-1"), State: &types.InstanceState{Name: types.InstanceStateNameRunning}}},
	}}}
	c := newTestClient(f)

	first, err := c.Instances(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := c.Instances(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.describeCalls, "second call should hit the cache, not the API")
}

func TestInvalidateCache_ForcesRefetch(t *testing.T) {
	f := &fakeEC2{instances: []types.Reservation{{
		Instances: []types.Instance{{InstanceId: aws.String("i-1"), State: &types.InstanceState{Name: types.InstanceStateNameRunning}}},
	}}}
	c := newTestClient(f)

	_, err := c.Instances(context.Background(), "exp-1")
	require.NoError(t, err)
	c.InvalidateCache("exp-1")
	_, err = c.Instances(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.describeCalls)
}

func TestInstancesRunning_ReportsPerInstanceState(t *testing.T) {
	f := &fakeEC2{instances: []types.Reservation{{
		Instances: []types.Instance{
			{InstanceId: aws.String("i-1"), State: &types.InstanceState{Name: types.InstanceStateNameRunning}},
			{InstanceId: aws.String("i-2"), State: &types.InstanceState{Name: types.InstanceStateNameTerminated}},
		},
	}}}
	c := newTestClient(f)

	running, err := c.InstancesRunning(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.True(t, running["i-1"])
	assert.False(t, running["i-2"])
}

func TestDeleteVolume_NotFoundIsSuccess(t *testing.T) {
	f := &fakeEC2{deleteVolumeErr: errors.New("InvalidVolume.NotFound: volume does not exist")}
	c := newTestClient(f)
	assert.NoError(t, c.DeleteVolume(context.Background(), "vol-1"))
}

func TestTerminateInstances_EmptyIsNoop(t *testing.T) {
	f := &fakeEC2{terminateErr: errors.New("should not be called")}
	c := newTestClient(f)
	assert.NoError(t, c.TerminateInstances(context.Background(), nil))
}

func TestTerminateInstances_PropagatesRealErrors(t *testing.T) {
	f := &fakeEC2{terminateErr: errors.New("throttled")}
	c := newTestClient(f)
	err := c.TerminateInstances(context.Background(), []string{"i-1"})
	assert.Error(t, err)
}
