package controlplane

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/pkg/errors"
)

// ssmClient is the subset of the SSM SDK client this package depends on,
// kept narrow so fakes for testing don't need the full SDK surface.
type ssmClient interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
	CancelCommand(ctx context.Context, params *ssm.CancelCommandInput, optFns ...func(*ssm.Options)) (*ssm.CancelCommandOutput, error)
}

// SSMControlPlane implements ControlPlane against AWS Systems Manager's
// Run Command API: SendCommand is the submit-command operation,
// GetCommandInvocation is the get-invocation operation.
type SSMControlPlane struct {
	client     ssmClient
	documentName string
}

// NewSSMControlPlane wraps an SSM client. documentName is the SSM document
// used to execute shell payloads (e.g. "AWS-RunShellScript").
func NewSSMControlPlane(client *ssm.Client, documentName string) *SSMControlPlane {
	if documentName == "" {
		documentName = "AWS-RunShellScript"
	}
	return &SSMControlPlane{client: client, documentName: documentName}
}

func (c *SSMControlPlane) SubmitCommand(ctx context.Context, hostID string, payload string) (string, error) {
	out, err := c.client.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{hostID},
		DocumentName: aws.String(c.documentName),
		Parameters: map[string][]string{
			"commands": {payload},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "ssm SendCommand")
	}
	if out.Command == nil || out.Command.CommandId == nil {
		return "", errors.New("ssm SendCommand: no command id returned")
	}
	return *out.Command.CommandId, nil
}

func (c *SSMControlPlane) GetInvocation(ctx context.Context, hostID, commandID string) (Invocation, error) {
	out, err := c.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(hostID),
	})
	if err != nil {
		return Invocation{}, errors.Wrap(err, "ssm GetCommandInvocation")
	}
	inv := Invocation{
		Status: mapSSMStatus(out.Status),
	}
	if out.StandardOutputContent != nil {
		inv.Stdout = *out.StandardOutputContent
	}
	if out.StandardErrorContent != nil {
		inv.Stderr = *out.StandardErrorContent
	}
	inv.ExitCode = int32(out.ResponseCode)
	return inv, nil
}

func (c *SSMControlPlane) CancelCommand(ctx context.Context, hostID, commandID string) error {
	_, err := c.client.CancelCommand(ctx, &ssm.CancelCommandInput{
		CommandId:   aws.String(commandID),
		InstanceIds: []string{hostID},
	})
	if err != nil {
		return errors.Wrap(err, "ssm CancelCommand")
	}
	return nil
}

func mapSSMStatus(s types.CommandInvocationStatus) Status {
	switch s {
	case types.CommandInvocationStatusPending:
		return Pending
	case types.CommandInvocationStatusInProgress, types.CommandInvocationStatusDelayed:
		return InProgress
	case types.CommandInvocationStatusSuccess:
		return Success
	case types.CommandInvocationStatusCancelled:
		return Cancelled
	case types.CommandInvocationStatusTimedOut:
		return TimedOut
	default:
		return Failed
	}
}
