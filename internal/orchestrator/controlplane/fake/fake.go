// Package fake provides a NATS-backed ControlPlane double that runs without
// a real cloud account; it is exercised by this package's own tests. It
// mirrors the pattern the wider
// armada repository uses of running its messaging-backed components against
// an embedded NATS server in tests.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/armadaproject/exparch/internal/orchestrator/controlplane"
)

// Handler executes a submitted payload for a host and returns the resulting
// invocation. Tests supply this to script host behaviour (always succeed,
// time out, fail N times then succeed, etc).
type Handler func(hostID, payload string) controlplane.Invocation

// ControlPlane is an in-memory ControlPlane whose command submission goes
// over a real NATS connection; GetInvocation and CancelCommand read and
// update the in-memory invocation map directly.
type ControlPlane struct {
	nc      *nats.Conn
	handler Handler

	mu           sync.Mutex
	invocations  map[string]controlplane.Invocation
	cancelled    map[string]bool
}

// New connects to the given NATS URL (typically an in-process test server)
// and subscribes to the "controlplane.submit" subject to service commands
// with handler.
func New(natsURL string, handler Handler) (*ControlPlane, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to nats")
	}
	cp := &ControlPlane{
		nc:          nc,
		handler:     handler,
		invocations: make(map[string]controlplane.Invocation),
		cancelled:   make(map[string]bool),
	}
	if _, err := nc.Subscribe("controlplane.submit", cp.onSubmit); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "subscribing to controlplane.submit")
	}
	return cp, nil
}

type submitRequest struct {
	CommandID string `json:"commandId"`
	HostID    string `json:"hostId"`
	Payload   string `json:"payload"`
}

func (cp *ControlPlane) onSubmit(msg *nats.Msg) {
	var req submitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}
	inv := cp.handler(req.HostID, req.Payload)

	cp.mu.Lock()
	if cp.cancelled[req.CommandID] {
		inv.Status = controlplane.Cancelled
	}
	cp.invocations[req.CommandID] = inv
	cp.mu.Unlock()
}

// SubmitCommand implements controlplane.ControlPlane.
func (cp *ControlPlane) SubmitCommand(ctx context.Context, hostID string, payload string) (string, error) {
	commandID := uuid.NewString()
	req := submitRequest{CommandID: commandID, HostID: hostID, Payload: payload}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	cp.mu.Lock()
	cp.invocations[commandID] = controlplane.Invocation{Status: controlplane.Pending}
	cp.mu.Unlock()

	if err := cp.nc.Publish("controlplane.submit", data); err != nil {
		return "", errors.Wrap(err, "publishing submit")
	}
	return commandID, nil
}

// GetInvocation implements controlplane.ControlPlane.
func (cp *ControlPlane) GetInvocation(ctx context.Context, hostID, commandID string) (controlplane.Invocation, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	inv, ok := cp.invocations[commandID]
	if !ok {
		return controlplane.Invocation{}, fmt.Errorf("unknown command %s", commandID)
	}
	return inv, nil
}

// CancelCommand implements controlplane.ControlPlane.
func (cp *ControlPlane) CancelCommand(ctx context.Context, hostID, commandID string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.cancelled[commandID] = true
	if inv, ok := cp.invocations[commandID]; ok && !inv.Status.Terminal() {
		inv.Status = controlplane.Cancelled
		cp.invocations[commandID] = inv
	}
	return nil
}

// Close closes the NATS connection without draining it.
func (cp *ControlPlane) Close() {
	cp.nc.Close()
}
