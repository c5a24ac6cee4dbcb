// Package executor implements the remote executor: it submits a command
// payload through a controlplane.ControlPlane, polls to a terminal status
// under exponential backoff, and exposes file upload/download as derived
// operations over the same channel.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/orcherrors"
	"github.com/armadaproject/exparch/internal/common/retry"
	"github.com/armadaproject/exparch/internal/orchestrator/controlplane"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

// backoff is the Executor's poll schedule: 2s start, factor 1.5, cap 10s.
var backoff = retry.Backoff{Initial: 2 * time.Second, Factor: 1.5, Max: 10 * time.Second}

// payloadBudget bounds the size of a single here-doc write; files larger
// than this are split into sequential append commands.
const payloadBudget = 32 * 1024

var (
	commandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "exparch",
		Subsystem: "executor",
		Name:      "command_duration_seconds",
		Help:      "Time from command submission to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"outcome"})
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exparch",
		Subsystem: "executor",
		Name:      "commands_total",
		Help:      "Commands submitted, partitioned by terminal outcome.",
	}, []string{"outcome"})
)

// Result is the outcome of a terminal RemoteCommand.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int32
}

// Executor drives commands against a single shared ControlPlane, safe for
// concurrent use across multiple in-flight Run calls.
type Executor struct {
	ControlPlane controlplane.ControlPlane
	Backoff      retry.Backoff
}

// New wraps a ControlPlane with the Executor's default poll backoff.
func New(cp controlplane.ControlPlane) *Executor {
	return &Executor{ControlPlane: cp, Backoff: backoff}
}

// Run submits payload to host and polls until a terminal status, a
// deadline, or ctx cancellation. On any non-Success terminal status it
// returns an ExecutionFailed error carrying stderr and the terminal kind;
// on deadline exceeded it best-effort cancels the command and returns an
// ExecutionFailed error; on ctx cancellation it does the same but returns a
// Cancelled error instead, so callers can distinguish the two.
func (e *Executor) Run(ctx *armadacontext.Context, host fleet.Host, payload string, deadline time.Duration) (Result, error) {
	hostCtx := armadacontext.WithLogField(ctx, "host", host.ID)

	commandID, err := e.ControlPlane.SubmitCommand(hostCtx, host.ID, payload)
	if err != nil {
		return Result{}, orcherrors.Wrap(orcherrors.ExecutionFailed, "run", "executor", err).WithHost(host.ID)
	}
	hostCtx = armadacontext.WithLogField(hostCtx, "command_id", commandID)

	start := time.Now()
	var inv controlplane.Invocation
	pollErr := retry.WaitFor(hostCtx.Context, deadline, e.Backoff, func(_ context.Context) error {
		got, err := e.ControlPlane.GetInvocation(hostCtx, host.ID, commandID)
		if err != nil {
			return retry.Transient(err)
		}
		inv = got
		if !inv.Status.Terminal() {
			return retry.Transient(errNotTerminal)
		}
		return nil
	})

	if pollErr != nil {
		_ = e.ControlPlane.CancelCommand(hostCtx, host.ID, commandID)

		if hostCtx.Context.Err() != nil {
			hostCtx.Log.WithError(pollErr).Warn("command cancelled before reaching a terminal status")
			commandLatency.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
			commandsTotal.WithLabelValues("cancelled").Inc()
			return Result{}, orcherrors.New(orcherrors.Cancelled, "run", "executor", "command cancelled").WithHost(host.ID)
		}

		hostCtx.Log.WithError(pollErr).Warn("command did not reach a terminal status within its deadline, cancelling")
		commandLatency.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		commandsTotal.WithLabelValues("timeout").Inc()
		return Result{}, orcherrors.New(orcherrors.ExecutionFailed, "run", "executor", "command exceeded its deadline").WithHost(host.ID)
	}

	outcome := strings.ToLower(string(inv.Status))
	commandLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	commandsTotal.WithLabelValues(outcome).Inc()

	if inv.Status != controlplane.Success {
		hostCtx.Log.WithField("terminal_status", inv.Status).WithField("stderr", inv.Stderr).Warn("command terminated unsuccessfully")
		return Result{}, orcherrors.New(orcherrors.ExecutionFailed, "run", "executor",
			fmt.Sprintf("command terminated %s: %s", inv.Status, inv.Stderr)).WithHost(host.ID)
	}

	return Result{Stdout: inv.Stdout, Stderr: inv.Stderr, ExitCode: inv.ExitCode}, nil
}

// ServiceActive implements prober.ServiceActiveChecker: it asks the host to
// report whether a systemd unit is active, translating a non-zero exit into
// an error the Prober's Stage 3 backoff treats as "not ready yet".
func (e *Executor) ServiceActive(ctx *armadacontext.Context, host fleet.Host, serviceName string) error {
	res, err := e.Run(ctx, host, fmt.Sprintf("systemctl is-active %s", serviceName), 30*time.Second)
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) != "active" {
		return fmt.Errorf("service %s reported %q", serviceName, strings.TrimSpace(res.Stdout))
	}
	return nil
}

// Upload writes data to path on host, splitting across multiple here-doc
// commands when data exceeds payloadBudget.
func (e *Executor) Upload(ctx *armadacontext.Context, host fleet.Host, path string, data []byte, deadline time.Duration) error {
	first := true
	for offset := 0; offset < len(data) || first; {
		end := offset + payloadBudget
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		redirect := ">"
		if !first {
			redirect = ">>"
		}
		// The chunk is staged in a scratch file through a quoted heredoc,
		// so the shell performs no expansion on it, then written or
		// appended to path. A chunk line equal to EXPARCH_EOF ends the
		// heredoc early.
		payload := fmt.Sprintf("cat > /tmp/exparch-chunk <<'EXPARCH_EOF'\n%s\nEXPARCH_EOF\ncat /tmp/exparch-chunk %s %s", string(chunk), redirect, path)

		if _, err := e.Run(ctx, host, payload, deadline); err != nil {
			return err
		}

		first = false
		offset = end
		if len(data) == 0 {
			break
		}
	}
	return nil
}

// Download reads path from host and returns its contents.
func (e *Executor) Download(ctx *armadacontext.Context, host fleet.Host, path string, deadline time.Duration) ([]byte, error) {
	res, err := e.Run(ctx, host, fmt.Sprintf("cat %s", path), deadline)
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

var errNotTerminal = fmt.Errorf("command has not reached a terminal status")
