// Package provisioner wraps the external infrastructure-provisioning
// subprocess: an opaque binary invoked with a generated variables document,
// whose stdout/stderr are streamed line-buffered into the experiment log
// and whose only parsed output is its final JSON document.
package provisioner

import (
	"bufio"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/orchestrator/config"
)

func writeVariables(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// Output is the provisioner's structured result: the orchestrator treats
// the subprocess as a black box returning {ok, outputs} or {err, message}.
type Output struct {
	OK      bool                  `json:"ok"`
	Err     bool                  `json:"err"`
	Message string                `json:"message"`
	Outputs map[config.Role][]HostOutput `json:"outputs"`
}

// HostOutput is one provisioned host identifier and its private IP, keyed
// by role in Output.Outputs.
type HostOutput struct {
	ID        string `json:"id"`
	PrivateIP string `json:"privateIp"`
	VolumeID  string `json:"volumeId,omitempty"`
}

// Provisioner invokes the external binary, per the line-marker-delimited
// contract: everything on stdout up to the final JSON line is streamed
// verbatim into the log; the last line is the structured result.
type Provisioner struct {
	BinaryPath string
}

// New wraps the provisioner binary path.
func New(binaryPath string) *Provisioner {
	return &Provisioner{BinaryPath: binaryPath}
}

// Apply invokes the provisioner's default (create) action with the given
// variables document, returning its parsed Output.
func (p *Provisioner) Apply(ctx *armadacontext.Context, experimentID string, variables []byte) (Output, error) {
	return p.run(ctx, "apply", experimentID, variables)
}

// Destroy invokes the provisioner's destroy action: the graceful teardown
// path's first attempt.
func (p *Provisioner) Destroy(ctx *armadacontext.Context, experimentID string) error {
	_, err := p.run(ctx, "destroy", experimentID, nil)
	return err
}

func (p *Provisioner) run(ctx *armadacontext.Context, action, experimentID string, variables []byte) (Output, error) {
	var args []string
	var varsPath string
	if variables != nil {
		varsPath = filepath.Join("/tmp", "exparch-"+experimentID+"-vars.json")
		if err := writeVariables(varsPath, variables); err != nil {
			return Output{}, errors.Wrap(err, "writing provisioner variables document")
		}
		args = append(args, "--vars-file", varsPath)
	}
	args = append(args, action, "--experiment-id", experimentID)

	cmd := exec.CommandContext(ctx.Context, p.BinaryPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, errors.Wrap(err, "attaching provisioner stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, errors.Wrap(err, "attaching provisioner stderr")
	}

	if err := cmd.Start(); err != nil {
		return Output{}, errors.Wrap(err, "starting provisioner")
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		errScanner := bufio.NewScanner(stderr)
		for errScanner.Scan() {
			ctx.Log.WithField("component", "provisioner").Warn(errScanner.Text())
		}
	}()

	var lastLine string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ctx.Log.WithField("component", "provisioner").Info(line)
		lastLine = line
	}

	// Both pipes must be fully drained before Wait closes them, or a
	// subprocess that writes heavily to stderr while stdout is still being
	// read can fill stderr's pipe buffer and deadlock.
	<-stderrDone
	waitErr := cmd.Wait()

	if lastLine == "" {
		if waitErr != nil {
			return Output{}, errors.Wrap(waitErr, "provisioner exited without output")
		}
		return Output{}, errors.New("provisioner produced no output")
	}

	var out Output
	if err := json.Unmarshal([]byte(lastLine), &out); err != nil {
		return Output{}, errors.Wrap(err, "parsing provisioner output document")
	}
	if out.Err || !out.OK {
		msg := out.Message
		if msg == "" {
			msg = "provisioner reported failure with no message"
		}
		return out, errors.New(msg)
	}
	return out, nil
}
