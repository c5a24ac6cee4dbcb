package prober

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

const dialTimeout = 5 * time.Second

// DefaultServiceProbe implements ServiceProbe by dialing the host's private
// IP directly from the orchestrator, dispatching on the service
// descriptor's probe kind (fleet.ProbeKind). It never goes through the control plane: a probe that
// only the agent could answer would not be testing the endpoint the workers
// actually connect to.
func DefaultServiceProbe(ctx *armadacontext.Context, host fleet.Host, svc fleet.ServiceDescriptor) error {
	switch svc.ProbeKind {
	case fleet.ProbeTCPPort:
		return probeTCPPort(host, svc)
	case fleet.ProbeChallenge:
		return probeChallenge(host, svc)
	case fleet.ProbeHTTPStatus:
		return probeHTTPStatus(host, svc)
	default:
		return errors.Errorf("unknown probe kind %q", svc.ProbeKind)
	}
}

func probeTCPPort(host fleet.Host, svc fleet.ServiceDescriptor) error {
	addr := net.JoinHostPort(host.PrivateIP, fmt.Sprint(svc.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "dialing %s", addr)
	}
	return conn.Close()
}

func probeChallenge(host fleet.Host, svc fleet.ServiceDescriptor) error {
	addr := net.JoinHostPort(host.PrivateIP, fmt.Sprint(svc.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "dialing %s", addr)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write([]byte(svc.Challenge)); err != nil {
		return errors.Wrap(err, "writing challenge")
	}
	// Read to EOF rather than a newline terminator: the ZooKeeper "ruok"
	// four-letter-word command (and similarly-shaped health checks) reply
	// with a bare string and close the connection, with no trailing
	// delimiter. The dial deadline set above bounds this read.
	reply, err := io.ReadAll(conn)
	if err != nil {
		return errors.Wrap(err, "reading challenge response")
	}
	if trimmed := trimNewline(string(reply)); trimmed != svc.ExpectedResponse {
		return errors.Errorf("unexpected challenge response %q, want %q", trimmed, svc.ExpectedResponse)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func probeHTTPStatus(host fleet.Host, svc fleet.ServiceDescriptor) error {
	client := &http.Client{Timeout: dialTimeout}
	url := fmt.Sprintf("http://%s%s", host.PrivateIP, svc.URLPath)
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != svc.ExpectedStatus {
		return errors.Errorf("GET %s returned %d, want %d", url, resp.StatusCode, svc.ExpectedStatus)
	}
	return nil
}
