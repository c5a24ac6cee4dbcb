// Package fleet models the bipartite Host/Role structure of a provisioned
// cluster and encodes the constant role-to-service mapping as a static
// table rather than as polymorphic per-role objects.
package fleet

import (
	"github.com/armadaproject/exparch/internal/orchestrator/config"
)

// Host is an opaque cloud identifier plus connection details, grouped by
// Role at provisioning time and never mutated thereafter.
type Host struct {
	ID        string
	PrivateIP string
	Role      config.Role
	VolumeID  string // set only for the storage role
}

// ProbeKind enumerates the three health-probe mechanisms the service table
// uses.
type ProbeKind string

const (
	ProbeTCPPort    ProbeKind = "tcp-port"
	ProbeChallenge  ProbeKind = "text-challenge-response"
	ProbeHTTPStatus ProbeKind = "http-status"
)

// ServiceDescriptor is one constant entry of the service table: a service
// expected on
// a role, whether it must be active, and how to probe its health.
type ServiceDescriptor struct {
	ServiceName    string
	RequiredActive bool
	ProbeKind      ProbeKind

	// TCP / challenge-response parameters.
	Port int

	// Challenge/response parameters.
	Challenge, ExpectedResponse string

	// HTTP status parameters.
	URLPath        string
	ExpectedStatus int
}

// ServiceTable maps each role to its expected services and endpoints.
// worker carries no services, so the Prober's services-active stage runs no
// check on worker hosts; the presence of the benchmark binary on a worker
// is not checked.
var ServiceTable = map[config.Role][]ServiceDescriptor{
	config.RoleCoordinator: {
		{
			ServiceName:      "zk.service",
			RequiredActive:   true,
			ProbeKind:        ProbeChallenge,
			Port:             2181,
			Challenge:        "ruok",
			ExpectedResponse: "imok",
		},
	},
	config.RoleStorage: {
		{
			ServiceName:    "bk.service",
			RequiredActive: true,
			ProbeKind:      ProbeTCPPort,
			Port:           3181,
		},
	},
	config.RoleBroker: {
		{
			ServiceName:    "broker.service",
			RequiredActive: true,
			ProbeKind:      ProbeHTTPStatus,
			URLPath:        "/admin/v2/brokers/health",
			ExpectedStatus: 200,
		},
	},
	config.RoleWorker: {},
}

// Fleet is the full set of hosts provisioned for one experiment.
type Fleet struct {
	Hosts []Host
}

// ByRole returns the subset of hosts with the given role.
func (f Fleet) ByRole(role config.Role) []Host {
	var out []Host
	for _, h := range f.Hosts {
		if h.Role == role {
			out = append(out, h)
		}
	}
	return out
}

// Workers is shorthand for ByRole(RoleWorker), used by the Matrix Runner to
// round-robin benchmark invocations across worker hosts.
func (f Fleet) Workers() []Host {
	return f.ByRole(config.RoleWorker)
}
