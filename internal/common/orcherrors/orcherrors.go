// Package orcherrors defines the orchestrator's error kinds as a single sum
// type, so that the Sequencer can switch on cause without string-matching
// and every user-visible failure carries a phase, component, and (where
// applicable) host.
package orcherrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the abstract error categories the Sequencer reasons about.
type Kind string

const (
	ConfigInvalid           Kind = "ConfigInvalid"
	ProvisionerFailed       Kind = "ProvisionerFailed"
	ReadinessTimeout        Kind = "ReadinessTimeout"
	ExecutionFailed         Kind = "ExecutionFailed"
	ResourceDiscoveryFailed Kind = "ResourceDiscoveryFailed"
	Cancelled               Kind = "Cancelled"
	Internal                Kind = "Internal"
)

// Error is the orchestrator's structured error type. It always names the
// phase and component responsible, and optionally the host, so that
// user-visible failure reporting is consistent across the orchestrator.
type Error struct {
	Kind      Kind
	Phase     string
	Component string
	Host      string
	cause     error
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s: phase=%s component=%s host=%s: %v", e.Kind, e.Phase, e.Component, e.Host, e.cause)
	}
	return fmt.Sprintf("%s: phase=%s component=%s: %v", e.Kind, e.Phase, e.Component, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause implements the informal causer interface pkg/errors and
// internal/common/logging recognise, so WithStacktrace can recover a stack
// trace captured by New/Wrap.
func (e *Error) Cause() error { return e.cause }

// New builds an Error wrapping a fresh stack trace for msg.
func New(kind Kind, phase, component, msg string) *Error {
	return &Error{Kind: kind, Phase: phase, Component: component, cause: errors.New(msg)}
}

// Wrap builds an Error of the given kind around an existing error, always
// capturing a stack trace at the wrap site.
func Wrap(kind Kind, phase, component string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Phase: phase, Component: component, cause: errors.WithStack(err)}
}

// WithHost attaches a host identifier to an Error, returning the same
// instance for chaining.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, defaulting
// to Internal for anything else.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
