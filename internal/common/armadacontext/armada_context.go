// Package armadacontext extends context.Context with a structured logger so
// that every suspension point in the orchestrator (control-plane poll waits,
// backoff sleeps, subprocess invocations, cloud-API calls) can log with
// consistent fields (phase, stage, host, component) without threading a
// logger through every function signature separately.
package armadacontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/armadaproject/exparch/internal/common/logging"
)

// Context is an extension of Go's context which also carries a logger.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background creates an empty context with the default logger. Analogous to
// context.Background().
func Background() *Context {
	return &Context{
		Context: context.Background(),
		Log:     logrus.NewEntry(logging.StandardLogger()),
	}
}

// TODO creates an empty context with the default logger. Analogous to
// context.TODO().
func TODO() *Context {
	return &Context{
		Context: context.TODO(),
		Log:     logrus.NewEntry(logging.StandardLogger()),
	}
}

// New wraps an existing context and logger into an armadacontext.
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{Context: ctx, Log: log}
}

// WithCancel returns a copy of parent with a new Done channel. Analogous to
// context.WithCancel().
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return &Context{Context: c, Log: parent.Log}, cancel
}

// WithDeadline returns a copy of parent whose deadline is no later than d.
// Analogous to context.WithDeadline().
func WithDeadline(parent *Context, d time.Time) (*Context, context.CancelFunc) {
	c, cancel := context.WithDeadline(parent.Context, d)
	return &Context{Context: c, Log: parent.Log}, cancel
}

// WithTimeout returns WithDeadline(parent, time.Now().Add(timeout)).
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	return WithDeadline(parent, time.Now().Add(timeout))
}

// WithLogField returns a copy of parent with key/val added to the logger.
func WithLogField(parent *Context, key string, val any) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithField(key, val)}
}

// WithLogFields returns a copy of parent with fields added to the logger.
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithFields(fields)}
}

// WithValue returns a copy of parent carrying the given key/value pair.
// Analogous to context.WithValue().
func WithValue(parent *Context, key, val any) *Context {
	return &Context{Context: context.WithValue(parent.Context, key, val), Log: parent.Log}
}

// ErrGroup returns a new error group and an associated Context derived from
// ctx, for fan-out-with-barrier concurrency (the Readiness Prober's
// per-stage, per-host probes).
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goCtx := errgroup.WithContext(ctx.Context)
	return group, &Context{Context: goCtx, Log: ctx.Log}
}
