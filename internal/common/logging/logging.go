// Package logging provides the structured logger used throughout the
// orchestrator. It wraps logrus so that every component logs through the
// same set of fields (phase, stage, host, component) regardless of whether
// it is writing to the console or to an experiment's orchestrator.log.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	std.SetOutput(os.Stdout)
}

// Fields is a shorthand for the map type accepted by WithFields.
type Fields = logrus.Fields

// ConfigureConsole sets the console log level. It is safe to call before
// AttachFileOutput.
func ConfigureConsole(level logrus.Level) {
	std.SetLevel(level)
}

// MustConfigureApplicationLogging sets up console logging for a CLI
// invocation, honouring EXPARCH_LOG_LEVEL if set. Parse failures fall back
// to info rather than aborting startup over a log-level typo.
func MustConfigureApplicationLogging() {
	level := logrus.InfoLevel
	if raw := os.Getenv("EXPARCH_LOG_LEVEL"); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	ConfigureConsole(level)
}

// AttachFileOutput tees all log output to a rotating file in addition to the
// console, for the duration of a single experiment. Returns a function that
// detaches the file writer again; callers should defer it.
func AttachFileOutput(path string) (detach func(), err error) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     0,
		Compress:   false,
	}
	multi := io.MultiWriter(os.Stdout, rotator)
	std.SetOutput(multi)
	return func() {
		std.SetOutput(os.Stdout)
		_ = rotator.Close()
	}, nil
}

// StandardLogger exposes the underlying logrus logger for call sites that
// need direct access (armadacontext.Background, tests).
func StandardLogger() *logrus.Logger {
	return std
}

func Debug(msg string)                     { std.Debug(msg) }
func Debugf(format string, args ...any)     { std.Debugf(format, args...) }
func Info(msg string)                       { std.Info(msg) }
func Infof(format string, args ...any)      { std.Infof(format, args...) }
func Warn(msg string)                       { std.Warn(msg) }
func Warnf(format string, args ...any)      { std.Warnf(format, args...) }
func Error(msg string)                      { std.Error(msg) }
func Errorf(format string, args ...any)     { std.Errorf(format, args...) }
func WithError(err error) *logrus.Entry     { return std.WithError(err) }
func WithField(k string, v any) *logrus.Entry {
	return std.WithField(k, v)
}
func WithFields(fields map[string]any) *logrus.Entry {
	return std.WithFields(logrus.Fields(fields))
}
