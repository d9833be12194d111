package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every engine component accepts. It
// never panics and never writes straight to stdout; callers decide
// where the lines end up.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsDebugEnabled() bool
}

// CLI is a logrus-backed Logger, the same shape the teacher's CLI
// front-end used for its build/provision output. Debugf is silent
// unless IsDebug is set; Infof is silent unless IsVerbose is set,
// matching the source's verbosity gating.
type CLI struct {
	IsDebug   bool
	IsVerbose bool
}

// Debugf logs at trace level, gated on IsDebug.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf logs at error level unconditionally.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof logs at debug level, gated on IsVerbose.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Warnf logs at warn level unconditionally.
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsDebugEnabled reports whether the trace level used by Debugf would
// actually be emitted, so callers can skip building expensive messages.
func (log *CLI) IsDebugEnabled() bool {
	return log.IsDebug
}

// NilLogger discards everything; it's the zero-config default for
// callers that don't care about engine diagnostics.
type NilLogger struct{}

func (NilLogger) Debugf(string, ...interface{}) {}
func (NilLogger) Errorf(string, ...interface{}) {}
func (NilLogger) Infof(string, ...interface{})  {}
func (NilLogger) Warnf(string, ...interface{})  {}
func (NilLogger) IsDebugEnabled() bool          { return false }
