// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/canonical/relcore"
)

// Logrus wraps a logrus.Logger to implement relcore.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a relcore.Logger from a logrus.Logger. A nil logger
// logs to the logrus standard logger.
func NewLogrus(logger *logrus.Logger) relcore.Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Logrus{logger: logger}
}

// Error logs an error message with key-value pairs.
func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

// Warn logs a warning message with key-value pairs.
func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

// Info logs an info message with key-value pairs.
func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

// argsToFields pairs up args. Pairs whose key is not a string are dropped,
// as is a trailing key without a value.
func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
