// Package logging provides the standardized structured-logging helper shared
// by every package in the module, generalized from the per-package
// LoggerHelper pattern used throughout the protocol layer.
package logging

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Helper builds structured logrus fields for a single call, tagged with the
// owning package and function name.
type Helper struct {
	function string
	fields   logrus.Fields
}

// NewLogger creates a logging helper for pkg.function, the same shape as
// every component's constructor-time logger.
func NewLogger(pkg, function string) *Helper {
	return &Helper{
		function: function,
		fields: logrus.Fields{
			"function": function,
			"package":  pkg,
		},
	}
}

// WithCaller annotates the helper with the immediate caller's file:line.
func (l *Helper) WithCaller() *Helper {
	if pc, file, line, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName := fn.Name()
			if lastSlash := strings.LastIndex(funcName, "/"); lastSlash >= 0 {
				funcName = funcName[lastSlash+1:]
			}
			l.fields["caller"] = fmt.Sprintf("%s:%d", file, line)
			l.fields["caller_func"] = funcName
		}
	}
	return l
}

// WithField adds one field to the helper.
func (l *Helper) WithField(key string, value interface{}) *Helper {
	l.fields[key] = value
	return l
}

// WithFields merges fields into the helper.
func (l *Helper) WithFields(fields logrus.Fields) *Helper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError records an error, its taxonomy kind, and the operation that failed.
func (l *Helper) WithError(err error, errorType, operation string) *Helper {
	l.fields["error"] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

// Entry logs function entry at debug level.
func (l *Helper) Entry(message string) {
	logrus.WithFields(l.fields).Debug("Function entry: " + message)
}

// Exit logs function exit at debug level.
func (l *Helper) Exit() {
	logrus.WithFields(l.fields).Debug("Function exit: " + l.function)
}

// Debug logs a debug message with the accumulated fields.
func (l *Helper) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }

// Info logs an info message with the accumulated fields.
func (l *Helper) Info(message string) { logrus.WithFields(l.fields).Info(message) }

// Warn logs a warning message with the accumulated fields.
func (l *Helper) Warn(message string) { logrus.WithFields(l.fields).Warn(message) }

// Error logs an error message with the accumulated fields.
func (l *Helper) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// BytesPreview shows only the first few bytes of sensitive or bulky data,
// for safe inclusion in log fields.
func BytesPreview(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		previewLen := 8
		if len(data) < previewLen {
			previewLen = len(data)
		}
		preview = fmt.Sprintf("%x", data[:previewLen])
		if len(data) > previewLen {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}

// OperationFields builds the standard {operation, status, ...} field set.
func OperationFields(operation, status string, additional ...logrus.Fields) logrus.Fields {
	fields := logrus.Fields{
		"operation": operation,
		"status":    status,
	}
	for _, extra := range additional {
		for k, v := range extra {
			fields[k] = v
		}
	}
	return fields
}
