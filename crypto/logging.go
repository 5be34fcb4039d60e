package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper carries the standard function/package fields shared by the
// engine packages and keeps secret material out of log output.
type LoggerHelper struct {
	function string
	pkg      string
	fields   logrus.Fields
}

// NewLogger creates a logger helper for a function of the crypto package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger creates a logger helper for any engine package.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{
		function: function,
		pkg:      pkg,
		fields: logrus.Fields{
			"function": function,
			"package":  pkg,
		},
	}
}

// WithField adds a custom field to the logger
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields adds multiple custom fields to the logger
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithUID logs only the short prefix of a UID.
func (l *LoggerHelper) WithUID(name string, uid UID) *LoggerHelper {
	l.fields[name] = uid.Short()
	return l
}

// WithError adds error information to the logger
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	if err != nil {
		l.fields["error"] = err.Error()
	}
	l.fields["operation"] = operation
	return l
}

// Security marks the entry as security relevant, e.g. a forged packet.
func (l *LoggerHelper) Security() *LoggerHelper {
	l.fields["security"] = true
	return l
}

func (l *LoggerHelper) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }

func (l *LoggerHelper) Info(message string) { logrus.WithFields(l.fields).Info(message) }

func (l *LoggerHelper) Warn(message string) { logrus.WithFields(l.fields).Warn(message) }

func (l *LoggerHelper) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// SecureFieldHash creates a secure hash preview of sensitive data for logging
// This shows only the first 8 bytes of sensitive data for debugging purposes
func SecureFieldHash(data []byte, name string) logrus.Fields {
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
