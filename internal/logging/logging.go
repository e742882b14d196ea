// Package logging builds the process logger and the optional Sentry hub.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns a logger writing to stdout. An unknown level falls back to
// info and is reported once through the new logger.
func New(level, format string) *logrus.Logger {
	return NewWithOutput(os.Stdout, level, format)
}

func NewWithOutput(out io.Writer, level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			DisableQuote:    true,
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.Errorf("invalid log level %q, defaulting to info", level)
		return logger
	}
	logger.SetLevel(parsed)
	return logger
}

// InitSentry configures the Sentry client and returns a hub tagged for this
// service. It returns nil and no error when dsn is empty.
func InitSentry(dsn, release string) (*sentry.Hub, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          release,
	})
	if err != nil {
		return nil, err
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("service", "solver-gateway")
	})
	return hub, nil
}

// Flush waits for buffered Sentry events. Safe with a nil hub.
func Flush(hub *sentry.Hub, timeout time.Duration) {
	if hub == nil {
		return
	}
	hub.Flush(timeout)
}

// LogAndCapture logs err at error level and, when hub is set, reports it to
// Sentry with the same fields attached as extras.
func LogAndCapture(logger logrus.FieldLogger, hub *sentry.Hub, err error, msg string, fields logrus.Fields) {
	if err == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(fields).WithError(err).Error(msg)

	if hub == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetExtra("context", msg)
		for key, value := range fields {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}
