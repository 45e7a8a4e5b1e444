package logging

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wopr-network/wopr-platform-sub005/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger with a service field applied to
// every entry. Used by the norad and falken entrypoints.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	logger = logger.WithField("service", serviceName).Logger

	return logger
}

// WithComponent returns an entry tagged for a long-running worker
// (watchdog, image-poller, topup-scheduler, meter-consumer, ...) so their
// interleaved output stays attributable.
func WithComponent(logger Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
