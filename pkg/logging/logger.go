package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/austin-smith/fusion-bridge-sub007/pkg/config"
)

// Logger is the logger instance shared across the service
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
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger with a service field
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger = logger.WithField("service", serviceName).Logger
	return logger
}

// WithComponent returns an entry tagged with a component field so engine,
// broker, and handler logs stay distinguishable in aggregate.
func WithComponent(logger Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
