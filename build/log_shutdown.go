package build

import (
	"github.com/btcsuite/btclog"
)

// ShutdownLogger wraps a subsystem logger so that a critical log line also
// requests a shutdown of the daemon.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger creates a shutdown logger for the log provided.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at LevelCritical and then requests shutdown.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.Logger.Info("Requesting shutdown after critical error")
	s.shutdown()
}

// Critical logs at LevelCritical and then requests shutdown.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.Logger.Info("Requesting shutdown after critical error")
	s.shutdown()
}
