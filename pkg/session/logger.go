package session

import (
	"go.uber.org/zap"
)

// zapLogger wraps zap.SugaredLogger to implement the Logger interface.
type zapLogger struct {
	*zap.SugaredLogger
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) {
	z.SugaredLogger.Debugw(msg, fields...)
}

func (z *zapLogger) Info(msg string, fields ...interface{}) {
	z.SugaredLogger.Infow(msg, fields...)
}

func (z *zapLogger) Warn(msg string, fields ...interface{}) {
	z.SugaredLogger.Warnw(msg, fields...)
}

func (z *zapLogger) Error(msg string, fields ...interface{}) {
	z.SugaredLogger.Errorw(msg, fields...)
}

// NewZapLogger adapts an existing zap logger to the Logger interface.
func NewZapLogger(logger *zap.Logger) Logger {
	return &zapLogger{logger.Sugar()}
}

// NewProductionLogger returns a zap-backed production logger. Falls back to
// a no-op logger when zap cannot initialize.
func NewProductionLogger() Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return nopLogger{}
	}
	return &zapLogger{logger.Sugar()}
}

// NewDevelopmentLogger returns a human-readable console logger for examples
// and local debugging.
func NewDevelopmentLogger() Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nopLogger{}
	}
	return &zapLogger{logger.Sugar()}
}

// nopLogger discards all log output. Used when no logger is configured on
// a component's options.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
