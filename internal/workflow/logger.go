package workflow

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapLogger adapts zap to the Temporal SDK logger.
type ZapLogger struct {
	l *zap.SugaredLogger
}

var _ log.Logger = (*ZapLogger)(nil)

// NewZapLogger wraps l.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{l: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *ZapLogger) Debug(msg string, keyvals ...interface{}) { z.l.Debugw(msg, keyvals...) }
func (z *ZapLogger) Info(msg string, keyvals ...interface{})  { z.l.Infow(msg, keyvals...) }
func (z *ZapLogger) Warn(msg string, keyvals ...interface{})  { z.l.Warnw(msg, keyvals...) }
func (z *ZapLogger) Error(msg string, keyvals ...interface{}) { z.l.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (z *ZapLogger) With(keyvals ...interface{}) log.Logger {
	return &ZapLogger{l: z.l.With(keyvals...)}
}
