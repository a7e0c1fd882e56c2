package rmq

import "go.uber.org/zap"

// LogLevel mirrors the teacher's minimal leveled-logging contract: a small
// closed set of levels, passed to a single Log method alongside
// alternating key/value pairs, so any structured logger in the ecosystem
// can be adapted behind this interface without depending on it directly.
type LogLevel int8

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger is the pluggable logging sink every internal component logs
// through. keyvals is an alternating key/value list, e.g.
// Log(LogLevelWarn, "rebalance found no consumer ids", "topic", topic).
type Logger interface {
	Log(level LogLevel, msg string, keyvals ...interface{})
}

// nopLogger discards everything; defaultLogger falls back to it when zap
// cannot be constructed, and the offset stores use it when given a nil
// Logger.
type nopLogger struct{}

func (nopLogger) Log(LogLevel, string, ...interface{}) {}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface. This is
// the default Logger a Consumer uses when none is supplied via Opt,
// grounded in the wider example corpus's near-universal choice of zap for
// structured application logging.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps z as a Logger.
func NewZapLogger(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

func (l *zapLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	switch level {
	case LogLevelDebug:
		l.s.Debugw(msg, keyvals...)
	case LogLevelInfo:
		l.s.Infow(msg, keyvals...)
	case LogLevelWarn:
		l.s.Warnw(msg, keyvals...)
	case LogLevelError:
		l.s.Errorw(msg, keyvals...)
	default:
		l.s.Infow(msg, keyvals...)
	}
}

func defaultLogger() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		return nopLogger{}
	}
	return NewZapLogger(z)
}
