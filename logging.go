package medauthz

import (
	"github.com/google/uuid"

	"github.com/oarkflow/medauthz/logger"
)

// Logger is re-exported so callers do not need to import the subpackage.
type Logger = logger.Logger

// TraceIDFunc generates a correlation ID per request.
type TraceIDFunc = logger.TraceIDFunc

func defaultLogger() Logger { return logger.NewPhusluLogger() }

func defaultTraceID() string { return uuid.NewString() }

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return NewConfigurationError("nil logger")
		}
		e.logger = l
		e.policies.SetLogger(l)
		e.audit.SetLogger(l)
		return nil
	}
}

// WithTraceIDFunc installs a custom trace ID generator on the engine.
func WithTraceIDFunc(f TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		if f == nil {
			return NewConfigurationError("nil trace id func")
		}
		e.traceIDFunc = f
		return nil
	}
}
