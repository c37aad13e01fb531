package logger

// Logger is the minimal structured logging interface used by the engine.
// Implementations accept alternating key/value pairs as variadic arguments.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation/trace ID for each request. It must be
// cheap and safe for concurrent calls.
type TraceIDFunc func() string
