package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// StructuredLogger is the concrete core.Logger implementation used across
// the council proxy. It auto-detects Kubernetes to pick a log format,
// rate-limits error logs, and supports component-scoped sub-loggers so
// components such as "council/orchestrator", "council/synthesizer",
// "streaming/hub" and "api/server" each tag their own lines.
type StructuredLogger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
	mu        *sync.RWMutex

	errorLimiter *RateLimiter
}

var _ core.ComponentAwareLogger = (*StructuredLogger)(nil)

// NewStructuredLogger creates a logger for service, auto-detecting format
// from the environment the way the teacher's createTelemetryLogger does:
// JSON under Kubernetes, text otherwise, with LOG_FORMAT/LOG_LEVEL/DEBUG
// overrides.
func NewStructuredLogger(service string) *StructuredLogger {
	level := envOr("LOG_LEVEL", "INFO")
	debug := os.Getenv("DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		format = v
	}

	return &StructuredLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		service:      service,
		format:       format,
		output:       os.Stdout,
		mu:           &sync.RWMutex{},
		errorLimiter: NewRateLimiter(time.Second),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// WithComponent returns a sub-logger that shares this logger's settings
// but tags every line with component. Satisfies core.ComponentAwareLogger.
func (l *StructuredLogger) WithComponent(component string) core.Logger {
	clone := *l
	clone.component = component
	return &clone
}

// SetOutput redirects log output, useful in tests.
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// Error rate-limits to one log line per second to survive correlated
// provider-fan-out failures without flooding output, annotating the
// emitted line with how many errors were dropped since the last one.
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	fields = l.gateError(fields)
	if fields == nil {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, withTrace(ctx, fields))
}
func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, withTrace(ctx, fields))
}
func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	fields = l.gateError(withTrace(ctx, fields))
	if fields == nil {
		return
	}
	l.log("ERROR", msg, fields)
}

// gateError applies errorLimiter, returning nil when this call should be
// suppressed and otherwise the fields annotated with suppressed_errors
// when the gate reopened after dropping at least one call.
func (l *StructuredLogger) gateError(fields map[string]interface{}) map[string]interface{} {
	if l.errorLimiter == nil {
		return fields
	}
	allowed, suppressed := l.errorLimiter.AllowWithSuppressed()
	if !allowed {
		return nil
	}
	if suppressed == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["suppressed_errors"] = suppressed
	return out
}
func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, withTrace(ctx, fields))
}

func withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	tc := GetTraceContext(ctx)
	if tc.TraceID == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = tc.TraceID
	return out
}

func (l *StructuredLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *StructuredLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *StructuredLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	comp := l.service
	if l.component != "" {
		comp = l.component
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, comp, msg, b.String())
}

func (l *StructuredLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	cur, ok1 := levels[l.level]
	msg, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return msg >= cur
}
