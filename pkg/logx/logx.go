// Package logx provides structured logging with per-component loggers, domain-filtered
// debug output and an in-memory buffer of recent entries for the gateway.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes lines tagged with the component that produced them.
type Logger struct {
	component string
}

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which domains to enable debug for (nil = all)
}

// LogEntry represents a structured log entry served by the gateway.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// InMemoryLogBuffer stores recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

type ctxKey struct{}

//nolint:gochecknoglobals // Process-wide logging sink
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	output     io.Writer = os.Stderr
	outputLock sync.Mutex

	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000, // Keep last 1000 log entries
	}
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_DOMAINS=circuit,retry
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// NewLogger creates a logger for the named component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all log lines to w and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outputLock.Lock()
	defer outputLock.Unlock()
	prev := output
	output = w
	return prev
}

// SetDebug enables or disables debug logging globally.
func SetDebug(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains configures which domains should have debug logging enabled.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// WithRequestID returns a context carrying the request id used to tag log lines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestID extracts the request id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// AddLogEntry adds a log entry to the in-memory buffer.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of current log entries, optionally filtered by component.
func (b *InMemoryLogBuffer) GetLogEntries(component string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if component != "" && !strings.EqualFold(entry.Component, component) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns recent log entries across all components.
func GetRecentLogEntries(component string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(component, since)
}

func write(entry *LogEntry) {
	prefix := ""
	if entry.RequestID != "" {
		prefix = "[" + entry.RequestID + "] "
	}
	if entry.Domain != "" {
		prefix += "[" + entry.Domain + "] "
	}
	line := fmt.Sprintf("[%s] [%s] %s: %s%s\n", entry.Timestamp, entry.Component, entry.Level, prefix, entry.Message)

	outputLock.Lock()
	_, _ = io.WriteString(output, line)
	outputLock.Unlock()

	logBuffer.AddLogEntry(entry)
}

func (l *Logger) log(level Level, requestID, format string, args ...any) {
	write(&LogEntry{
		Timestamp: time.Now().UTC().Format(timestampFormat),
		Component: l.component,
		Level:     string(level),
		Message:   fmt.Sprintf(format, args...),
		RequestID: requestID,
	})
}

// Debug logs when debug output is enabled for the logger's component.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	l.log(LevelDebug, "", format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "", format, args...)
}

// InfoCtx logs at info level tagged with the request id carried by ctx.
func (l *Logger) InfoCtx(ctx context.Context, format string, args ...any) {
	l.log(LevelInfo, RequestID(ctx), format, args...)
}

// WarnCtx logs at warn level tagged with the request id carried by ctx.
func (l *Logger) WarnCtx(ctx context.Context, format string, args ...any) {
	l.log(LevelWarn, RequestID(ctx), format, args...)
}

// Component returns the component name the logger tags lines with.
func (l *Logger) Component() string {
	return l.component
}

// Debug logs a debug message with context and domain filtering.
//
//	DEBUG=1                            # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=circuit      # Enable debug only for the circuit domain
//	DEBUG=1 DEBUG_DOMAINS=retry,sse    # Enable debug for multiple domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	write(&LogEntry{
		Timestamp: time.Now().UTC().Format(timestampFormat),
		Component: "debug",
		Level:     string(LevelDebug),
		Message:   fmt.Sprintf(format, args...),
		Domain:    domain,
		RequestID: RequestID(ctx),
	})
}

// DebugState logs a state transition for a domain.
func DebugState(ctx context.Context, domain, action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "State %s: %s%s", action, state, extraInfo)
}

//nolint:gochecknoglobals // Package-level convenience logger
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
