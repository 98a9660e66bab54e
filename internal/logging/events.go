package logging

import (
	"net/http"
	"strings"
)

// EventLogger provides structured event logging with fixed schemas so that
// downstream collectors can index on event/action.
type EventLogger struct {
	log func(level Level, msg string, fields ...Field)
}

func NewEventLogger() *EventLogger {
	return &EventLogger{log: log}
}

// Auth logs credential verification events.
// action: verify|reject
func (e *EventLogger) Auth(action, subject, ip string, success bool, reason string) {
	level := DebugLevel
	if !success {
		level = WarnLevel
	}
	status := "success"
	if !success {
		status = "failed"
	}
	fields := []Field{
		F("event", "auth"),
		F("action", action),
		F("status", status),
	}
	if subject != "" {
		fields = append(fields, F("subject", subject))
	}
	if ip != "" {
		fields = append(fields, F("ip", ip))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "auth_event", fields...)
}

// Authorization logs tenant-gate decisions.
// action: allow|deny
func (e *EventLogger) Authorization(action, subject, jobID, reason string) {
	level := InfoLevel
	if action == "deny" {
		level = WarnLevel
	}
	fields := []Field{
		F("event", "authorization"),
		F("action", action),
		F("job_id", jobID),
	}
	if subject != "" {
		fields = append(fields, F("subject", subject))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "authorization_event", fields...)
}

// Stream logs session lifecycle and flow-control events.
// action: attach|detach|pause|resume|terminal
func (e *EventLogger) Stream(action, sessionID, jobID, key, reason string) {
	level := DebugLevel
	switch action {
	case "pause", "resume":
		level = InfoLevel
	case "terminal":
		level = WarnLevel
	}
	fields := []Field{
		F("event", "stream"),
		F("action", action),
		F("session_id", sessionID),
	}
	if jobID != "" {
		fields = append(fields, F("job_id", jobID))
	}
	if key != "" {
		fields = append(fields, F("pool_key", key))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "stream_event", fields...)
}

// Consumer logs pooled-consumer lifecycle events.
// action: connect|disconnect|reconnect|pause|resume|crash|close
func (e *EventLogger) Consumer(action, key, status, details string) {
	level := DebugLevel
	switch {
	case action == "crash" || status == "failed":
		level = ErrorLevel
	case action == "reconnect":
		level = WarnLevel
	case action == "pause" || action == "resume":
		level = InfoLevel
	}
	fields := []Field{
		F("event", "consumer"),
		F("action", action),
		F("pool_key", key),
		F("status", status),
	}
	if details != "" {
		fields = append(fields, F("details", details))
	}
	e.log(level, "consumer_event", fields...)
}

// Infra logs infrastructure events.
// action: connect|disconnect|error|retry|read|write
// component: redis|postgres|kafka|http
func (e *EventLogger) Infra(action, component, status, details string) {
	level := DebugLevel
	if status == "failed" || action == "error" {
		level = ErrorLevel
	} else if action == "retry" {
		level = WarnLevel
	}
	fields := []Field{
		F("event", "infra"),
		F("action", action),
		F("component", component),
		F("status", status),
	}
	if details != "" {
		fields = append(fields, F("details", details))
	}
	e.log(level, "infra_event", fields...)
}

// RemoteAddr extracts the remote address, honoring X-Forwarded-For.
func RemoteAddr(r *http.Request) string {
	if r == nil {
		return ""
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	return r.RemoteAddr
}
