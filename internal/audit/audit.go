// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit emits structured security-relevant log lines: logins,
// policy denials, and credential/policy mutations. Events are logged with
// their target and reason but never persisted anywhere; they are a log
// stream, not a stored audit trail.
package audit

import (
	"github.com/Annihilater/net-relay/internal/logging"
)

// EventType names the kind of security-relevant event.
type EventType string

const (
	EventLoginSuccess  EventType = "login_success"
	EventLoginFailure  EventType = "login_failure"
	EventLogout        EventType = "logout"
	EventPolicyDeny    EventType = "policy_deny"
	EventConfigChange  EventType = "config_change"
	EventUserChange    EventType = "user_change"
)

// Logger writes audit events through a *logging.Logger.
type Logger struct {
	logger *logging.Logger
}

// New creates an audit Logger backed by logger.
func New(logger *logging.Logger) *Logger {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Logger{logger: logger.With("component", "audit")}
}

// Event logs one audit event with arbitrary key/value context, always
// leading with event_type and user so every audit line is consistently
// shaped regardless of what additional context kv carries.
func (l *Logger) Event(event EventType, username string, kv ...any) {
	fields := append([]any{"event_type", string(event), "user", username}, kv...)
	l.logger.Info("audit", fields...)
}
