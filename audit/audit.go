// Package audit provides structured security audit logging. Every key
// archival round trip, recovery decision, and issuance outcome is recorded
// through one Logger so deployments can route the audit stream separately
// from operational logs.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event identifies the type of security-relevant action being logged.
type Event string

const (
	EventProfileModified  Event = "profile_modified"
	EventCertIssued       Event = "cert_issued"
	EventEnrollRejected   Event = "enroll_rejected"
	EventKeygenSuccess    Event = "sskg_keygen_success"
	EventKeygenFailure    Event = "sskg_keygen_failure"
	EventRetrieveSuccess  Event = "sskg_retrieve_success"
	EventRetrieveFailure  Event = "sskg_retrieve_failure"
	EventArchivalSuccess  Event = "key_archival_success"
	EventArchivalFailure  Event = "key_archival_failure"
	EventRecoveryApproved Event = "recovery_approved"
	EventRecoveryRejected Event = "recovery_rejected"
	EventRecoveryCanceled Event = "recovery_canceled"
	EventKeyRetrieved     Event = "key_retrieved"
	EventKeyModified      Event = "key_record_modified"
	EventKeyAccessDenied  Event = "key_access_denied"
)

// Logger wraps slog.Logger for structured audit logging.
type Logger struct {
	logger *slog.Logger
}

// New returns a Logger writing through the given slog logger. A nil logger
// falls back to slog.Default.
func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "audit")}
}

// Log writes one structured audit entry. The requestID is the stable
// request identifier, never any key material.
func (l *Logger) Log(ctx context.Context, event Event, requestID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("request_id", requestID),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", baseAttrs...)
}

// Failure records a failed operation with its reason.
func (l *Logger) Failure(ctx context.Context, event Event, requestID, reason string, attrs ...slog.Attr) {
	all := append([]slog.Attr{slog.String("reason", reason)}, attrs...)
	l.Log(ctx, event, requestID, all...)
}
