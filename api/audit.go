package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of platform action being logged.
type AuditEvent string

const (
	AuditSessionKeyIssued    AuditEvent = "session_key_issued"
	AuditAnomalyEvaluated    AuditEvent = "anomaly_evaluated"
	AuditCriticalAnomaly     AuditEvent = "critical_anomaly"
	AuditEventReceived       AuditEvent = "security_event_received"
	AuditCriticalEvent       AuditEvent = "critical_event_received"
	AuditEncryptionKeyCreate AuditEvent = "encryption_key_created"
	AuditAdminDenied         AuditEvent = "admin_denied"
	AuditRateLimited         AuditEvent = "rate_limited"
	AuditUnauthorized        AuditEvent = "unauthorized"
)

// auditLogger wraps slog.Logger for structured platform audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "platform-audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	level := slog.LevelInfo
	switch event {
	case AuditCriticalAnomaly, AuditCriticalEvent:
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}
