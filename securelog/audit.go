package securelog

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"time"

	"github.com/brokerportal/sessionguard/internal/util"
	"github.com/brokerportal/sessionguard/platform"
)

// refLength is the number of hex characters kept by Ref. It stays well
// below the hex redaction threshold so references survive redaction.
const refLength = 12

// Ref returns a short stable digest of id for correlating audit events
// without logging the identifier itself. Ref("") is "".
func Ref(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return util.HexEncode(sum[:])[:refLength]
}

// EventType identifies a security-relevant action.
type EventType string

const (
	EventEncryptionInitialized EventType = "encryption_initialized"
	EventKeyFallbackGenerated  EventType = "key_fallback_generated"
	EventKeyDegraded           EventType = "key_degraded"
	EventDataEncrypted         EventType = "data_encrypted"
	EventDataDecrypted         EventType = "data_decrypted"
	EventEncryptionFailed      EventType = "encryption_failed"
	EventDecryptionFailed      EventType = "decryption_failed"
	EventKeyRotated            EventType = "key_rotated"
	EventKeyRotationDenied     EventType = "key_rotation_denied"
	EventKeyRotationFailed     EventType = "key_rotation_failed"

	EventSessionCreated         EventType = "session_created"
	EventSessionLoaded          EventType = "session_loaded"
	EventSessionRefreshed       EventType = "session_refreshed"
	EventSessionExpired         EventType = "session_expired"
	EventSessionDestroyed       EventType = "session_destroyed"
	EventSessionLoadFailed      EventType = "session_load_failed"
	EventSessionUnencrypted     EventType = "session_unencrypted_fallback"
	EventAPIRequestRejected     EventType = "api_request_rejected"
	EventAnomalyDetected        EventType = "security_anomaly_detected"
	EventCriticalThreat         EventType = "critical_threat_detected"
	EventSessionManuallyRenewed EventType = "session_manually_renewed"
)

// Event is a security event as seen by the application.
type Event struct {
	Type     EventType
	Severity platform.Severity
	UserID   string
	Data     map[string]any
}

// Auditor records security events locally and forwards them to the
// platform's security-event sink. It never returns errors to callers.
type Auditor struct {
	logger   *slog.Logger
	sink     platform.EventSink
	source   string
	redactor *Redactor
}

// NewAuditor creates an Auditor. sink may be nil to log locally only.
func NewAuditor(logger *slog.Logger, sink platform.EventSink, source string) *Auditor {
	if logger == nil {
		logger = Discard()
	}
	return &Auditor{
		logger:   logger.With("component", "audit"),
		sink:     sink,
		source:   source,
		redactor: DefaultRedactor(),
	}
}

func levelFor(s platform.Severity) slog.Level {
	switch s {
	case platform.SeverityCritical:
		return slog.LevelError
	case platform.SeverityHigh:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Event logs e and forwards it, fire-and-forget.
func (a *Auditor) Event(ctx context.Context, e Event) {
	if a == nil {
		return
	}
	if e.Severity == "" {
		e.Severity = platform.SeverityLow
	}
	data, _ := a.redactor.Redact(e.Data).(map[string]any)

	a.logger.LogAttrs(ctx, levelFor(e.Severity), "audit",
		slog.String("event", string(e.Type)),
		slog.String("severity", string(e.Severity)),
		slog.String("user_id", e.UserID),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
		slog.Any("data", data),
	)

	if a.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("security event sink panicked", "panic", r)
		}
	}()
	a.sink.LogSecurityEvent(ctx, platform.SecurityEvent{
		EventType: string(e.Type),
		Severity:  e.Severity,
		UserID:    e.UserID,
		EventData: data,
		Source:    a.source,
	})
}
