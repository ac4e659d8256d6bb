// Package platform defines the boundary contracts between the session
// security layer and the hosted platform behind it (key issuing, anomaly
// detection, security-event logging, public IP lookup and admin key
// management), together with an HTTP client implementing all of them.
package platform

import (
	"context"
	"errors"

	"github.com/brokerportal/sessionguard/key"
)

// UnknownIP is returned by IPLookup implementations when the address cannot
// be determined.
const UnknownIP = "unknown"

// ErrEmptyKey is returned when the key service answers without key material.
var ErrEmptyKey = errors.New("key service returned empty key")

// KeyService issues session encryption keys.
type KeyService interface {
	RequestMasterKey(ctx context.Context) (string, error)
}

// AnomalyDetector scores a session snapshot for signs of hijacking.
type AnomalyDetector interface {
	DetectAnomaly(ctx context.Context, req AnomalyRequest) (AnomalyResponse, error)
}

// EventSink receives security events. Implementations must not block the
// caller on network I/O and must not panic.
type EventSink interface {
	LogSecurityEvent(ctx context.Context, e SecurityEvent)
}

// IPLookup resolves the client's public IP, returning UnknownIP on failure.
type IPLookup interface {
	PublicIP(ctx context.Context) string
}

// KeyAdmin manages server-tracked keys. Every call requires a privileged
// identity on the server side.
type KeyAdmin interface {
	CreateEncryptionKey(ctx context.Context, identifier, algorithm string) (string, error)
	ListEncryptionKeys(ctx context.Context) ([]key.Metadata, error)
}

// Severity is the tier attached to a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is the payload sent to the security-event sink.
type SecurityEvent struct {
	EventType string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	EventData map[string]any `json:"event_data"`
	Source    string         `json:"source"`
}

// RiskLevel is the risk tier reported by the anomaly detector.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from 0 (low or unknown) to 3 (critical).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Severity maps the risk level onto the event severity scale.
func (r RiskLevel) Severity() Severity {
	switch r {
	case RiskMedium:
		return SeverityMedium
	case RiskHigh:
		return SeverityHigh
	case RiskCritical:
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// BehavioralData carries the telemetry summary sent with an anomaly check.
type BehavioralData struct {
	TypingPatternDeviation float64 `json:"typing_pattern_deviation"`
	BehavioralScore        int     `json:"behavioral_score"`
	// SessionDuration is in milliseconds.
	SessionDuration int64 `json:"session_duration"`
	MouseActivity   int   `json:"mouse_activity"`
}

// AnomalyRequest is the input of the anomaly-detection procedure.
type AnomalyRequest struct {
	SessionID      string         `json:"session_id"`
	NewIP          string         `json:"new_ip"`
	NewUserAgent   string         `json:"new_user_agent"`
	NewFingerprint string         `json:"new_fingerprint"`
	BehavioralData BehavioralData `json:"behavioral_data"`
}

// AnomalyResponse is the output of the anomaly-detection procedure.
type AnomalyResponse struct {
	AnomalyDetected bool      `json:"anomaly_detected"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Score           *float64  `json:"score,omitempty"`
	ActionRequired  string    `json:"action_required,omitempty"`
	Anomalies       []string  `json:"anomalies,omitempty"`
}

// Action values returned in AnomalyResponse.ActionRequired.
const (
	ActionForceReauth    = "force_reauth"
	ActionVerifyIdentity = "verify_identity"
)

// KeyRequest is the body sent to the key-issuing endpoint.
type KeyRequest struct {
	RequestType string `json:"requestType"`
}

// KeyResponse is the key-issuing endpoint's reply.
type KeyResponse struct {
	SessionEncryptionKey string `json:"sessionEncryptionKey"`
}

// CreateKeyRequest is the body of the admin key-creation RPC.
type CreateKeyRequest struct {
	KeyIdentifier string `json:"p_key_identifier"`
	Algorithm     string `json:"p_algorithm"`
}

// IPResponse is the body returned by the public IP lookup.
type IPResponse struct {
	IP string `json:"ip"`
}

// Endpoint paths relative to the platform base URL.
const (
	PathSessionEncryption   = "/functions/v1/session-encryption"
	PathDetectAnomaly       = "/rest/v1/rpc/detect_session_anomaly"
	PathSecurityEvents      = "/rest/v1/security_events"
	PathCreateEncryptionKey = "/rest/v1/rpc/create_encryption_key"
	PathEncryptionKeys      = "/rest/v1/encryption_keys"
)

// RequestTypeMasterKey is the only request type the key service accepts.
const RequestTypeMasterKey = "master_key"

// AdminHeader marks a request as made by a privileged identity.
const AdminHeader = "X-Admin"
