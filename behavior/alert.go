package behavior

import (
	"slices"
	"time"

	"github.com/brokerportal/sessionguard/platform"
)

// AlertType classifies an anomaly finding.
type AlertType string

const (
	AlertSessionAnomaly     AlertType = "session_anomaly"
	AlertMultipleSessions   AlertType = "multiple_sessions"
	AlertIPChange           AlertType = "ip_change"
	AlertSuspiciousActivity AlertType = "suspicious_activity"
	AlertCritical           AlertType = "critical"
)

// Alert is a finding surfaced to the user.
type Alert struct {
	ID             string
	Type           AlertType
	Severity       platform.RiskLevel
	Message        string
	Timestamp      time.Time
	ActionRequired string
	Anomalies      []string
}

var alertMessages = map[AlertType]string{
	AlertSessionAnomaly:     "Unusual session activity was detected.",
	AlertMultipleSessions:   "Your account is active in another session.",
	AlertIPChange:           "Your network location changed during this session.",
	AlertSuspiciousActivity: "Interaction patterns do not match your usual behavior.",
	AlertCritical:           "A critical security threat was detected. Please sign in again.",
}

// suspicious lists anomaly names that indicate someone else at the keyboard.
var suspicious = []string{
	string(AlertSuspiciousActivity),
	"behavioral_anomaly",
	"typing_anomaly",
	"fingerprint_change",
	"user_agent_change",
}

func alertType(risk platform.RiskLevel, anomalies []string) AlertType {
	if risk == platform.RiskCritical {
		return AlertCritical
	}
	switch {
	case slices.Contains(anomalies, string(AlertMultipleSessions)):
		return AlertMultipleSessions
	case slices.Contains(anomalies, string(AlertIPChange)):
		return AlertIPChange
	case slices.ContainsFunc(anomalies, func(a string) bool { return slices.Contains(suspicious, a) }):
		return AlertSuspiciousActivity
	default:
		return AlertSessionAnomaly
	}
}

func newAlert(resp platform.AnomalyResponse, at time.Time) Alert {
	t := alertType(resp.RiskLevel, resp.Anomalies)
	return Alert{
		Type:           t,
		Severity:       resp.RiskLevel,
		Message:        alertMessages[t],
		Timestamp:      at,
		ActionRequired: resp.ActionRequired,
		Anomalies:      slices.Clone(resp.Anomalies),
	}
}
