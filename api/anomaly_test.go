package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerportal/sessionguard/platform"
)

func anomalyRequest(ip, ua, fp string, score int, deviation float64) platform.AnomalyRequest {
	return platform.AnomalyRequest{
		SessionID:      "sess-1",
		NewIP:          ip,
		NewUserAgent:   ua,
		NewFingerprint: fp,
		BehavioralData: platform.BehavioralData{BehavioralScore: score, TypingPatternDeviation: deviation},
	}
}

func TestEvaluate(t *testing.T) {
	base := baseline{ip: "198.51.100.1", userAgent: "agent/1", fingerprint: "fp-1"}

	tests := []struct {
		name      string
		req       platform.AnomalyRequest
		risk      platform.RiskLevel
		detected  bool
		action    string
		anomalies []string
	}{
		{
			name: "unchanged",
			req:  anomalyRequest("198.51.100.1", "agent/1", "fp-1", 60, 0.1),
			risk: platform.RiskLow,
		},
		{
			name:      "ip change only",
			req:       anomalyRequest("203.0.113.9", "agent/1", "fp-1", 60, 0.1),
			risk:      platform.RiskMedium,
			detected:  true,
			anomalies: []string{AnomalyIPChange},
		},
		{
			name:      "ip and agent change",
			req:       anomalyRequest("203.0.113.9", "agent/2", "fp-1", 60, 0.1),
			risk:      platform.RiskMedium,
			detected:  true,
			anomalies: []string{AnomalyIPChange, AnomalyUserAgentChange},
		},
		{
			name:      "high",
			req:       anomalyRequest("203.0.113.9", "agent/2", "fp-1", 20, 0.1),
			risk:      platform.RiskHigh,
			detected:  true,
			action:    platform.ActionVerifyIdentity,
			anomalies: []string{AnomalyIPChange, AnomalyUserAgentChange, AnomalyBehavioral},
		},
		{
			name:      "critical",
			req:       anomalyRequest("203.0.113.9", "agent/2", "fp-2", 60, 0.9),
			risk:      platform.RiskCritical,
			detected:  true,
			action:    platform.ActionForceReauth,
			anomalies: []string{AnomalyIPChange, AnomalyUserAgentChange, AnomalyFingerprintChange, AnomalyTyping},
		},
		{
			name: "unknown ip is not a change",
			req:  anomalyRequest(platform.UnknownIP, "agent/1", "fp-1", 60, 0.1),
			risk: platform.RiskLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := evaluate(tt.req, base, true)
			assert.Equal(t, tt.risk, resp.RiskLevel)
			assert.Equal(t, tt.detected, resp.AnomalyDetected)
			assert.Equal(t, tt.action, resp.ActionRequired)
			assert.Equal(t, tt.anomalies, resp.Anomalies)
			require.NotNil(t, resp.Score)
		})
	}
}

func TestEvaluateWithoutBaseline(t *testing.T) {
	resp := evaluate(anomalyRequest("203.0.113.9", "agent/2", "fp-2", 10, 0.95), baseline{}, false)
	assert.Equal(t, platform.RiskMedium, resp.RiskLevel, "behavior alone scores 35")
	assert.Equal(t, []string{AnomalyBehavioral, AnomalyTyping}, resp.Anomalies)
}

func TestBaselineStoreKeepsFirstContext(t *testing.T) {
	s := newBaselineStore()
	_, ok := s.observe(anomalyRequest("198.51.100.1", "agent/1", "fp-1", 50, 0))
	assert.False(t, ok)

	b, ok := s.observe(anomalyRequest("203.0.113.9", "agent/2", "fp-2", 50, 0))
	require.True(t, ok)
	assert.Equal(t, "198.51.100.1", b.ip)
	assert.Equal(t, "agent/1", b.userAgent)
}

func TestBaselineStoreComparesFingerprintsOfSameFormat(t *testing.T) {
	const (
		encoded     = "YWdlbnQvMXxlbi1VU3xsaW51eA=="
		simplified  = "agent/1|en-US|linux/amd64|UTC"
		simplified2 = "agent/1|de-DE|linux/amd64|UTC"
	)
	s := newBaselineStore()
	_, ok := s.observe(anomalyRequest("198.51.100.1", "agent/1", encoded, 50, 0))
	require.False(t, ok)

	b, ok := s.observe(anomalyRequest("198.51.100.1", "agent/1", simplified, 50, 0.9))
	require.True(t, ok)
	assert.Empty(t, b.fingerprint, "first simplified fingerprint has nothing to compare against")
	resp := evaluate(anomalyRequest("198.51.100.1", "agent/1", simplified, 50, 0.9), b, ok)
	assert.NotContains(t, resp.Anomalies, AnomalyFingerprintChange)
	assert.False(t, resp.AnomalyDetected)

	b, _ = s.observe(anomalyRequest("198.51.100.1", "agent/1", encoded, 50, 0))
	assert.Equal(t, encoded, b.fingerprint)
	b, _ = s.observe(anomalyRequest("198.51.100.1", "agent/1", simplified2, 50, 0))
	assert.Equal(t, simplified, b.fingerprint)
	resp = evaluate(anomalyRequest("198.51.100.1", "agent/1", simplified2, 50, 0), b, true)
	assert.Equal(t, []string{AnomalyFingerprintChange}, resp.Anomalies, "a change within one format is still flagged")
}
