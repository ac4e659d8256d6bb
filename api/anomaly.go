package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/brokerportal/sessionguard/platform"
)

// Heuristic weights. A verdict's score is the sum of the weights of every
// signal that fired.
const (
	weightIPChange          = 30
	weightUserAgentChange   = 25
	weightFingerprintChange = 20
	weightLowBehavior       = 20
	weightTypingDeviation   = 15

	lowBehavioralScore  = 30
	highTypingDeviation = 0.8
	criticalRiskScore   = 80
	highRiskScore       = 60
	mediumRiskScore     = 30
	maxTrackedBaselines = 10000
)

// Anomaly names reported in AnomalyResponse.Anomalies.
const (
	AnomalyIPChange          = "ip_change"
	AnomalyUserAgentChange   = "user_agent_change"
	AnomalyFingerprintChange = "fingerprint_change"
	AnomalyBehavioral        = "behavioral_anomaly"
	AnomalyTyping            = "typing_anomaly"
)

// baseline is the first context seen for a session. fingerprint is the
// first fingerprint seen in the same format as the request being scored,
// or "" when the request is the first of its format.
type baseline struct {
	ip          string
	userAgent   string
	fingerprint string
}

// Clients send either the full encoded fingerprint (base64, which never
// contains '|') or the simplified "ua|lang|platform|tz" form. Values in
// different formats are never compared.
type fingerprintFormat int

const (
	fingerprintEncoded fingerprintFormat = iota
	fingerprintSimplified
)

func formatOf(fp string) fingerprintFormat {
	if strings.Contains(fp, "|") {
		return fingerprintSimplified
	}
	return fingerprintEncoded
}

type sessionContext struct {
	ip           string
	userAgent    string
	fingerprints map[fingerprintFormat]string
}

// baselineStore remembers the first context of each session id, keeping
// one fingerprint baseline per format.
type baselineStore struct {
	mu    sync.Mutex
	items map[string]*sessionContext
}

func newBaselineStore() *baselineStore {
	return &baselineStore{items: make(map[string]*sessionContext)}
}

// observe returns the stored baseline for the request's session, recording
// the request as the baseline when none exists. A fingerprint in a format
// not yet seen for the session becomes that format's baseline.
func (s *baselineStore) observe(req platform.AnomalyRequest) (baseline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	format := formatOf(req.NewFingerprint)
	if c, ok := s.items[req.SessionID]; ok {
		b := baseline{ip: c.ip, userAgent: c.userAgent, fingerprint: c.fingerprints[format]}
		if b.fingerprint == "" && req.NewFingerprint != "" {
			c.fingerprints[format] = req.NewFingerprint
		}
		return b, true
	}
	if len(s.items) >= maxTrackedBaselines {
		for k := range s.items {
			delete(s.items, k)
			break
		}
	}
	c := &sessionContext{ip: req.NewIP, userAgent: req.NewUserAgent, fingerprints: map[fingerprintFormat]string{}}
	if req.NewFingerprint != "" {
		c.fingerprints[format] = req.NewFingerprint
	}
	s.items[req.SessionID] = c
	return baseline{}, false
}

func changed(before, after string) bool {
	known := func(v string) bool { return v != "" && v != platform.UnknownIP }
	return known(before) && known(after) && before != after
}

// evaluate scores req against its baseline.
func evaluate(req platform.AnomalyRequest, base baseline, hasBaseline bool) platform.AnomalyResponse {
	score := 0
	var anomalies []string
	flag := func(name string, weight int) {
		score += weight
		anomalies = append(anomalies, name)
	}

	if hasBaseline {
		if changed(base.ip, req.NewIP) {
			flag(AnomalyIPChange, weightIPChange)
		}
		if changed(base.userAgent, req.NewUserAgent) {
			flag(AnomalyUserAgentChange, weightUserAgentChange)
		}
		if changed(base.fingerprint, req.NewFingerprint) {
			flag(AnomalyFingerprintChange, weightFingerprintChange)
		}
	}
	if req.BehavioralData.BehavioralScore < lowBehavioralScore {
		flag(AnomalyBehavioral, weightLowBehavior)
	}
	if req.BehavioralData.TypingPatternDeviation > highTypingDeviation {
		flag(AnomalyTyping, weightTypingDeviation)
	}

	resp := platform.AnomalyResponse{Anomalies: anomalies}
	s := float64(score)
	resp.Score = &s
	switch {
	case score >= criticalRiskScore:
		resp.RiskLevel = platform.RiskCritical
		resp.ActionRequired = platform.ActionForceReauth
	case score >= highRiskScore:
		resp.RiskLevel = platform.RiskHigh
		resp.ActionRequired = platform.ActionVerifyIdentity
	case score >= mediumRiskScore:
		resp.RiskLevel = platform.RiskMedium
	default:
		resp.RiskLevel = platform.RiskLow
	}
	resp.AnomalyDetected = score >= mediumRiskScore
	return resp
}

// DetectAnomaly handles POST /rest/v1/rpc/detect_session_anomaly.
func (a *API) DetectAnomaly(w http.ResponseWriter, r *http.Request) {
	var req platform.AnomalyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	base, ok := a.baselines.observe(req)
	resp := evaluate(req, base, ok)

	event := AuditAnomalyEvaluated
	if resp.RiskLevel == platform.RiskCritical {
		event = AuditCriticalAnomaly
	}
	a.audit.log(event, r,
		slog.String("risk_level", string(resp.RiskLevel)),
		slog.Any("anomalies", resp.Anomalies))
	writeJSON(w, http.StatusOK, resp)
}
