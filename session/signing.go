package session

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brokerportal/sessionguard/internal/util"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
)

const nonceLength = 16

// SignedRequest is an outbound API call together with the signature
// returned by SignAPIRequest.
type SignedRequest struct {
	URL       string
	Method    string
	Data      any
	Signature string
}

// canonicalRequest is the signed payload. Field order is part of the
// signature and must not change.
type canonicalRequest struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	SessionID string `json:"sessionId"`
}

// serializeBody renders request data the same way for signing and
// validation. Strings are used verbatim and nil is empty.
func serializeBody(data any) (string, error) {
	switch v := data.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func (m *Manager) computeSignature(c canonicalRequest) ([]byte, error) {
	k, err := m.crypto.CurrentKey()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling canonical request: %w", err)
	}
	return k.HMAC(payload)
}

func (m *Manager) currentID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.state != Active {
		return ""
	}
	return m.current.ID
}

// SignAPIRequest returns "<hex hmac>.<unix ms>.<nonce>" binding the request
// to the current session. It returns "" when no key is available; callers
// must not send the request unsigned.
func (m *Manager) SignAPIRequest(url, method string, data any) string {
	body, err := serializeBody(data)
	if err != nil {
		m.logger.Warn("request body not serializable", "error", err)
		return ""
	}
	nonce, err := util.RandomAlphanumeric(nonceLength)
	if err != nil {
		m.logger.Warn("generating request nonce failed", "error", err)
		return ""
	}
	ts := m.clock.Now().UnixMilli()
	sig, err := m.computeSignature(canonicalRequest{
		URL:       url,
		Method:    method,
		Body:      body,
		Timestamp: ts,
		Nonce:     nonce,
		SessionID: m.currentID(),
	})
	if err != nil {
		m.logger.Debug("request left unsigned", "error", err)
		return ""
	}
	return hex.EncodeToString(sig) + "." + strconv.FormatInt(ts, 10) + "." + nonce
}

// ValidateAPIRequest checks req's signature against the session active
// now, not the session active when it was signed: a request signed before
// the session changed fails. Requests older than the signature max age, and
// all requests while no session is active, are rejected.
func (m *Manager) ValidateAPIRequest(req SignedRequest) bool {
	reason := m.validateRequest(req)
	if reason == "" {
		return true
	}
	m.logger.Debug("api request rejected", "reason", reason, "method", req.Method, "url", req.URL)
	m.auditor.Event(context.Background(), securelog.Event{
		Type:     securelog.EventAPIRequestRejected,
		Severity: platform.SeverityMedium,
		Data:     map[string]any{"reason": reason, "method": req.Method, "url": req.URL},
	})
	return false
}

// validateRequest returns the rejection reason, or "" when req is valid.
func (m *Manager) validateRequest(req SignedRequest) string {
	parts := strings.Split(req.Signature, ".")
	if len(parts) != 3 {
		return "malformed signature"
	}
	sig, err := hex.DecodeString(parts[0])
	if err != nil {
		return "malformed signature"
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "malformed timestamp"
	}
	age := m.clock.Now().Sub(time.UnixMilli(ts))
	if age > m.cfg.SignatureMaxAge || age < -m.cfg.SignatureMaxAge {
		return "stale timestamp"
	}

	sessionID := m.currentID()
	if sessionID == "" {
		return "no active session"
	}
	body, err := serializeBody(req.Data)
	if err != nil {
		return "unserializable body"
	}
	expected, err := m.computeSignature(canonicalRequest{
		URL:       req.URL,
		Method:    req.Method,
		Body:      body,
		Timestamp: ts,
		Nonce:     parts[2],
		SessionID: sessionID,
	})
	if err != nil {
		return "no key"
	}
	if !hmac.Equal(sig, expected) {
		return "signature mismatch"
	}
	return ""
}
