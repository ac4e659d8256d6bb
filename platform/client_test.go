package platform

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string, opts ...ClientOption) *Client {
	t.Helper()
	c := NewClient(url, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRequestMasterKey(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathSessionEncryption, r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"requestType":"master_key"}`, string(body))
		_, _ = w.Write([]byte(`{"sessionEncryptionKey":"abc123"}`))
	})

	c := newTestClient(t, srv.URL+"/", WithAPIKey("anon"))
	got, err := c.RequestMasterKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)
}

func TestRequestMasterKeyFailures(t *testing.T) {
	t.Run("EmptyKey", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"sessionEncryptionKey":""}`))
		})
		_, err := newTestClient(t, srv.URL).RequestMasterKey(t.Context())
		require.ErrorIs(t, err, ErrEmptyKey)
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		_, err := newTestClient(t, srv.URL).RequestMasterKey(t.Context())
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := newTestClient(t, url).RequestMasterKey(t.Context())
		require.Error(t, err)
	})
}

func TestDetectAnomalyWireFormat(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathDetectAnomaly, r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess-1", body["session_id"])
		assert.Equal(t, "203.0.113.9", body["new_ip"])
		assert.Equal(t, "agent/1.0", body["new_user_agent"])
		assert.Equal(t, "fp", body["new_fingerprint"])
		bd := body["behavioral_data"].(map[string]any)
		assert.EqualValues(t, 0.25, bd["typing_pattern_deviation"])
		assert.EqualValues(t, 72, bd["behavioral_score"])
		assert.EqualValues(t, 60000, bd["session_duration"])
		assert.EqualValues(t, 14, bd["mouse_activity"])

		_, _ = w.Write([]byte(`{"anomaly_detected":true,"risk_level":"high","score":65,` +
			`"action_required":"verify_identity","anomalies":["ip_change"]}`))
	})

	resp, err := newTestClient(t, srv.URL).DetectAnomaly(t.Context(), AnomalyRequest{
		SessionID:      "sess-1",
		NewIP:          "203.0.113.9",
		NewUserAgent:   "agent/1.0",
		NewFingerprint: "fp",
		BehavioralData: BehavioralData{
			TypingPatternDeviation: 0.25,
			BehavioralScore:        72,
			SessionDuration:        60000,
			MouseActivity:          14,
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.AnomalyDetected)
	assert.Equal(t, RiskHigh, resp.RiskLevel)
	require.NotNil(t, resp.Score)
	assert.InDelta(t, 65, *resp.Score, 0.001)
	assert.Equal(t, ActionVerifyIdentity, resp.ActionRequired)
	assert.Equal(t, []string{"ip_change"}, resp.Anomalies)
}

func TestPublicIP(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			_, _ = w.Write([]byte(`{"ip":"198.51.100.7"}`))
		})
		c := newTestClient(t, "http://unused", WithIPLookupURL(srv.URL))
		assert.Equal(t, "198.51.100.7", c.PublicIP(t.Context()))
	})

	t.Run("Failure", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		c := newTestClient(t, "http://unused", WithIPLookupURL(srv.URL))
		assert.Equal(t, UnknownIP, c.PublicIP(t.Context()))
	})

	t.Run("EmptyBody", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})
		c := newTestClient(t, "http://unused", WithIPLookupURL(srv.URL))
		assert.Equal(t, UnknownIP, c.PublicIP(t.Context()))
	})

	t.Run("NotConfigured", func(t *testing.T) {
		assert.Equal(t, UnknownIP, newTestClient(t, "http://unused").PublicIP(t.Context()))
	})
}

func TestCreateEncryptionKey(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathCreateEncryptionKey, r.URL.Path)
		if r.Header.Get(AdminHeader) != "true" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{
			"p_key_identifier": "master_key_1",
			"p_algorithm":      "AES-256-GCM",
		}, body)
		_, _ = w.Write([]byte(`"key-uuid"`))
	})
	c := newTestClient(t, srv.URL)

	_, err := c.CreateEncryptionKey(t.Context(), "master_key_1", "AES-256-GCM")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)

	c.SetAdmin(true)
	id, err := c.CreateEncryptionKey(t.Context(), "master_key_1", "AES-256-GCM")
	require.NoError(t, err)
	assert.Equal(t, "key-uuid", id)
}

func TestListEncryptionKeys(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, PathEncryptionKeys, r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"k1","key_identifier":"master_key_1","algorithm":"AES-256-GCM",` +
			`"created_at":"2025-01-02T03:04:05Z","is_active":true}]`))
	})
	keys, err := newTestClient(t, srv.URL).ListEncryptionKeys(t.Context())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "master_key_1", keys[0].Identifier)
	assert.True(t, keys[0].Active)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), keys[0].CreatedAt.UTC())
	assert.Nil(t, keys[0].ExpiresAt)
}

func TestLogSecurityEventDrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	var got []SecurityEvent
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathSecurityEvents, r.URL.Path)
		var e SecurityEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})

	c := NewClient(srv.URL)
	for i := 0; i < 3; i++ {
		c.LogSecurityEvent(t.Context(), SecurityEvent{
			EventType: "session_created",
			Severity:  SeverityLow,
			UserID:    "u1",
			EventData: map[string]any{"n": i},
			Source:    "client",
		})
	}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// Events after Close are dropped without panicking.
	c.LogSecurityEvent(t.Context(), SecurityEvent{EventType: "late"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, "session_created", got[0].EventType)
	assert.Equal(t, "client", got[0].Source)
}

func TestLogSecurityEventRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	c := NewClient(srv.URL)
	c.LogSecurityEvent(t.Context(), SecurityEvent{EventType: "x"})
	require.NoError(t, c.Close())
	assert.EqualValues(t, 2, calls.Load())
}

func TestLogSecurityEventNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	c := NewClient(srv.URL)
	c.LogSecurityEvent(t.Context(), SecurityEvent{EventType: "x"})
	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, calls.Load())
}

func TestRiskLevel(t *testing.T) {
	assert.Less(t, RiskLow.Rank(), RiskMedium.Rank())
	assert.Less(t, RiskMedium.Rank(), RiskHigh.Rank())
	assert.Less(t, RiskHigh.Rank(), RiskCritical.Rank())
	assert.Equal(t, 0, RiskLevel("bogus").Rank())
	assert.Equal(t, SeverityCritical, RiskCritical.Severity())
	assert.Equal(t, SeverityLow, RiskLow.Severity())
}
