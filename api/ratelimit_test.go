package api

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_BurstThenRefill(t *testing.T) {
	rl := newClientRateLimiter(1, 3)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for i := range 3 {
		ok, _ := rl.reserve("198.51.100.1", now)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, wait := rl.reserve("198.51.100.1", now)
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))

	ok, _ = rl.reserve("198.51.100.1", now.Add(time.Second))
	assert.True(t, ok, "one token refilled after a second")
}

func TestClientRateLimiter_IsolatesClients(t *testing.T) {
	rl := newClientRateLimiter(1, 1)
	now := time.Now()
	ok, _ := rl.reserve("198.51.100.1", now)
	require.True(t, ok)
	ok, _ = rl.reserve("198.51.100.1", now)
	require.False(t, ok)

	ok, _ = rl.reserve("198.51.100.2", now)
	assert.True(t, ok)
}

func TestClientRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := newClientRateLimiter(1, 1)
	now := time.Now()
	rl.reserve("198.51.100.1", now)
	rl.reserve("198.51.100.2", now.Add(2*limiterIdleExpiry))
	assert.Len(t, rl.clients, 1)
}

func TestRateLimitMiddleware(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := New(WithClock(clock), WithRateLimit(1, 2))
	h := a.RateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ip", nil)
		req.RemoteAddr = "203.0.113.5:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusNoContent, call().Code)
	assert.Equal(t, http.StatusNoContent, call().Code)

	rec := call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	clock.Advance(time.Second)
	assert.Equal(t, http.StatusNoContent, call().Code)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "42", retryAfterString(42*time.Second))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "unparseable", remoteAddr: "not-a-hostport", want: ""},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy honors XFF",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 198.51.100.25, 203.0.113.9"},
			proxies:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "trusted proxy falls back to Forwarded",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`},
			proxies:    trusted,
			want:       "2001:db8::1",
		},
		{
			name:       "trusted proxy falls back to X-Real-IP",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			proxies:    trusted,
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer cannot spoof",
			remoteAddr: "203.0.113.99:12345",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-IP": "10.0.0.3"},
			proxies:    trusted,
			want:       "203.0.113.99",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	opt, err := WithTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7", "::1"})
	require.NoError(t, err)
	a := New(opt)
	require.Len(t, a.trustedProxies, 3)
	assert.Equal(t, 32, a.trustedProxies[1].Bits())
	assert.Equal(t, 128, a.trustedProxies[2].Bits())

	_, err = WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
	assert.Error(t, err)
}
