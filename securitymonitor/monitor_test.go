package securitymonitor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerportal/sessionguard/behavior"
	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
	"github.com/brokerportal/sessionguard/session"
)

type fakeSessions struct {
	mu        sync.Mutex
	current   *session.Session
	destroyed int
	created   []string
	next      int
}

func (f *fakeSessions) Current() (session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return session.Session{}, false
	}
	return *f.current, true
}

func (f *fakeSessions) CreateSession(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := "sess-new-" + strconv.Itoa(f.next)
	f.created = append(f.created, userID)
	f.current = &session.Session{ID: id, UserID: userID, Valid: true}
	return id, nil
}

func (f *fakeSessions) DestroySession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	f.current = nil
	return nil
}

type fakeDetector struct {
	mu    sync.Mutex
	resp  platform.AnomalyResponse
	err   error
	last  platform.AnomalyRequest
	calls atomic.Int32
}

func (f *fakeDetector) DetectAnomaly(_ context.Context, req platform.AnomalyRequest) (platform.AnomalyResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	return f.resp, f.err
}

type staticFingerprint behavior.Fingerprint

func (s staticFingerprint) Fingerprint(context.Context) (behavior.Fingerprint, error) {
	return behavior.Fingerprint(s), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []platform.SecurityEvent
}

func (s *recordingSink) LogSecurityEvent(_ context.Context, e platform.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

type fixture struct {
	monitor   *Monitor
	sessions  *fakeSessions
	detector  *fakeDetector
	sink      *recordingSink
	redirects []string
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions: &fakeSessions{current: &session.Session{ID: "sess-1", UserID: "user-1", Valid: true}},
		detector: &fakeDetector{},
		sink:     &recordingSink{},
		clock:    clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	fp := staticFingerprint{UserAgent: "agent/1.0", Language: "en-GB", Platform: "linux", Timezone: "UTC", Canvas: "c0ffee"}
	nav := behavior.NavigatorFunc(func(path string) { f.redirects = append(f.redirects, path) })
	f.monitor = New(config.Default().Monitor, f.detector, f.sessions, fp, nil, nav,
		securelog.NewAuditor(nil, f.sink, "test"), WithClock(f.clock))
	t.Cleanup(f.monitor.Close)
	return f
}

func TestCheckSendsSimplifiedFingerprint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.monitor.Check(t.Context()))
	assert.Equal(t, "sess-1", f.detector.last.SessionID)
	assert.Equal(t, platform.UnknownIP, f.detector.last.NewIP)
	assert.Equal(t, "agent/1.0|en-GB|linux|UTC", f.detector.last.NewFingerprint)
	assert.Empty(t, f.monitor.Alerts())
}

func TestCheckWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.current = nil
	require.NoError(t, f.monitor.Check(t.Context()))
	assert.Zero(t, f.detector.calls.Load())
}

func TestCheckReturnsDetectorError(t *testing.T) {
	f := newFixture(t)
	f.detector.err = errors.New("timeout")
	assert.Error(t, f.monitor.Check(t.Context()))
	assert.Empty(t, f.monitor.Alerts())
}

func TestCriticalThreat(t *testing.T) {
	f := newFixture(t)
	f.detector.resp = platform.AnomalyResponse{AnomalyDetected: true, RiskLevel: platform.RiskCritical, Anomalies: []string{"ip_change"}}

	require.NoError(t, f.monitor.Check(t.Context()))
	assert.Equal(t, 1, f.sessions.destroyed)
	assert.Equal(t, []string{"/auth"}, f.redirects)

	alerts := f.monitor.Alerts()
	require.Len(t, alerts, 1)
	assert.Empty(t, alerts[0].Actions)

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, string(securelog.EventCriticalThreat), f.sink.events[0].EventType)
	assert.Equal(t, platform.SeverityCritical, f.sink.events[0].Severity)
}

func TestLowerSeverityOffersRefresh(t *testing.T) {
	f := newFixture(t)
	f.detector.resp = platform.AnomalyResponse{AnomalyDetected: true, RiskLevel: platform.RiskHigh}

	require.NoError(t, f.monitor.Check(t.Context()))
	assert.Zero(t, f.sessions.destroyed)
	assert.Empty(t, f.redirects)
	alerts := f.monitor.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, []string{ActionRefreshSession}, alerts[0].Actions)
}

func TestAlertListCappedAtFive(t *testing.T) {
	f := newFixture(t)
	f.detector.resp = platform.AnomalyResponse{AnomalyDetected: true, RiskLevel: platform.RiskMedium}
	for range 7 {
		require.NoError(t, f.monitor.Check(t.Context()))
		f.clock.Advance(time.Second)
	}
	alerts := f.monitor.Alerts()
	require.Len(t, alerts, 5)
	assert.True(t, alerts[0].Timestamp.After(alerts[4].Timestamp), "newest first")
}

func TestDismiss(t *testing.T) {
	f := newFixture(t)
	f.detector.resp = platform.AnomalyResponse{AnomalyDetected: true, RiskLevel: platform.RiskLow}
	require.NoError(t, f.monitor.Check(t.Context()))
	id := f.monitor.Alerts()[0].ID

	assert.True(t, f.monitor.Dismiss(id))
	assert.False(t, f.monitor.Dismiss(id))
	assert.Empty(t, f.monitor.Alerts())
}

func TestRefreshSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.monitor.RefreshSession(t.Context()))

	assert.Equal(t, 1, f.sessions.destroyed)
	assert.Equal(t, []string{"user-1"}, f.sessions.created)
	cur, ok := f.sessions.Current()
	require.True(t, ok)
	assert.NotEqual(t, "sess-1", cur.ID)
	assert.Equal(t, "user-1", cur.UserID)

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, string(securelog.EventSessionManuallyRenewed), f.sink.events[0].EventType)
}

func TestAuditCarriesSessionReferences(t *testing.T) {
	f := newFixture(t)
	f.sessions.current.ID = strings.Repeat("a1", 32)
	f.detector.resp = platform.AnomalyResponse{AnomalyDetected: true, RiskLevel: platform.RiskCritical}
	require.NoError(t, f.monitor.Check(t.Context()))
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, securelog.Ref(strings.Repeat("a1", 32)), f.sink.events[0].EventData["session_ref"])

	f.sessions.current = &session.Session{ID: strings.Repeat("b2", 32), UserID: "user-1", Valid: true}
	require.NoError(t, f.monitor.RefreshSession(t.Context()))
	require.Len(t, f.sink.events, 2)
	data := f.sink.events[1].EventData
	assert.Equal(t, securelog.Ref(strings.Repeat("b2", 32)), data["old_session_ref"])
	cur, _ := f.sessions.Current()
	assert.Equal(t, securelog.Ref(cur.ID), data["new_session_ref"])
	assert.NotEqual(t, data["old_session_ref"], data["new_session_ref"])
}

func TestRefreshWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.current = nil
	assert.ErrorIs(t, f.monitor.RefreshSession(t.Context()), session.ErrNoSession)
}

func TestStartPolls(t *testing.T) {
	f := newFixture(t)
	f.monitor.Start(t.Context())
	require.NoError(t, f.clock.BlockUntilContext(t.Context(), 1))
	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return f.detector.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}
