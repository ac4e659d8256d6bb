// Package securitymonitor polls the anomaly detector on behalf of the
// user-facing security panel and keeps the short list of alerts it shows.
package securitymonitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/brokerportal/sessionguard/behavior"
	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/internal/notify"
	"github.com/brokerportal/sessionguard/internal/scheduler"
	"github.com/brokerportal/sessionguard/internal/uuid"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
	"github.com/brokerportal/sessionguard/session"
)

const pollJob = "security-monitor"

// ActionRefreshSession is offered on non-critical alerts.
const ActionRefreshSession = "refresh_session"

// SessionController is the part of the session manager the monitor drives.
type SessionController interface {
	Current() (session.Session, bool)
	CreateSession(ctx context.Context, userID string) (string, error)
	DestroySession(ctx context.Context) error
}

// Alert is one entry in the security panel.
type Alert struct {
	ID        string
	Severity  platform.RiskLevel
	Message   string
	Anomalies []string
	Timestamp time.Time
	Actions   []string
}

// Monitor is the session security monitor.
type Monitor struct {
	cfg          config.MonitorConfig
	detector     platform.AnomalyDetector
	sessions     SessionController
	fingerprints behavior.FingerprintSource
	ips          platform.IPLookup
	navigator    behavior.Navigator
	auditor      *securelog.Auditor
	logger       *slog.Logger
	clock        clockwork.Clock
	sched        *scheduler.Scheduler
	events       *notify.Broadcaster[Alert]

	mu     sync.Mutex
	alerts []Alert
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor. ips and navigator may be nil.
func New(cfg config.MonitorConfig, detector platform.AnomalyDetector, sessions SessionController,
	fingerprints behavior.FingerprintSource, ips platform.IPLookup, navigator behavior.Navigator,
	auditor *securelog.Auditor, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:          cfg,
		detector:     detector,
		sessions:     sessions,
		fingerprints: fingerprints,
		ips:          ips,
		navigator:    navigator,
		auditor:      auditor,
		logger:       securelog.Discard(),
		clock:        clockwork.NewRealClock(),
		events:       notify.New[Alert](8),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.UIMaxAlerts <= 0 {
		m.cfg.UIMaxAlerts = 5
	}
	m.logger = m.logger.With("component", "securitymonitor")
	m.sched = scheduler.New(scheduler.WithClock(m.clock), scheduler.WithLogger(m.logger))
	return m
}

// Check polls the detector once for the current session. It is a no-op
// without a session.
func (m *Monitor) Check(ctx context.Context) error {
	sess, ok := m.sessions.Current()
	if !ok {
		return nil
	}

	req := platform.AnomalyRequest{SessionID: sess.ID, NewIP: platform.UnknownIP}
	if m.ips != nil {
		req.NewIP = m.ips.PublicIP(ctx)
	}
	if m.fingerprints != nil {
		if fp, err := m.fingerprints.Fingerprint(ctx); err == nil {
			req.NewUserAgent = fp.UserAgent
			req.NewFingerprint = fp.Simplified()
		}
	}

	resp, err := m.detector.DetectAnomaly(ctx, req)
	if err != nil {
		return fmt.Errorf("security check: %w", err)
	}
	if !resp.AnomalyDetected {
		return nil
	}

	alert := Alert{
		ID:        uuid.New(),
		Severity:  resp.RiskLevel,
		Anomalies: slices.Clone(resp.Anomalies),
		Timestamp: m.clock.Now(),
	}

	if resp.RiskLevel == platform.RiskCritical {
		alert.Message = "Critical security threat detected. Your session has been ended."
		m.auditor.Event(ctx, securelog.Event{
			Type:     securelog.EventCriticalThreat,
			Severity: platform.SeverityCritical,
			UserID:   sess.UserID,
			Data: map[string]any{
				"session_ref": securelog.Ref(sess.ID),
				"anomalies":   resp.Anomalies,
			},
		})
		if err := m.sessions.DestroySession(ctx); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "failed to destroy session after critical threat",
				slog.String("error", err.Error()))
		}
		if m.navigator != nil {
			m.navigator.Redirect(m.cfg.ReauthPath)
		}
	} else {
		alert.Message = fmt.Sprintf("Suspicious activity detected (%s risk).", resp.RiskLevel)
		alert.Actions = []string{ActionRefreshSession}
	}

	m.push(alert)
	return nil
}

// push adds a to the front of the list, dropping the oldest beyond the cap.
func (m *Monitor) push(a Alert) {
	m.mu.Lock()
	m.alerts = slices.Insert(m.alerts, 0, a)
	if len(m.alerts) > m.cfg.UIMaxAlerts {
		m.alerts = m.alerts[:m.cfg.UIMaxAlerts]
	}
	m.mu.Unlock()
	m.events.Publish(a)
}

// Alerts returns the displayed alerts, newest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts)
}

// Dismiss removes the alert with the given id.
func (m *Monitor) Dismiss(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.alerts, func(a Alert) bool { return a.ID == id })
	if i < 0 {
		return false
	}
	m.alerts = slices.Delete(m.alerts, i, i+1)
	return true
}

// Subscribe returns a channel of new alerts and a function to stop
// receiving them.
func (m *Monitor) Subscribe() (<-chan Alert, func()) {
	return m.events.Subscribe()
}

// RefreshSession destroys the current session and creates a new one for
// the same user.
func (m *Monitor) RefreshSession(ctx context.Context) error {
	sess, ok := m.sessions.Current()
	if !ok {
		return session.ErrNoSession
	}
	if err := m.sessions.DestroySession(ctx); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	id, err := m.sessions.CreateSession(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	m.auditor.Event(ctx, securelog.Event{
		Type:     securelog.EventSessionManuallyRenewed,
		Severity: platform.SeverityMedium,
		UserID:   sess.UserID,
		Data:     map[string]any{"old_session_ref": securelog.Ref(sess.ID), "new_session_ref": securelog.Ref(id)},
	})
	return nil
}

// Start schedules the poll until ctx is done or Close is called. Poll
// failures are logged at debug level and otherwise ignored.
func (m *Monitor) Start(ctx context.Context) {
	m.sched.Schedule(ctx, pollJob, m.cfg.UICheckInterval, func(ctx context.Context) {
		if err := m.Check(ctx); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelDebug, "security check failed", slog.String("error", err.Error()))
		}
	})
}

// Close stops polling and closes subscriber channels.
func (m *Monitor) Close() {
	m.sched.Stop()
	m.events.Close()
}
