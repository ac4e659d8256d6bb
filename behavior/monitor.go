package behavior

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/internal/notify"
	"github.com/brokerportal/sessionguard/internal/scheduler"
	"github.com/brokerportal/sessionguard/internal/uuid"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
	"github.com/brokerportal/sessionguard/session"
)

const (
	checkJob = "anomaly-check"
	scoreJob = "behavioral-score"
)

// Sessions is the part of the session manager the monitor needs.
type Sessions interface {
	Current() (session.Session, bool)
	DestroySession(ctx context.Context) error
}

// Navigator sends the user elsewhere, typically to re-authenticate.
type Navigator interface {
	Redirect(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Redirect(path string) { f(path) }

// Deps are the collaborators of a Monitor. IPs and Navigator may be nil.
type Deps struct {
	Detector     platform.AnomalyDetector
	IPs          platform.IPLookup
	Sessions     Sessions
	Fingerprints FingerprintSource
	Navigator    Navigator
	Auditor      *securelog.Auditor
}

// Monitor collects interaction telemetry, scores it and periodically asks
// the platform whether the session looks compromised.
type Monitor struct {
	cfg         config.MonitorConfig
	deps        Deps
	logger      *slog.Logger
	clock       clockwork.Clock
	development bool
	sched       *scheduler.Scheduler
	events      *notify.Broadcaster[Alert]

	mu         sync.Mutex
	keystrokes []time.Time
	mouseMoves int
	clicks     int
	score      int
	startedAt  time.Time
	alerts     []Alert
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for telemetry and the periodic jobs.
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithDevelopment enables debug logging of swallowed platform failures.
func WithDevelopment(dev bool) Option {
	return func(m *Monitor) { m.development = dev }
}

// New creates a Monitor. Telemetry starts counting immediately.
func New(cfg config.MonitorConfig, deps Deps, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		deps:   deps,
		logger: securelog.Discard(),
		clock:  clockwork.NewRealClock(),
		events: notify.New[Alert](16),
		score:  baseScore,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxAlerts <= 0 {
		m.cfg.MaxAlerts = 10
	}
	m.logger = m.logger.With("component", "behavior")
	m.sched = scheduler.New(scheduler.WithClock(m.clock), scheduler.WithLogger(m.logger))
	m.startedAt = m.clock.Now()
	return m
}

// PerformAdvancedSecurityCheck sends the session context and telemetry to
// the anomaly detector. Platform failures are swallowed and yield no
// alert. A critical finding destroys the session and redirects to the
// re-authentication path before the alert is recorded.
func (m *Monitor) PerformAdvancedSecurityCheck(ctx context.Context) (*Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, ok := m.deps.Sessions.Current()
	if !ok {
		return nil, nil
	}

	req := platform.AnomalyRequest{
		SessionID: sess.ID,
		NewIP:     platform.UnknownIP,
	}
	if m.deps.IPs != nil {
		req.NewIP = m.deps.IPs.PublicIP(ctx)
	}
	if m.deps.Fingerprints != nil {
		fp, err := m.deps.Fingerprints.Fingerprint(ctx)
		if err != nil {
			m.debug(ctx, "fingerprint unavailable", err)
		} else {
			req.NewUserAgent = fp.UserAgent
			req.NewFingerprint = fp.Encode()
		}
	}
	score := m.ComputeBehavioralScore()
	mouse, _ := m.Counters()
	req.BehavioralData = platform.BehavioralData{
		TypingPatternDeviation: m.TypingDeviation(),
		BehavioralScore:        score,
		SessionDuration:        m.SessionDuration().Milliseconds(),
		MouseActivity:          mouse,
	}

	resp, err := m.deps.Detector.DetectAnomaly(ctx, req)
	if err != nil {
		m.debug(ctx, "anomaly check failed", err)
		return nil, nil
	}
	if !resp.AnomalyDetected && resp.RiskLevel.Rank() < platform.RiskHigh.Rank() {
		return nil, nil
	}

	alert := newAlert(resp, m.clock.Now())
	alert.ID = uuid.New()
	m.deps.Auditor.Event(ctx, securelog.Event{
		Type:     securelog.EventAnomalyDetected,
		Severity: resp.RiskLevel.Severity(),
		UserID:   sess.UserID,
		Data: map[string]any{
			"risk_level":      string(resp.RiskLevel),
			"anomalies":       resp.Anomalies,
			"action_required": resp.ActionRequired,
		},
	})

	switch resp.RiskLevel {
	case platform.RiskCritical:
		if err := m.deps.Sessions.DestroySession(ctx); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "failed to destroy session after critical anomaly",
				slog.String("error", err.Error()))
		}
		if m.deps.Navigator != nil {
			m.deps.Navigator.Redirect(m.cfg.ReauthPath)
		}
	case platform.RiskHigh:
		m.logger.LogAttrs(ctx, slog.LevelWarn, "high risk session activity",
			slog.Any("anomalies", resp.Anomalies))
	}

	m.record(alert)
	return &alert, nil
}

func (m *Monitor) debug(ctx context.Context, msg string, err error) {
	if m.development {
		m.logger.LogAttrs(ctx, slog.LevelDebug, msg, slog.String("error", err.Error()))
	}
}

func (m *Monitor) record(a Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.cfg.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
	}
	m.mu.Unlock()
	m.events.Publish(a)
}

// Alerts returns the retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Subscribe returns a channel of new alerts and a function to stop
// receiving them.
func (m *Monitor) Subscribe() (<-chan Alert, func()) {
	return m.events.Subscribe()
}

// Start schedules the anomaly check and score jobs until ctx is done or
// Close is called.
func (m *Monitor) Start(ctx context.Context) {
	m.sched.Schedule(ctx, checkJob, m.cfg.CheckInterval, func(ctx context.Context) {
		_, _ = m.PerformAdvancedSecurityCheck(ctx)
	})
	m.sched.Schedule(ctx, scoreJob, m.cfg.BehaviorInterval, func(context.Context) {
		m.ComputeBehavioralScore()
	})
}

// Close stops the jobs and closes subscriber channels.
func (m *Monitor) Close() {
	m.sched.Stop()
	m.events.Close()
}
