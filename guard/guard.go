// Package guard assembles the session security components and runs their
// lifecycle: key initialization, session restore and the periodic jobs.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/brokerportal/sessionguard/behavior"
	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/encryption"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
	"github.com/brokerportal/sessionguard/securitymonitor"
	"github.com/brokerportal/sessionguard/session"
	"github.com/brokerportal/sessionguard/storage"
	"github.com/brokerportal/sessionguard/storage/memory"
)

var (
	ErrMissingPlatform = errors.New("guard: platform is required")
	ErrAlreadyStarted  = errors.New("guard: already started")
	ErrClosed          = errors.New("guard: closed")
)

// Platform is everything the guard consumes from the backend.
type Platform interface {
	platform.KeyService
	platform.KeyAdmin
	platform.AnomalyDetector
	platform.EventSink
	platform.IPLookup
}

// adminAware platforms attach privileged credentials to admin calls.
type adminAware interface {
	SetAdmin(admin bool)
}

// Deps are the guard's collaborators. Only Platform is required.
type Deps struct {
	Platform Platform
	// PersistentStore holds the session record. Defaults to memory.
	PersistentStore storage.Store
	// SessionStore holds the fallback master key. Defaults to memory.
	SessionStore storage.Store
	Fingerprints behavior.FingerprintSource
	Navigator    behavior.Navigator
	Logger       *slog.Logger
	UserAgent    string
}

// Guard owns one of each component.
type Guard struct {
	cfg      *config.Config
	logger   *slog.Logger
	platform Platform
	auditor  *securelog.Auditor
	provider *encryption.Provider
	sessions *session.Manager
	behavior *behavior.Monitor
	security *securitymonitor.Monitor

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// Option configures a Guard.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock drives every component from c.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New wires the components. Nothing runs until Start.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Guard, error) {
	if deps.Platform == nil {
		return nil, ErrMissingPlatform
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Logger == nil {
		deps.Logger = securelog.Discard()
	}
	if deps.PersistentStore == nil {
		deps.PersistentStore = memory.NewStore()
	}
	if deps.SessionStore == nil {
		deps.SessionStore = memory.NewStore()
	}
	if deps.Fingerprints == nil {
		deps.Fingerprints = behavior.HostFingerprint{UserAgent: deps.UserAgent}
	}

	g := &Guard{
		cfg:      cfg,
		logger:   deps.Logger.With("component", "guard"),
		platform: deps.Platform,
		auditor:  securelog.NewAuditor(deps.Logger, deps.Platform, cfg.App.Name),
	}
	g.provider = encryption.New(cfg.Encryption, deps.Platform, deps.Platform, deps.SessionStore, g.auditor,
		encryption.WithClock(o.clock), encryption.WithLogger(deps.Logger))
	g.sessions = session.New(cfg.Session, g.provider, deps.PersistentStore, g.auditor,
		session.WithClock(o.clock), session.WithLogger(deps.Logger), session.WithUserAgent(deps.UserAgent))
	g.behavior = behavior.New(cfg.Monitor, behavior.Deps{
		Detector:     deps.Platform,
		IPs:          deps.Platform,
		Sessions:     g.sessions,
		Fingerprints: deps.Fingerprints,
		Navigator:    deps.Navigator,
		Auditor:      g.auditor,
	}, behavior.WithClock(o.clock), behavior.WithLogger(deps.Logger), behavior.WithDevelopment(cfg.IsDevelopment()))
	g.security = securitymonitor.New(cfg.Monitor, deps.Platform, g.sessions, deps.Fingerprints,
		deps.Platform, deps.Navigator, g.auditor,
		securitymonitor.WithClock(o.clock), securitymonitor.WithLogger(deps.Logger))
	return g, nil
}

// Start initializes the master key, restores any stored session and starts
// the periodic jobs, which run until ctx is done or Close is called. A
// missing or unreadable stored session is not an error.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.closed:
		return ErrClosed
	case g.started:
		return ErrAlreadyStarted
	}

	if err := g.provider.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize encryption: %w", err)
	}
	if err := g.sessions.AwaitKey(ctx); err != nil {
		return fmt.Errorf("await key: %w", err)
	}
	if err := g.sessions.LoadSession(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
		g.logger.Warn("stored session discarded", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.sessions.Start(runCtx)
	if g.cfg.Monitor.Enabled {
		g.behavior.Start(runCtx)
		g.security.Start(runCtx)
	}
	g.started = true
	g.logger.Info("session guard started", "monitoring", g.cfg.Monitor.Enabled, "state", g.sessions.State().String())
	return nil
}

// SetPrincipal tells the encryption provider, and the platform client when
// it supports it, who is signed in.
func (g *Guard) SetPrincipal(pr encryption.Principal) {
	if a, ok := g.platform.(adminAware); ok {
		a.SetAdmin(pr.Admin)
	}
	g.provider.SetPrincipal(pr)
}

// SignIn sets the principal and starts a session for it.
func (g *Guard) SignIn(ctx context.Context, pr encryption.Principal) (string, error) {
	g.SetPrincipal(pr)
	id, err := g.sessions.CreateSession(ctx, pr.UserID)
	if err != nil {
		return "", fmt.Errorf("sign in: %w", err)
	}
	g.behavior.Reset()
	return id, nil
}

// SignOut destroys the session and drops any privilege.
func (g *Guard) SignOut(ctx context.Context) error {
	g.SetPrincipal(encryption.Principal{})
	return g.sessions.DestroySession(ctx)
}

func (g *Guard) Encryption() *encryption.Provider          { return g.provider }
func (g *Guard) Sessions() *session.Manager                { return g.sessions }
func (g *Guard) Behavior() *behavior.Monitor               { return g.behavior }
func (g *Guard) SecurityMonitor() *securitymonitor.Monitor { return g.security }
func (g *Guard) Auditor() *securelog.Auditor               { return g.auditor }

// Close stops every job and subscription and destroys the key. The stored
// session is kept. Close is idempotent.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	if g.cancel != nil {
		g.cancel()
	}
	g.security.Close()
	g.behavior.Close()
	g.sessions.Close()
	g.provider.Close()
}
