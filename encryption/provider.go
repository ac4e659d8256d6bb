// Package encryption owns the client master key and the primitives built on
// it: envelope encryption with integrity digests, masking of personal data,
// integrity hashes and admin-gated key rotation.
package encryption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/internal/scheduler"
	"github.com/brokerportal/sessionguard/key"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
	"github.com/brokerportal/sessionguard/storage"
)

// Algorithm names the cipher used for envelopes and new server-tracked keys.
const Algorithm = "AES-256-GCM"

const rotationJob = "key-rotation"

// Principal is the identity the provider acts for.
type Principal struct {
	UserID string
	Admin  bool
}

// Provider supplies the master key to the rest of the system.
type Provider struct {
	cfg          config.EncryptionConfig
	keys         platform.KeyService
	admin        platform.KeyAdmin
	sessionStore storage.Store
	auditor      *securelog.Auditor
	logger       *slog.Logger
	clock        clockwork.Clock
	sched        *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	current   atomic.Pointer[key.MasterKey]
	ready     chan struct{}
	readyOnce sync.Once
	initMu    sync.Mutex
	rotateMu  sync.Mutex

	mu        sync.RWMutex
	principal Principal
	known     []key.Metadata
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the clock used for envelope timestamps, hashes, key
// identifiers and the rotation schedule.
func WithClock(c clockwork.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Provider. keys and admin may be nil, in which case the
// remote steps are skipped. sessionStore holds the locally generated
// fallback key.
func New(cfg config.EncryptionConfig, keys platform.KeyService, admin platform.KeyAdmin,
	sessionStore storage.Store, auditor *securelog.Auditor, opts ...Option) *Provider {
	p := &Provider{
		cfg:          cfg,
		keys:         keys,
		admin:        admin,
		sessionStore: sessionStore,
		auditor:      auditor,
		logger:       securelog.Discard(),
		clock:        clockwork.NewRealClock(),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "encryption")
	p.sched = scheduler.New(scheduler.WithClock(p.clock), scheduler.WithLogger(p.logger))
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Initialize obtains the master key, trying in order: the remote key
// service, a fallback key in session storage, a freshly generated fallback
// key, and finally a key derived from the current time. It marks the
// provider ready. Calling it again after success is a no-op.
func (p *Provider) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.IsReady() {
		return nil
	}

	k, reason := p.obtainKey(ctx)
	if reason != nil {
		p.logger.Warn("falling back to degraded key", "error", reason)
		var err error
		k, err = key.DeriveDegraded(p.clock.Now())
		if err != nil {
			return fmt.Errorf("%w: deriving degraded key: %v", ErrEncryption, err)
		}
		p.auditor.Event(ctx, securelog.Event{
			Type:     securelog.EventKeyDegraded,
			Severity: platform.SeverityHigh,
			Data:     map[string]any{"reason": reason.Error()},
		})
	}

	p.current.Store(k)
	p.readyOnce.Do(func() { close(p.ready) })
	p.logger.Info("encryption initialized", "key_id", k.ID(), "source", string(k.Source()))
	p.auditor.Event(ctx, securelog.Event{
		Type:   securelog.EventEncryptionInitialized,
		UserID: p.Principal().UserID,
		Data:   map[string]any{"key_id": k.ID(), "source": string(k.Source()), "algorithm": Algorithm},
	})
	return nil
}

// obtainKey runs the remote, stored and generated steps of Initialize.
func (p *Provider) obtainKey(ctx context.Context) (*key.MasterKey, error) {
	if p.keys != nil {
		material, err := p.keys.RequestMasterKey(ctx)
		if err == nil {
			k, err := key.FromMaterial(material, key.SourceRemote, key.WithCreatedAt(p.clock.Now()))
			if err == nil {
				return k, nil
			}
			p.logger.Warn("remote key material unusable", "error", err)
		} else {
			p.logger.Warn("remote key service unavailable, using local key", "error", err)
		}
	}

	if p.sessionStore == nil {
		return nil, errors.New("no session storage for fallback key")
	}
	stored, err := p.sessionStore.Get(storage.FallbackKeySlot)
	switch {
	case err == nil:
		k, err := key.FromMaterial(stored, key.SourceLocal, key.WithCreatedAt(p.clock.Now()))
		if err == nil {
			return k, nil
		}
		p.logger.Warn("stored fallback key unusable, generating a new one", "error", err)
	case !errors.Is(err, storage.ErrNotFound):
		p.logger.Warn("reading fallback key failed", "error", err)
	}

	k, err := p.generateFallback(ctx, key.WithCreatedAt(p.clock.Now()))
	if err != nil {
		return nil, err
	}
	return k, nil
}

// generateFallback creates a local key and persists it to session storage.
func (p *Provider) generateFallback(ctx context.Context, opts ...key.Option) (*key.MasterKey, error) {
	k, err := key.Generate(opts...)
	if err != nil {
		return nil, err
	}
	encoded, err := k.Hex()
	if err != nil {
		return nil, err
	}
	if p.sessionStore == nil {
		return nil, errors.New("no session storage for fallback key")
	}
	if err := p.sessionStore.Put(storage.FallbackKeySlot, encoded); err != nil {
		return nil, fmt.Errorf("persisting fallback key: %w", err)
	}
	p.auditor.Event(ctx, securelog.Event{
		Type:     securelog.EventKeyFallbackGenerated,
		Severity: platform.SeverityMedium,
		UserID:   p.Principal().UserID,
		Data:     map[string]any{"key_id": k.ID()},
	})
	return k, nil
}

// Ready is closed once Initialize has installed a key.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// IsReady reports whether a key is installed.
func (p *Provider) IsReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// CurrentKey returns the active master key. Callers must fetch it per
// operation; rotation replaces it.
func (p *Provider) CurrentKey() (*key.MasterKey, error) {
	k := p.current.Load()
	if k == nil {
		return nil, ErrKeyNotReady
	}
	return k, nil
}

// SetPrincipal records who the provider acts for and starts or tears down
// scheduled rotation to match the principal's privilege.
func (p *Provider) SetPrincipal(pr Principal) {
	p.mu.Lock()
	p.principal = pr
	p.mu.Unlock()

	if pr.Admin && p.cfg.AutoRotateKeys {
		if !p.sched.Scheduled(rotationJob) {
			p.sched.Schedule(p.ctx, rotationJob, p.cfg.KeyRotationInterval(), p.rotateOnSchedule)
			p.logger.Info("key rotation scheduled", "interval", p.cfg.KeyRotationInterval().String())
		}
		return
	}
	if p.sched.Cancel(rotationJob) {
		p.logger.Info("key rotation cancelled", "user_id", pr.UserID)
	}
}

// Principal returns the current principal.
func (p *Provider) Principal() Principal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.principal
}

// RotationScheduled reports whether the rotation job is live.
func (p *Provider) RotationScheduled() bool {
	return p.sched.Scheduled(rotationJob)
}

func (p *Provider) rotateOnSchedule(ctx context.Context) {
	if err := p.RotateEncryptionKeys(ctx); err != nil {
		p.logger.Warn("scheduled key rotation failed", "error", err)
	}
}

// Keys returns the cached metadata of server-tracked keys.
func (p *Provider) Keys() []key.Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.known)
}

// Close stops scheduled rotation and destroys the key material.
func (p *Provider) Close() {
	p.cancel()
	p.sched.Stop()
	if k := p.current.Swap(nil); k != nil {
		k.Destroy()
	}
}
