package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/internal/notify"
	"github.com/brokerportal/sessionguard/internal/scheduler"
	"github.com/brokerportal/sessionguard/internal/util"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
	"github.com/brokerportal/sessionguard/storage"
)

const (
	sessionIDBytes = 32
	validationJob  = "session-validation"
	// plainPrefix marks a record written before any key was ready.
	plainPrefix = "plain:"
)

// Manager owns the lifecycle of the current session.
type Manager struct {
	cfg       config.SessionConfig
	crypto    Crypto
	store     storage.Store
	auditor   *securelog.Auditor
	logger    *slog.Logger
	clock     clockwork.Clock
	sched     *scheduler.Scheduler
	events    *notify.Broadcaster[Event]
	userAgent string
	ipAddress string

	// opMu serializes lifecycle operations, including their storage writes.
	opMu sync.Mutex

	mu          sync.RWMutex
	state       State
	current     *Session
	lastRefresh time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps, validity and the sweep.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithUserAgent sets the user agent recorded on new sessions.
func WithUserAgent(ua string) Option {
	return func(m *Manager) { m.userAgent = ua }
}

// WithIPAddress sets the client address recorded on new sessions. The
// default is platform.UnknownIP.
func WithIPAddress(ip string) Option {
	return func(m *Manager) { m.ipAddress = ip }
}

// New creates a Manager in the Uninitialized state. store is the persistent
// slot store that holds the session record.
func New(cfg config.SessionConfig, crypto Crypto, store storage.Store, auditor *securelog.Auditor, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		crypto:    crypto,
		store:     store,
		auditor:   auditor,
		logger:    securelog.Discard(),
		clock:     clockwork.NewRealClock(),
		events:    notify.New[Event](16),
		ipAddress: platform.UnknownIP,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	m.sched = scheduler.New(scheduler.WithClock(m.clock), scheduler.WithLogger(m.logger))
	return m
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns a copy of the in-memory session.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Subscribe returns a channel of state changes and a function to stop
// receiving them. Slow subscribers miss events rather than block the manager.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// AwaitKey moves to KeyPending and blocks until the encryption provider is
// ready or ctx is done.
func (m *Manager) AwaitKey(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Uninitialized {
		m.state = KeyPending
	}
	m.mu.Unlock()

	select {
	case <-m.crypto.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSession starts a new session for userID (which may be empty) and
// persists it. If no key is ready yet the record is stored unencrypted and
// a warning is logged.
func (m *Manager) CreateSession(ctx context.Context, userID string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	id, err := util.RandomHex(sessionIDBytes)
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	now := m.clock.Now()
	s := &Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		IPAddress:    m.ipAddress,
		UserAgent:    m.userAgent,
		Valid:        true,
	}
	if err := m.persist(ctx, s); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.current = s
	m.state = Active
	m.lastRefresh = now
	m.mu.Unlock()

	m.logger.Info("session created", "user_id", userID)
	m.auditor.Event(ctx, securelog.Event{
		Type:   securelog.EventSessionCreated,
		UserID: userID,
		Data:   map[string]any{"user_agent": m.userAgent},
	})
	m.publish(EventCreated, Active, s)
	return id, nil
}

// persist writes s to the session slot.
func (m *Manager) persist(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	var record string
	if m.crypto.IsReady() {
		record, err = m.crypto.Encrypt(ctx, string(data))
		if err != nil {
			return fmt.Errorf("encrypting session: %w", err)
		}
	} else {
		m.logger.Warn("no encryption key ready, storing session unencrypted", "user_id", s.UserID)
		m.auditor.Event(ctx, securelog.Event{
			Type:     securelog.EventSessionUnencrypted,
			Severity: platform.SeverityMedium,
			UserID:   s.UserID,
		})
		record = plainPrefix + util.Base64Encode(data)
	}

	if err := m.store.Put(storage.SessionSlot, record); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// LoadSession restores the persisted session. Any decryption, parsing or
// validity failure destroys the stored record. A missing record returns
// ErrNoSession.
func (m *Manager) LoadSession(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	record, err := m.store.Get(storage.SessionSlot)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	s, err := m.decode(ctx, record)
	if err == nil && !s.ValidAt(m.clock.Now(), m.cfg.SessionTimeout, m.cfg.ActivityTimeout) {
		err = ErrSessionExpired
	}
	if err != nil {
		m.logger.Warn("stored session rejected", "error", err)
		m.auditor.Event(ctx, securelog.Event{
			Type:     securelog.EventSessionLoadFailed,
			Severity: platform.SeverityMedium,
			Data:     map[string]any{"error": err.Error()},
		})
		if derr := m.destroyLocked(ctx); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}

	m.mu.Lock()
	m.current = s
	m.state = Active
	m.lastRefresh = m.clock.Now()
	m.mu.Unlock()

	m.auditor.Event(ctx, securelog.Event{Type: securelog.EventSessionLoaded, UserID: s.UserID})
	m.publish(EventLoaded, Active, s)
	return nil
}

// decode parses a stored record. Unencrypted records are only accepted
// while no key is ready.
func (m *Manager) decode(ctx context.Context, record string) (*Session, error) {
	var data []byte
	if encoded, ok := strings.CutPrefix(record, plainPrefix); ok {
		if m.crypto.IsReady() {
			return nil, fmt.Errorf("%w: unencrypted record with key available", ErrValidation)
		}
		raw, err := util.Base64Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding record: %v", ErrValidation, err)
		}
		data = raw
	} else {
		plain, err := m.crypto.Decrypt(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("decrypting session: %w", err)
		}
		data = []byte(plain)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing record: %v", ErrValidation, err)
	}
	if len(s.ID) != 2*sessionIDBytes {
		return nil, fmt.Errorf("%w: malformed session id", ErrValidation)
	}
	return &s, nil
}

// ValidateSession reports whether id is the active session and it is within
// its timeouts.
func (m *Manager) ValidateSession(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validLocked(id)
}

func (m *Manager) validLocked(id string) bool {
	return m.state == Active &&
		m.current != nil &&
		m.current.ID == id &&
		m.current.ValidAt(m.clock.Now(), m.cfg.SessionTimeout, m.cfg.ActivityTimeout)
}

// RefreshSession stamps the session's last activity with now and rewrites
// storage. An invalid session is expired instead.
func (m *Manager) RefreshSession(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	cur := m.current
	valid := cur != nil && m.validLocked(cur.ID)
	state := m.state
	m.mu.RUnlock()

	if cur == nil || state != Active {
		return ErrNoSession
	}
	if !valid {
		m.expireLocked(ctx)
		return ErrSessionExpired
	}

	now := m.clock.Now()
	next := *cur
	next.LastActivity = now
	if err := m.persist(ctx, &next); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = &next
	m.lastRefresh = now
	m.mu.Unlock()

	m.auditor.Event(ctx, securelog.Event{Type: securelog.EventSessionRefreshed, UserID: next.UserID})
	m.publish(EventRefreshed, Active, &next)
	return nil
}

// RecordActivity notes a user interaction (mouse, keyboard, scroll or touch)
// and refreshes the session when at least the activity throttle has passed
// since the last refresh. It reports whether a refresh happened.
func (m *Manager) RecordActivity(ctx context.Context, kind string) bool {
	m.mu.RLock()
	due := m.state == Active && m.clock.Since(m.lastRefresh) >= m.cfg.ActivityThrottle
	m.mu.RUnlock()
	if !due {
		return false
	}
	if err := m.RefreshSession(ctx); err != nil {
		m.logger.Debug("activity refresh failed", "kind", kind, "error", err)
		return false
	}
	return true
}

// DestroySession clears storage and the in-memory session. It is idempotent.
func (m *Manager) DestroySession(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.destroyLocked(ctx)
}

func (m *Manager) destroyLocked(ctx context.Context) error {
	if err := m.store.Delete(storage.SessionSlot); err != nil {
		return fmt.Errorf("clearing session storage: %w", err)
	}

	m.mu.Lock()
	prev := m.current
	m.current = nil
	if prev != nil || m.state == Active {
		m.state = Destroyed
	}
	m.mu.Unlock()

	if prev == nil {
		return nil
	}
	m.logger.Info("session destroyed", "user_id", prev.UserID)
	m.auditor.Event(ctx, securelog.Event{Type: securelog.EventSessionDestroyed, UserID: prev.UserID})
	m.publish(EventDestroyed, Destroyed, prev)
	return nil
}

func (m *Manager) expireLocked(ctx context.Context) {
	if err := m.store.Delete(storage.SessionSlot); err != nil {
		m.logger.Warn("clearing expired session failed", "error", err)
	}

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.state = Expired
	m.mu.Unlock()

	if prev == nil {
		return
	}
	m.logger.Info("session expired", "user_id", prev.UserID)
	m.auditor.Event(ctx, securelog.Event{Type: securelog.EventSessionExpired, UserID: prev.UserID})
	m.publish(EventExpired, Expired, prev)
}

// sweep expires the active session once it breaches a timeout.
func (m *Manager) sweep(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	cur := m.current
	expired := m.state == Active && cur != nil && !m.validLocked(cur.ID)
	m.mu.RUnlock()

	if expired {
		m.expireLocked(ctx)
	}
}

// Start schedules the periodic validity sweep until ctx is done or Close.
func (m *Manager) Start(ctx context.Context) {
	m.sched.Schedule(ctx, validationJob, m.cfg.ValidationInterval, m.sweep)
}

// Close stops the sweep and closes subscriber channels. Stored state is kept.
func (m *Manager) Close() {
	m.sched.Stop()
	m.events.Close()
}

func (m *Manager) publish(t EventType, st State, s *Session) {
	m.events.Publish(Event{
		Type:      t,
		State:     st,
		SessionID: s.ID,
		UserID:    s.UserID,
		At:        m.clock.Now(),
	})
}
