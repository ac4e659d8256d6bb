// Package session manages the client pseudo-session: creation, encrypted
// persistence, periodic validation, activity-driven refresh and HMAC
// signing of outbound API requests bound to the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brokerportal/sessionguard/key"
)

var (
	// ErrValidation indicates a session or signed request failed its invariants.
	ErrValidation = errors.New("session validation failed")
	// ErrNoSession indicates there is no session to operate on.
	ErrNoSession = fmt.Errorf("%w: no session", ErrValidation)
	// ErrSessionExpired indicates the session exceeded its absolute or
	// inactivity timeout.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrValidation)
)

// Session is one client session. ID is 64 hex characters and never changes.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	UserAgent    string    `json:"userAgent"`
	Valid        bool      `json:"isValid"`
}

// ValidAt reports whether the session is within both timeouts at now and
// still flagged valid.
func (s Session) ValidAt(now time.Time, sessionTimeout, activityTimeout time.Duration) bool {
	return s.Valid &&
		now.Sub(s.CreatedAt) < sessionTimeout &&
		now.Sub(s.LastActivity) < activityTimeout
}

// State is the lifecycle state of a Manager.
type State int

const (
	Uninitialized State = iota
	KeyPending
	Active
	Expired
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case KeyPending:
		return "key_pending"
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// EventType names a state change published to subscribers.
type EventType string

const (
	EventCreated   EventType = "created"
	EventLoaded    EventType = "loaded"
	EventRefreshed EventType = "refreshed"
	EventExpired   EventType = "expired"
	EventDestroyed EventType = "destroyed"
)

// Event is published on every session state change.
type Event struct {
	Type      EventType
	State     State
	SessionID string
	UserID    string
	At        time.Time
}

// Crypto is the subset of the encryption provider the manager depends on.
type Crypto interface {
	Encrypt(ctx context.Context, plaintext string, keyID ...string) (string, error)
	Decrypt(ctx context.Context, ciphertext string, keyID ...string) (string, error)
	CurrentKey() (*key.MasterKey, error)
	IsReady() bool
	Ready() <-chan struct{}
}
