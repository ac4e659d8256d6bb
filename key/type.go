// Package key holds the client master key and the metadata the platform
// tracks for server-side keys.
package key

import (
	"errors"
	"time"
)

// Source records where the current master key material came from.
type Source string

const (
	// SourceRemote is material issued by the platform key service.
	SourceRemote Source = "remote"
	// SourceLocal is material generated on this client and persisted to
	// session-scoped storage.
	SourceLocal Source = "local"
	// SourceDegraded is material derived from a timestamp when nothing
	// better was available. It offers no real confidentiality.
	SourceDegraded Source = "degraded"
)

var (
	// ErrDestroyed is returned when a destroyed key is used.
	ErrDestroyed = errors.New("master key destroyed")
	// ErrInvalidMaterial is returned when key material cannot be turned into
	// a 256-bit key.
	ErrInvalidMaterial = errors.New("invalid key material")
)

// Metadata describes a key tracked by the platform. It never carries key
// material.
type Metadata struct {
	ID         string     `json:"id"`
	Identifier string     `json:"key_identifier"`
	Algorithm  string     `json:"algorithm"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"is_active"`
}

// Expired reports whether the key has an expiry at or before now.
func (m Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}
