// Package storage provides the string-keyed slot stores that hold client
// state: a persistent store surviving restarts (the encrypted session
// record) and a session-scoped store (the locally generated fallback key).
package storage

import "errors"

// ErrNotFound is returned by Get when a slot holds no value.
var ErrNotFound = errors.New("slot not found")

const (
	// SessionSlot holds the encrypted session record in the persistent store.
	SessionSlot = "sg_session"
	// FallbackKeySlot holds the hex-encoded locally generated master key in
	// the session-scoped store.
	FallbackKeySlot = "sg_fallback_master_key"
)

// Store is a slot store. Writes are last-writer-wins; deleting a missing
// slot is not an error.
type Store interface {
	Get(slot string) (string, error)
	Put(slot, value string) error
	Delete(slot string) error
}
