package encryption

import (
	"errors"
	"fmt"
)

var (
	// ErrEncryption indicates no key was ready or a cipher operation failed.
	ErrEncryption = errors.New("encryption failed")
	// ErrKeyNotReady indicates Initialize has not completed.
	ErrKeyNotReady = fmt.Errorf("%w: master key not ready", ErrEncryption)
	// ErrIntegrity indicates decrypted content does not match its digest,
	// or the ciphertext failed authentication.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrUnauthorized indicates a privileged operation without privilege.
	ErrUnauthorized = errors.New("unauthorized")
)
