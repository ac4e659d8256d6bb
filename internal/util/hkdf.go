package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF derives a 32-byte key from seed using HKDF-SHA256.
func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// DeriveKey stretches arbitrary key material (for example a remote key
// string of unexpected length) into a 32-byte AES key bound to info.
func DeriveKey(material string, info string) ([]byte, error) {
	if material == "" {
		return nil, fmt.Errorf("deriving key: empty material")
	}
	return HKDF([]byte(material), nil, []byte(info))
}
