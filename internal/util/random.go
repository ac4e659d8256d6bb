package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var alphanumeric = []rune("abcdefghijklmnopqrstuvwxyz0123456789")

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex-encoded (2n characters).
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return HexEncode(b), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

// RandomAlphanumeric returns a lowercase alphanumeric string of length n,
// used for request nonces.
func RandomAlphanumeric(n int) (string, error) {
	out := make([]rune, n)
	for i := range out {
		idx, err := RandomIntn(len(alphanumeric))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		out[i] = alphanumeric[idx]
	}
	return string(out), nil
}
