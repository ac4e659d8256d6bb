package encryption

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntegrityDigest(t *testing.T) {
	sum := sha256.Sum256([]byte("value"))
	assert.Equal(t, hex.EncodeToString(sum[:]), IntegrityDigest("value"))
	assert.True(t, ValidateDataIntegrity("value", IntegrityDigest("value")))
	assert.False(t, ValidateDataIntegrity("value!", IntegrityDigest("value")))
}

func TestSaltedDigestPair(t *testing.T) {
	ts := time.UnixMilli(1718000000000)
	h := SaltedDigest("value", "u1", ts)
	assert.True(t, ValidateSaltedDigest("value", "u1", ts, h))
	assert.False(t, ValidateSaltedDigest("value", "u2", ts, h))
	assert.False(t, ValidateSaltedDigest("value", "u1", ts.Add(time.Millisecond), h))
}

func TestGenerateSecureHash(t *testing.T) {
	f := newFixture(t, defaultCfg())
	now := f.clock.Now()
	ms := strconv.FormatInt(now.UnixMilli(), 10)

	sum := sha256.Sum256([]byte("value" + SystemSalt + ms))
	assert.Equal(t, hex.EncodeToString(sum[:]), f.provider.GenerateSecureHash("value"))

	f.provider.SetPrincipal(Principal{UserID: "u1"})
	sum = sha256.Sum256([]byte("value" + "u1" + ms))
	assert.Equal(t, hex.EncodeToString(sum[:]), f.provider.GenerateSecureHash("value"))
}

// The generate/validate pair is asymmetric: a salted hash never validates
// against the plain-digest validator.
func TestGenerateSecureHashDoesNotValidate(t *testing.T) {
	f := newFixture(t, defaultCfg())
	f.provider.SetPrincipal(Principal{UserID: "u1"})
	h := f.provider.GenerateSecureHash("value")

	assert.False(t, f.provider.ValidateDataIntegrity("value", h))
	assert.True(t, ValidateSaltedDigest("value", "u1", f.clock.Now(), h))
	assert.True(t, f.provider.ValidateDataIntegrity("value", IntegrityDigest("value")))
}
