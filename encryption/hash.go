package encryption

import (
	"crypto/sha256"
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/brokerportal/sessionguard/internal/util"
)

// SystemSalt salts GenerateSecureHash when no principal is set.
const SystemSalt = "system_salt"

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return util.HexEncode(sum[:])
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IntegrityDigest returns the plain SHA-256 of value, hex-encoded. It is the
// digest stored in envelopes and the one ValidateDataIntegrity accepts.
func IntegrityDigest(value string) string {
	return sha256Hex(value)
}

// ValidateDataIntegrity reports whether hash is the plain SHA-256 of value.
// It does not accept the output of GenerateSecureHash, which is salted.
func ValidateDataIntegrity(value, hash string) bool {
	return equalHex(IntegrityDigest(value), hash)
}

// SaltedDigest returns SHA-256(value + salt + unix-ms(ts)), hex-encoded.
func SaltedDigest(value, salt string, ts time.Time) string {
	return sha256Hex(value + salt + strconv.FormatInt(ts.UnixMilli(), 10))
}

// ValidateSaltedDigest is the counterpart of SaltedDigest. The caller must
// supply the same salt and timestamp used to generate hash.
func ValidateSaltedDigest(value, salt string, ts time.Time, hash string) bool {
	return equalHex(SaltedDigest(value, salt, ts), hash)
}

// GenerateSecureHash salts value with the principal's user id (or
// SystemSalt) and the current time. The timestamp is not returned, so the
// result can only be checked with ValidateSaltedDigest by a caller that
// recorded it; ValidateDataIntegrity will reject it.
func (p *Provider) GenerateSecureHash(value string) string {
	salt := p.Principal().UserID
	if salt == "" {
		salt = SystemSalt
	}
	return SaltedDigest(value, salt, p.clock.Now())
}

// ValidateDataIntegrity is the method form of the package function, kept so
// that GenerateSecureHash and its validator live on the same type.
func (p *Provider) ValidateDataIntegrity(value, hash string) bool {
	return ValidateDataIntegrity(value, hash)
}
