package encryption

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brokerportal/sessionguard/internal/util"
	"github.com/brokerportal/sessionguard/key"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
)

// envelope is the structured plaintext sealed under the master key.
type envelope struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	UserID    string `json:"userId"`
	Integrity string `json:"integrity"`
}

// keyFor returns the active key, rejecting any explicit id other than the
// active key's. Superseded keys are not retained.
func (p *Provider) keyFor(keyID []string) (*key.MasterKey, error) {
	k, err := p.CurrentKey()
	if err != nil {
		return nil, err
	}
	if len(keyID) > 0 && keyID[0] != "" && keyID[0] != k.ID() {
		return nil, fmt.Errorf("%w: key %q is not the active key", ErrEncryption, keyID[0])
	}
	return k, nil
}

// Encrypt seals plaintext with a timestamp, the principal's identity tag and
// a SHA-256 digest, and returns standard base64. keyID, when given, must name
// the active key.
func (p *Provider) Encrypt(ctx context.Context, plaintext string, keyID ...string) (string, error) {
	userID := p.Principal().UserID
	out, err := p.encrypt(plaintext, userID, keyID)
	if err != nil {
		p.auditor.Event(ctx, securelog.Event{
			Type:     securelog.EventEncryptionFailed,
			Severity: platform.SeverityHigh,
			UserID:   userID,
			Data:     map[string]any{"length": len(plaintext), "algorithm": Algorithm, "error": err.Error()},
		})
		return "", err
	}
	p.auditor.Event(ctx, securelog.Event{
		Type:   securelog.EventDataEncrypted,
		UserID: userID,
		Data:   map[string]any{"length": len(plaintext), "algorithm": Algorithm},
	})
	return out, nil
}

func (p *Provider) encrypt(plaintext, userID string, keyID []string) (string, error) {
	k, err := p.keyFor(keyID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(envelope{
		Data:      plaintext,
		Timestamp: p.clock.Now().UnixMilli(),
		UserID:    userID,
		Integrity: IntegrityDigest(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshaling envelope: %v", ErrEncryption, err)
	}
	sealed, err := k.Seal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return util.Base64Encode(sealed), nil
}

// Decrypt reverses Encrypt. Malformed input, a failed authentication tag and
// a digest mismatch all yield ErrIntegrity; a missing key yields
// ErrKeyNotReady.
func (p *Provider) Decrypt(ctx context.Context, ciphertext string, keyID ...string) (string, error) {
	userID := p.Principal().UserID
	out, err := p.decrypt(ciphertext, keyID)
	if err != nil {
		p.auditor.Event(ctx, securelog.Event{
			Type:     securelog.EventDecryptionFailed,
			Severity: platform.SeverityHigh,
			UserID:   userID,
			Data:     map[string]any{"length": len(ciphertext), "algorithm": Algorithm, "error": err.Error()},
		})
		return "", err
	}
	p.auditor.Event(ctx, securelog.Event{
		Type:   securelog.EventDataDecrypted,
		UserID: userID,
		Data:   map[string]any{"length": len(out), "algorithm": Algorithm},
	})
	return out, nil
}

func (p *Provider) decrypt(ciphertext string, keyID []string) (string, error) {
	k, err := p.keyFor(keyID)
	if err != nil {
		return "", err
	}
	sealed, err := util.Base64Decode(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding ciphertext: %v", ErrIntegrity, err)
	}
	data, err := k.Open(sealed)
	if err != nil {
		// Truncation, tampering and a different key are indistinguishable here.
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: parsing envelope: %v", ErrIntegrity, err)
	}
	if !ValidateDataIntegrity(env.Data, env.Integrity) {
		return "", fmt.Errorf("%w: digest mismatch", ErrIntegrity)
	}
	return env.Data, nil
}
