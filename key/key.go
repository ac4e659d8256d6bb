package key

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/brokerportal/sessionguard/internal/util"
	"github.com/brokerportal/sessionguard/internal/uuid"
)

const (
	materialInfo = "sessionguard master key v1"
	degradedInfo = "sessionguard degraded key v1"
)

// MasterKey is the symmetric key used for envelope encryption and request
// signing. The material lives in a memguard enclave and is only decrypted
// into a locked buffer for the duration of a single operation.
type MasterKey struct {
	id        string
	source    Source
	createdAt time.Time

	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// Option configures a MasterKey at construction.
type Option func(*MasterKey)

// WithID sets the key identifier. The default is a random UUID.
func WithID(id string) Option {
	return func(k *MasterKey) { k.id = id }
}

// WithCreatedAt sets the creation time. The default is time.Now.
func WithCreatedAt(t time.Time) Option {
	return func(k *MasterKey) { k.createdAt = t }
}

// newMasterKey takes ownership of raw; it is wiped when sealed into the
// enclave.
func newMasterKey(raw []byte, source Source, opts []Option) (*MasterKey, error) {
	if len(raw) != util.AESKeySize {
		util.WipeBytes(raw)
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidMaterial, len(raw), util.AESKeySize)
	}
	k := &MasterKey{
		source:    source,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.id == "" {
		k.id = uuid.New()
	}
	k.enclave = memguard.NewEnclave(raw)
	return k, nil
}

// FromMaterial builds a key from a string issued by the key service or read
// back from storage. Hex or standard base64 encodings of exactly 32 bytes are
// used as-is; anything else is stretched through HKDF-SHA256.
func FromMaterial(material string, source Source, opts ...Option) (*MasterKey, error) {
	if material == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMaterial)
	}
	if raw, err := util.HexDecode(material); err == nil && len(raw) == util.AESKeySize {
		return newMasterKey(raw, source, opts)
	}
	if raw, err := util.Base64Decode(material); err == nil && len(raw) == util.AESKeySize {
		return newMasterKey(raw, source, opts)
	}
	raw, err := util.DeriveKey(material, materialInfo)
	if err != nil {
		return nil, fmt.Errorf("normalizing key material: %w", err)
	}
	return newMasterKey(raw, source, opts)
}

// Generate creates a fresh random local key.
func Generate(opts ...Option) (*MasterKey, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return newMasterKey(raw, SourceLocal, opts)
}

// DeriveDegraded derives a key from now. Anyone who can guess the time can
// derive the same key; callers must flag it.
func DeriveDegraded(now time.Time, opts ...Option) (*MasterKey, error) {
	seed := []byte(strconv.FormatInt(now.UnixMilli(), 10))
	raw, err := util.HKDF(seed, nil, []byte(degradedInfo))
	if err != nil {
		return nil, fmt.Errorf("deriving degraded key: %w", err)
	}
	return newMasterKey(raw, SourceDegraded, append([]Option{WithCreatedAt(now)}, opts...))
}

func (k *MasterKey) ID() string {
	return k.id
}

func (k *MasterKey) Source() Source {
	return k.source
}

func (k *MasterKey) CreatedAt() time.Time {
	return k.createdAt
}

// Use opens the enclave and passes the raw key to fn. The slice is only
// valid inside fn.
func (k *MasterKey) Use(fn func(raw []byte) error) error {
	k.mu.RLock()
	enclave := k.enclave
	k.mu.RUnlock()
	if enclave == nil {
		return ErrDestroyed
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Seal encrypts plain with AES-256-GCM and returns nonce || ciphertext.
func (k *MasterKey) Seal(plain []byte) ([]byte, error) {
	var out []byte
	err := k.Use(func(raw []byte) error {
		var err error
		out, err = util.EncryptAES(plain, raw)
		return err
	})
	return out, err
}

// Open reverses Seal. A modified ciphertext or the wrong key yields an error
// wrapping util.ErrAuthentication.
func (k *MasterKey) Open(ciphertext []byte) ([]byte, error) {
	var out []byte
	err := k.Use(func(raw []byte) error {
		var err error
		out, err = util.DecryptAES(ciphertext, raw)
		return err
	})
	return out, err
}

// HMAC returns HMAC-SHA256(key, data).
func (k *MasterKey) HMAC(data []byte) ([]byte, error) {
	var sum []byte
	err := k.Use(func(raw []byte) error {
		mac := hmac.New(sha256.New, raw)
		mac.Write(data)
		sum = mac.Sum(nil)
		return nil
	})
	return sum, err
}

// Hex returns the hex-encoded key material for persisting a locally
// generated key to session-scoped storage.
func (k *MasterKey) Hex() (string, error) {
	var s string
	err := k.Use(func(raw []byte) error {
		s = util.HexEncode(raw)
		return nil
	})
	return s, err
}

// Destroy drops the enclave. Further use returns ErrDestroyed.
func (k *MasterKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enclave = nil
}

// Destroyed reports whether Destroy has been called.
func (k *MasterKey) Destroyed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.enclave == nil
}
