package key

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/brokerportal/sessionguard/internal/util"
)

func TestGenerate(t *testing.T) {
	k, err := Generate(WithID("k1"))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if k.ID() != "k1" {
		t.Errorf("expected ID k1, got %s", k.ID())
	}
	if k.Source() != SourceLocal {
		t.Errorf("expected local source, got %s", k.Source())
	}

	plainText := []byte("hello")
	cipherText, err := k.Seal(plainText)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	decrypted, err := k.Open(cipherText)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plainText, decrypted) {
		t.Error("decrypted text does not match plaintext")
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()
	ct, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := b.Open(ct); !errors.Is(err, util.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestFromMaterial(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 32)

	t.Run("Hex", func(t *testing.T) {
		k, err := FromMaterial(hex.EncodeToString(raw), SourceRemote)
		if err != nil {
			t.Fatalf("FromMaterial failed: %v", err)
		}
		got, _ := k.Hex()
		if got != hex.EncodeToString(raw) {
			t.Errorf("hex material not used directly: %s", got)
		}
		if k.Source() != SourceRemote {
			t.Errorf("expected remote source, got %s", k.Source())
		}
	})

	t.Run("Base64", func(t *testing.T) {
		k, err := FromMaterial(util.Base64Encode(raw), SourceRemote)
		if err != nil {
			t.Fatalf("FromMaterial failed: %v", err)
		}
		got, _ := k.Hex()
		if got != hex.EncodeToString(raw) {
			t.Errorf("base64 material not used directly: %s", got)
		}
	})

	t.Run("Arbitrary", func(t *testing.T) {
		a, err := FromMaterial("short-key", SourceRemote)
		if err != nil {
			t.Fatalf("FromMaterial failed: %v", err)
		}
		b, _ := FromMaterial("short-key", SourceRemote)
		ha, _ := a.Hex()
		hb, _ := b.Hex()
		if ha != hb || len(ha) != 64 {
			t.Errorf("expected deterministic 32-byte derivation, got %q and %q", ha, hb)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := FromMaterial("", SourceRemote); !errors.Is(err, ErrInvalidMaterial) {
			t.Fatalf("expected ErrInvalidMaterial, got %v", err)
		}
	})

	t.Run("RoundTripThroughHex", func(t *testing.T) {
		k, _ := Generate()
		ct, _ := k.Seal([]byte("persisted"))
		h, _ := k.Hex()
		restored, err := FromMaterial(h, SourceLocal)
		if err != nil {
			t.Fatalf("FromMaterial failed: %v", err)
		}
		pt, err := restored.Open(ct)
		if err != nil || string(pt) != "persisted" {
			t.Fatalf("restored key cannot open: %q %v", pt, err)
		}
	})
}

func TestDeriveDegraded(t *testing.T) {
	now := time.UnixMilli(1718000000000)
	a, err := DeriveDegraded(now)
	if err != nil {
		t.Fatalf("DeriveDegraded failed: %v", err)
	}
	b, _ := DeriveDegraded(now)
	c, _ := DeriveDegraded(now.Add(time.Millisecond))

	ha, _ := a.Hex()
	hb, _ := b.Hex()
	hc, _ := c.Hex()
	if ha != hb {
		t.Error("same timestamp should derive the same key")
	}
	if ha == hc {
		t.Error("different timestamps should derive different keys")
	}
	if a.Source() != SourceDegraded || !a.CreatedAt().Equal(now) {
		t.Errorf("unexpected source/created: %s %v", a.Source(), a.CreatedAt())
	}
}

func TestHMAC(t *testing.T) {
	k, _ := Generate()
	m1, err := k.HMAC([]byte("payload"))
	if err != nil {
		t.Fatalf("HMAC failed: %v", err)
	}
	m2, _ := k.HMAC([]byte("payload"))
	m3, _ := k.HMAC([]byte("payload!"))
	if len(m1) != 32 || !bytes.Equal(m1, m2) || bytes.Equal(m1, m3) {
		t.Error("HMAC must be deterministic per input and 32 bytes")
	}
}

func TestDestroy(t *testing.T) {
	k, _ := Generate()
	k.Destroy()
	if !k.Destroyed() {
		t.Error("expected Destroyed to be true")
	}
	if _, err := k.Seal([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if _, err := k.HMAC([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestMetadataExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	if (Metadata{}).Expired(now) {
		t.Error("metadata without expiry never expires")
	}
	if !(Metadata{ExpiresAt: &past}).Expired(now) {
		t.Error("expected expired")
	}
}
