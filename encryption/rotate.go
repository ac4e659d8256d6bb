package encryption

import (
	"context"
	"fmt"

	"github.com/brokerportal/sessionguard/key"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
)

// RotateEncryptionKeys replaces the master key. It requires an admin
// principal. The new key is registered with the platform as
// master_key_<unix-ms>, its material is requested from the key service
// (generated locally if that fails) and it is swapped in atomically.
// Ciphertext produced under the previous key is not re-encrypted and
// becomes unreadable.
func (p *Provider) RotateEncryptionKeys(ctx context.Context) error {
	pr := p.Principal()
	if !pr.Admin {
		p.auditor.Event(ctx, securelog.Event{
			Type:     securelog.EventKeyRotationDenied,
			Severity: platform.SeverityHigh,
			UserID:   pr.UserID,
		})
		return ErrUnauthorized
	}

	p.rotateMu.Lock()
	defer p.rotateMu.Unlock()

	now := p.clock.Now()
	identifier := fmt.Sprintf("master_key_%d", now.UnixMilli())
	algorithm := p.cfg.Algorithm
	if algorithm == "" {
		algorithm = Algorithm
	}

	if p.admin != nil {
		if _, err := p.admin.CreateEncryptionKey(ctx, identifier, algorithm); err != nil {
			p.auditor.Event(ctx, securelog.Event{
				Type:     securelog.EventKeyRotationFailed,
				Severity: platform.SeverityHigh,
				UserID:   pr.UserID,
				Data:     map[string]any{"key_identifier": identifier, "error": err.Error()},
			})
			return fmt.Errorf("registering key %s: %w", identifier, err)
		}
	}

	next, err := p.rotatedKey(ctx, identifier)
	if err != nil {
		return err
	}

	var oldID string
	if old := p.current.Swap(next); old != nil {
		oldID = old.ID()
	}
	p.readyOnce.Do(func() { close(p.ready) })

	p.logger.Info("master key rotated", "old_key_id", oldID, "new_key_id", next.ID())
	p.auditor.Event(ctx, securelog.Event{
		Type:     securelog.EventKeyRotated,
		Severity: platform.SeverityCritical,
		UserID:   pr.UserID,
		Data: map[string]any{
			"old_key_id": oldID,
			"new_key_id": next.ID(),
			"algorithm":  algorithm,
			"source":     string(next.Source()),
		},
	})

	p.refreshKeys(ctx)
	return nil
}

func (p *Provider) rotatedKey(ctx context.Context, identifier string) (*key.MasterKey, error) {
	opts := []key.Option{key.WithID(identifier), key.WithCreatedAt(p.clock.Now())}
	if p.keys != nil {
		material, err := p.keys.RequestMasterKey(ctx)
		if err == nil {
			k, err := key.FromMaterial(material, key.SourceRemote, opts...)
			if err == nil {
				return k, nil
			}
			p.logger.Warn("rotated key material unusable, generating locally", "error", err)
		} else {
			p.logger.Warn("key service unavailable during rotation, generating locally", "error", err)
		}
	}
	k, err := p.generateFallback(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: generating rotated key: %v", ErrEncryption, err)
	}
	return k, nil
}

// refreshKeys reloads the metadata cache. Failures keep the previous cache.
func (p *Provider) refreshKeys(ctx context.Context) {
	if p.admin == nil {
		return
	}
	keys, err := p.admin.ListEncryptionKeys(ctx)
	if err != nil {
		p.logger.Warn("refreshing key metadata failed", "error", err)
		return
	}
	p.mu.Lock()
	p.known = keys
	p.mu.Unlock()
}
