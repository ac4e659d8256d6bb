package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/brokerportal/sessionguard/internal/util"
	"github.com/brokerportal/sessionguard/internal/uuid"
	"github.com/brokerportal/sessionguard/key"
	"github.com/brokerportal/sessionguard/platform"
)

// sessionKeyBytes is the size of an issued master key.
const sessionKeyBytes = 32

// keyRegistry tracks server-side key metadata. Only the newest key is
// active.
type keyRegistry struct {
	mu   sync.RWMutex
	keys []key.Metadata
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{}
}

func (kr *keyRegistry) create(identifier, algorithm string, now time.Time) (key.Metadata, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || strings.TrimSpace(algorithm) == "" {
		return key.Metadata{}, fmt.Errorf("%w: p_key_identifier and p_algorithm are required", errInvalidInput)
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if slices.ContainsFunc(kr.keys, func(m key.Metadata) bool { return m.Identifier == identifier }) {
		return key.Metadata{}, errDuplicateKey
	}
	for i := range kr.keys {
		kr.keys[i].Active = false
	}
	m := key.Metadata{
		ID:         uuid.New(),
		Identifier: identifier,
		Algorithm:  algorithm,
		CreatedAt:  now.UTC(),
		Active:     true,
	}
	kr.keys = append(kr.keys, m)
	return m, nil
}

func (kr *keyRegistry) list() []key.Metadata {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return slices.Clone(kr.keys)
}

// IssueSessionKey handles POST /functions/v1/session-encryption.
func (a *API) IssueSessionKey(w http.ResponseWriter, r *http.Request) {
	var req platform.KeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RequestType != platform.RequestTypeMasterKey {
		writeError(w, http.StatusBadRequest, "unsupported requestType")
		return
	}
	material, err := util.RandomHex(sessionKeyBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	a.audit.log(AuditSessionKeyIssued, r)
	writeJSON(w, http.StatusOK, platform.KeyResponse{SessionEncryptionKey: material})
}

// CreateEncryptionKey handles POST /rest/v1/rpc/create_encryption_key. The
// reply body is the new key's id as a JSON string.
func (a *API) CreateEncryptionKey(w http.ResponseWriter, r *http.Request) {
	var req platform.CreateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := a.keys.create(req.KeyIdentifier, req.Algorithm, a.clock.Now())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditEncryptionKeyCreate, r,
		slog.String("key_id", m.ID),
		slog.String("key_identifier", m.Identifier))
	writeJSON(w, http.StatusOK, m.ID)
}

// ListEncryptionKeys handles GET /rest/v1/encryption_keys.
func (a *API) ListEncryptionKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.keys.list())
}

// PublicIP handles GET /ip.
func (a *API) PublicIP(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if ip == "" {
		ip = platform.UnknownIP
	}
	writeJSON(w, http.StatusOK, platform.IPResponse{IP: ip})
}
