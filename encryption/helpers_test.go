package encryption

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/key"
	"github.com/brokerportal/sessionguard/platform"
	"github.com/brokerportal/sessionguard/securelog"
	"github.com/brokerportal/sessionguard/storage"
	"github.com/brokerportal/sessionguard/storage/memory"
)

var errUnavailable = errors.New("unavailable")

type fakeKeyService struct {
	mu        sync.Mutex
	materials []string
	err       error
	calls     int
}

func (f *fakeKeyService) RequestMasterKey(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.materials) == 0 {
		return "", platform.ErrEmptyKey
	}
	m := f.materials[0]
	f.materials = f.materials[1:]
	return m, nil
}

type createCall struct {
	identifier string
	algorithm  string
}

type fakeKeyAdmin struct {
	mu      sync.Mutex
	created []createCall
	err     error
}

func (f *fakeKeyAdmin) CreateEncryptionKey(_ context.Context, identifier, algorithm string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, createCall{identifier, algorithm})
	return "id-" + identifier, nil
}

func (f *fakeKeyAdmin) ListEncryptionKeys(context.Context) ([]key.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]key.Metadata, 0, len(f.created))
	for _, c := range f.created {
		out = append(out, key.Metadata{ID: "id-" + c.identifier, Identifier: c.identifier, Algorithm: c.algorithm, Active: true})
	}
	return out, nil
}

func (f *fakeKeyAdmin) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type recordingSink struct {
	mu     sync.Mutex
	events []platform.SecurityEvent
}

func (s *recordingSink) LogSecurityEvent(_ context.Context, e platform.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(t securelog.EventType) []platform.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []platform.SecurityEvent
	for _, e := range s.events {
		if e.EventType == string(t) {
			out = append(out, e)
		}
	}
	return out
}

type failingStore struct{ storage.Store }

func (failingStore) Get(slot string) (string, error) { return "", storage.ErrNotFound }
func (failingStore) Put(string, string) error        { return errors.New("quota exceeded") }

type fixture struct {
	provider *Provider
	keys     *fakeKeyService
	admin    *fakeKeyAdmin
	store    *memory.Store
	sink     *recordingSink
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, cfg config.EncryptionConfig) *fixture {
	t.Helper()
	f := &fixture{
		keys:  &fakeKeyService{err: errUnavailable},
		admin: &fakeKeyAdmin{},
		store: memory.NewStore(),
		sink:  &recordingSink{},
		clock: clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	auditor := securelog.NewAuditor(securelog.Discard(), f.sink, "test")
	f.provider = New(cfg, f.keys, f.admin, f.store, auditor, WithClock(f.clock))
	t.Cleanup(f.provider.Close)
	return f
}

func defaultCfg() config.EncryptionConfig {
	return config.Default().Encryption
}

func hexKey(b byte) string {
	return strings.Repeat(string("0123456789abcdef"[b&0xf]), 64)
}
