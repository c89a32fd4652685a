package goAuthenticator

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goAuthenticator/push"
)

const (
	scenarioAURI = "otp://totp/Example:alice?secret=JBSWY3DPEHPK3PXP&issuer=Example"
	testDevice   = "device-token-1"
)

var (
	aliceRef    = IdentityRef{Issuer: "Example", AccountName: "alice"}
	errStoreOff = errors.New("store offline")
)

// memStore is an in-memory IdentityStore with injectable failures.
type memStore struct {
	mu          sync.Mutex
	records     map[StoreHandle]*Mechanism
	persistErr  error
	deleteErr   error
	persists    atomic.Int64
	deletes     atomic.Int64
	persistHook func(ctx context.Context)
}

func newMemStore() *memStore {
	return &memStore{records: make(map[StoreHandle]*Mechanism)}
}

func (s *memStore) Persist(ctx context.Context, m *Mechanism) (StoreHandle, error) {
	s.persists.Add(1)
	if s.persistHook != nil {
		s.persistHook(ctx)
	}
	if s.persistErr != nil {
		return "", s.persistErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := StoreHandle("h-" + m.ID)
	s.records[h] = m
	return h, nil
}

func (s *memStore) Delete(_ context.Context, h StoreHandle) error {
	s.deletes.Add(1)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, h)
	return nil
}

func (s *memStore) has(h StoreHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[h]
	return ok
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeRegistrar records push registrations.
type fakeRegistrar struct {
	mu    sync.Mutex
	regs  []push.Registration
	err   error
	calls atomic.Int64
}

func (r *fakeRegistrar) Register(_ context.Context, reg push.Registration) error {
	r.calls.Add(1)
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.regs = append(r.regs, reg)
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistrar) last() (push.Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.regs) == 0 {
		return push.Registration{}, false
	}
	return r.regs[len(r.regs)-1], true
}

// stubFactory claims a scheme and completes with a canned failure. claims overrides the scheme
// Supports matches, so two stubs can overlap without sharing a protocol.
type stubFactory struct {
	protocol string
	claims   string
	aliases  []string
	builds   atomic.Int64
}

func (f *stubFactory) Supports(uri *url.URL) bool {
	if f.claims != "" {
		return schemeIs(uri, f.claims)
	}
	return schemeIs(uri, f.protocol)
}

func (f *stubFactory) SupportedProtocol() string { return f.protocol }

func (f *stubFactory) ProtocolAliases() []string { return f.aliases }

func (f *stubFactory) Build(_ context.Context, _ *url.URL, _ IdentityStore, _ IdentityModel, onComplete CompletionFunc) {
	f.builds.Add(1)
	go onComplete(BuildResult{Err: errors.New("stub")})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Push.DeviceToken = testDevice
	return cfg
}

func newTestRegistry(t *testing.T, registrar PushRegistrar) *Registry {
	t.Helper()
	if registrar == nil {
		registrar = &fakeRegistrar{}
	}
	r, err := New().WithConfig(testConfig()).WithOTP().WithPush(registrar).Build()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func newModelWith(t testing.TB, refs ...IdentityRef) *MemoryIdentityModel {
	t.Helper()
	model := NewIdentityModel()
	for _, ref := range refs {
		if _, err := model.AddIdentity(ref); err != nil {
			t.Fatalf("add identity %s: %v", ref, err)
		}
	}
	return model
}

func waitResult(t *testing.T, ch <-chan BuildResult) BuildResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for build completion")
		return BuildResult{}
	}
}

func b64url(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func pushURI(extra string) string {
	q := url.Values{}
	q.Set("r", b64url("https://am.example.com/push/register"))
	q.Set("a", b64url("https://am.example.com/push/authenticate"))
	q.Set("s", base64.StdEncoding.EncodeToString([]byte("push-shared-secret")))
	q.Set("c", base64.StdEncoding.EncodeToString([]byte("challenge-bytes")))
	q.Set("m", "msg-1")
	q.Set("issuer", "Example")
	raw := "pushauth://push/Example:alice?" + q.Encode()
	if extra != "" {
		raw += "&" + extra
	}
	return raw
}
