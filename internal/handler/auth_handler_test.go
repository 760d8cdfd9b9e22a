package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyauth-service/internal/config"
	"keyauth-service/internal/events"
	"keyauth-service/internal/guard"
	"keyauth-service/internal/identity"
	"keyauth-service/internal/keyderiv"
	"keyauth-service/internal/models"
	"keyauth-service/internal/nonce"
	redisrepo "keyauth-service/internal/repository/redis"
)

type fakeIdentityStore struct {
	mu      sync.Mutex
	records map[string]*models.Identity
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{records: make(map[string]*models.Identity)}
}

func (s *fakeIdentityStore) FindByIdentifier(_ context.Context, email string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[email]
	if !ok {
		return nil, identity.ErrIdentityNotFound
	}
	return record, nil
}

func (s *fakeIdentityStore) Create(_ context.Context, record *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.IdentityID = uuid.New().String()
	s.records[record.Email] = record
	return nil
}

func (s *fakeIdentityStore) Save(_ context.Context, record *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Email] = record
	return nil
}

func (s *fakeIdentityStore) publicKey(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[email]
	if !ok {
		return ""
	}
	return record.PublicKey
}

type fakeSessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*redisrepo.Session
	invalidated []string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*redisrepo.Session)}
}

func (s *fakeSessionStore) CreateSessionForIdentity(_ context.Context, record *models.Identity, deviceName, ip string, _ time.Duration) (*redisrepo.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := &redisrepo.Session{
		SessionID:  uuid.New().String(),
		IdentityID: record.IdentityID,
		Email:      record.Email,
		DeviceName: deviceName,
		IP:         ip,
		CreatedAt:  time.Now().UTC(),
	}
	s.sessions[session.SessionID] = session
	return session, nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, sessionID string) (*redisrepo.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID], nil
}

func (s *fakeSessionStore) InvalidateSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *fakeSessionStore) InvalidateAllUserSessions(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		if session.IdentityID == identityID {
			delete(s.sessions, id)
		}
	}
	s.invalidated = append(s.invalidated, identityID)
	return nil
}

type recordingThrottle struct {
	mu      sync.Mutex
	allowed []string
	resets  []string
}

func (t *recordingThrottle) Allow(_ context.Context, identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowed = append(t.allowed, identifier)
	return true
}

func (t *recordingThrottle) AllowIP(context.Context, string) bool { return true }

func (t *recordingThrottle) Reset(_ context.Context, identifier string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets = append(t.resets, identifier)
	return nil
}

type testServer struct {
	router   http.Handler
	store    *fakeIdentityStore
	sessions *fakeSessionStore
	throttle *recordingThrottle
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		KDF: config.KDFConfig{
			Argon2MemoryKiB:   8 * 1024,
			Argon2Iterations:  1,
			Argon2Parallelism: 1,
			SaltKey:           "test-salt-key",
		},
		Nonce: config.NonceConfig{Secret: "test-nonce-secret", TTL: 5 * time.Minute},
	}

	deriver, err := keyderiv.NewDeriver(cfg)
	require.NoError(t, err)
	nonces, err := nonce.NewService(cfg)
	require.NoError(t, err)

	store := newFakeIdentityStore()
	logger := zap.NewNop()
	identities := identity.NewManager(deriver, store, events.Nop(), logger)

	sessions := newFakeSessionStore()
	throttle := &recordingThrottle{}

	newGuard := func() *guard.KeyGuard {
		return guard.NewKeyGuard(identities, nonces, store, events.Nop(), logger)
	}

	h := NewAuthHandler(newGuard, identities, nil, sessions, throttle, nil, nil, false, logger)

	return &testServer{
		router:   NewRouter(h, false, logger),
		store:    store,
		sessions: sessions,
		throttle: throttle,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T, email, passphrase string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/auth/register", map[string]interface{}{
		"email":      email,
		"passphrase": passphrase,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) login(t *testing.T, email, passphrase string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/auth/login", map[string]interface{}{
		"email":      email,
		"passphrase": passphrase,
	})
}

func (s *testServer) sessionCookieFor(t *testing.T, email, passphrase string) *http.Cookie {
	t.Helper()
	rec := s.login(t, email, passphrase)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == sessionCookieName {
			return cookie
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func TestRecoverWithoutSessionIsRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.register(t, "victim@example.com", "original strong passphrase 7")
	originalKey := s.store.publicKey("victim@example.com")
	require.NotEmpty(t, originalKey)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/recover", map[string]interface{}{
		"passphrase": "attacker chosen passphrase 99",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The stored key must be untouched and the owner must still get in.
	assert.Equal(t, originalKey, s.store.publicKey("victim@example.com"))
	assert.Equal(t, http.StatusOK, s.login(t, "victim@example.com", "original strong passphrase 7").Code)
	assert.Equal(t, http.StatusUnauthorized, s.login(t, "victim@example.com", "attacker chosen passphrase 99").Code)
}

func TestRecoverRotatesKeyForSessionHolder(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.register(t, "alice@example.com", "original strong passphrase 7")
	cookie := s.sessionCookieFor(t, "alice@example.com", "original strong passphrase 7")
	originalKey := s.store.publicKey("alice@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/auth/recover", map[string]interface{}{
		"passphrase": "replacement strong phrase 42",
	}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.NotEqual(t, originalKey, s.store.publicKey("alice@example.com"))
	assert.Equal(t, http.StatusUnauthorized, s.login(t, "alice@example.com", "original strong passphrase 7").Code)
	assert.Equal(t, http.StatusOK, s.login(t, "alice@example.com", "replacement strong phrase 42").Code)

	// Key rotation killed every live session, including the caller's.
	assert.NotEmpty(t, s.sessions.invalidated)
	record, _ := s.sessions.GetSession(context.Background(), cookie.Value)
	assert.Nil(t, record)
}

func TestRecoverIgnoresBodySuppliedAccount(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.register(t, "alice@example.com", "original strong passphrase 7")
	s.register(t, "bob@example.com", "completely other phrase 13")
	cookie := s.sessionCookieFor(t, "alice@example.com", "original strong passphrase 7")
	bobKey := s.store.publicKey("bob@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/auth/recover", map[string]interface{}{
		"email":      "bob@example.com",
		"passphrase": "attacker chosen passphrase 99",
	}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Only the session holder's key moved.
	assert.Equal(t, bobKey, s.store.publicKey("bob@example.com"))
	assert.Equal(t, http.StatusOK, s.login(t, "bob@example.com", "completely other phrase 13").Code)
}

func TestLoginThrottleKeyIsNormalized(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.register(t, "alice@example.com", "original strong passphrase 7")

	for _, email := range []string{"alice@example.com", "Alice@Example.COM", "  ALICE@example.com "} {
		s.login(t, email, "wrong passphrase entirely 0")
	}

	require.Len(t, s.throttle.allowed, 3)
	for _, identifier := range s.throttle.allowed {
		assert.Equal(t, "alice@example.com", identifier)
	}
}

func TestSuccessfulLoginResetsNormalizedThrottleKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	s.register(t, "alice@example.com", "original strong passphrase 7")

	rec := s.login(t, "  Alice@Example.COM ", "original strong passphrase 7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, s.throttle.resets, 1)
	assert.Equal(t, "alice@example.com", s.throttle.resets[0])
}
