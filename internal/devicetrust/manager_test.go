package devicetrust

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyauth-service/internal/config"
	"keyauth-service/internal/events"
	"keyauth-service/internal/models"
)

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.DeviceToken // keyed by token hash
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]*models.DeviceToken)}
}

func (s *fakeTokenStore) CreateForUser(_ context.Context, userID, deviceName, ip string, ttl time.Duration) (string, *models.DeviceToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	rawToken := hex.EncodeToString(raw)

	now := time.Now().UTC()
	record := &models.DeviceToken{
		UserID:     userID,
		TokenHash:  HashToken(rawToken),
		DeviceName: deviceName,
		IP:         ip,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	s.mu.Lock()
	s.tokens[record.TokenHash] = record
	s.mu.Unlock()
	return rawToken, record, nil
}

func (s *fakeTokenStore) FindValidToken(_ context.Context, tokenHash string) (*models.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[tokenHash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *fakeTokenStore) TouchLastUsed(_ context.Context, tokenHash, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.tokens[tokenHash]; ok {
		record.LastUsedAt = time.Now().UTC()
		record.IP = ip
	}
	return nil
}

func (s *fakeTokenStore) RevokeOthersForUser(_ context.Context, userID, keepTokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, record := range s.tokens {
		if record.UserID == userID && hash != keepTokenHash {
			delete(s.tokens, hash)
		}
	}
	return nil
}

type fakeSessions struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeSessions) InvalidateAllUserSessions(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func testManager(t *testing.T, ttl time.Duration) (*Manager, *fakeTokenStore, *fakeSessions, *captureSink) {
	t.Helper()
	store := newFakeTokenStore()
	sessions := &fakeSessions{}
	sink := &captureSink{}
	cfg := &config.Config{
		DeviceTrust: config.DeviceTrustConfig{
			CookieName: "device_token",
			TTL:        ttl,
		},
	}
	return NewManager(store, sessions, sink, cfg, zap.NewNop()), store, sessions, sink
}

func testIdentity(id, email string) *models.Identity {
	return &models.Identity{IdentityID: id, Email: email}
}

func TestTrustIssuesCookieAndStoresOnlyHash(t *testing.T) {
	t.Parallel()

	manager, store, sessions, sink := testManager(t, 90*24*time.Hour)
	alice := testIdentity("id-alice", "alice@example.com")

	grant, err := manager.Trust(context.Background(), alice, "Mozilla/5.0 (Macintosh; Intel Mac OS X) Chrome/124.0 Safari/537.36", "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, grant.Cookie)

	assert.Equal(t, "device_token", grant.Cookie.Name)
	assert.Equal(t, grant.RawToken, grant.Cookie.Value)
	assert.True(t, grant.Cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, grant.Cookie.SameSite)
	assert.Equal(t, int((90 * 24 * time.Hour).Seconds()), grant.Cookie.MaxAge)
	assert.Equal(t, "Chrome on macOS", grant.DeviceName)

	// Store never sees the raw token.
	_, err = store.FindValidToken(context.Background(), grant.RawToken)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	record, err := store.FindValidToken(context.Background(), HashToken(grant.RawToken))
	require.NoError(t, err)
	assert.Equal(t, "id-alice", record.UserID)

	assert.Equal(t, []string{"id-alice"}, sessions.invalidated)
	require.Len(t, sink.events, 1)
	assert.Equal(t, events.TypeDeviceTrusted, sink.events[0].Type)
}

func TestTrustRevokesPreviousDevice(t *testing.T) {
	t.Parallel()

	manager, _, _, _ := testManager(t, time.Hour)
	alice := testIdentity("id-alice", "alice@example.com")
	ctx := context.Background()

	first, err := manager.Trust(ctx, alice, "Firefox/126.0 (Windows NT 10.0)", "198.51.100.4")
	require.NoError(t, err)
	require.True(t, manager.IsTrusted(ctx, alice, first.RawToken, "198.51.100.4"))

	second, err := manager.Trust(ctx, alice, "Chrome/124.0 Safari/537.36 (X11; Linux x86_64)", "198.51.100.5")
	require.NoError(t, err)

	assert.False(t, manager.IsTrusted(ctx, alice, first.RawToken, "198.51.100.4"),
		"trusting a second device must revoke the first")
	assert.True(t, manager.IsTrusted(ctx, alice, second.RawToken, "198.51.100.5"))
}

func TestTrustDoesNotRevokeOtherAccounts(t *testing.T) {
	t.Parallel()

	manager, _, _, _ := testManager(t, time.Hour)
	ctx := context.Background()
	alice := testIdentity("id-alice", "alice@example.com")
	bob := testIdentity("id-bob", "bob@example.com")

	aliceGrant, err := manager.Trust(ctx, alice, "Chrome/124.0", "203.0.113.1")
	require.NoError(t, err)
	_, err = manager.Trust(ctx, bob, "Firefox/126.0", "203.0.113.2")
	require.NoError(t, err)

	assert.True(t, manager.IsTrusted(ctx, alice, aliceGrant.RawToken, "203.0.113.1"))
}

func TestIsTrustedRejectsForeignToken(t *testing.T) {
	t.Parallel()

	manager, _, _, _ := testManager(t, time.Hour)
	ctx := context.Background()
	alice := testIdentity("id-alice", "alice@example.com")
	bob := testIdentity("id-bob", "bob@example.com")

	grant, err := manager.Trust(ctx, bob, "Chrome/124.0", "203.0.113.2")
	require.NoError(t, err)

	assert.False(t, manager.IsTrusted(ctx, alice, grant.RawToken, "203.0.113.1"),
		"a token issued to another identity must not be trusted")
}

func TestIsTrustedRejectsGarbage(t *testing.T) {
	t.Parallel()

	manager, _, _, _ := testManager(t, time.Hour)
	alice := testIdentity("id-alice", "alice@example.com")

	assert.False(t, manager.IsTrusted(context.Background(), alice, "", "203.0.113.1"))
	assert.False(t, manager.IsTrusted(context.Background(), alice, "not-a-real-token", "203.0.113.1"))
	assert.False(t, manager.IsTrusted(context.Background(), nil, "whatever", "203.0.113.1"))
}

func TestIsTrustedRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	manager, store, _, _ := testManager(t, time.Millisecond)
	ctx := context.Background()
	alice := testIdentity("id-alice", "alice@example.com")

	grant, err := manager.Trust(ctx, alice, "Chrome/124.0", "203.0.113.1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.False(t, manager.IsTrusted(ctx, alice, grant.RawToken, "203.0.113.1"))

	// The record itself is still present in the store; expiry is enforced here.
	_, err = store.FindValidToken(ctx, HashToken(grant.RawToken))
	require.NoError(t, err)
}

func TestDeviceNameFromUserAgent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		userAgent string
		want      string
	}{
		{"Mozilla/5.0 (Windows NT 10.0; Win64) Chrome/124.0 Safari/537.36", "Chrome on Windows"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0", "Firefox on Linux"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4) Version/17.4 Safari/604.1", "Safari on iOS"},
		{"Mozilla/5.0 (Windows NT 10.0) Chrome/124.0 Safari/537.36 Edg/124.0", "Edge on Windows"},
		{"curl/8.6.0", "Unknown browser"},
		{"", "Unknown device"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeviceNameFromUserAgent(tc.userAgent), "user agent %q", tc.userAgent)
	}
}
