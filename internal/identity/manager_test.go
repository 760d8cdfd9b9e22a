package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyauth-service/internal/config"
	"keyauth-service/internal/events"
	"keyauth-service/internal/keyderiv"
	"keyauth-service/internal/models"
)

func testDeriver(t *testing.T) *keyderiv.Deriver {
	t.Helper()
	cfg := &config.Config{
		KDF: config.KDFConfig{
			Argon2MemoryKiB:   8 * 1024,
			Argon2Iterations:  1,
			Argon2Parallelism: 1,
			SaltKey:           "test-salt-key",
		},
	}
	d, err := keyderiv.NewDeriver(cfg)
	require.NoError(t, err)
	return d
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.Identity
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*models.Identity)}
}

func (s *fakeStore) FindByIdentifier(_ context.Context, email string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[email]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return record, nil
}

func (s *fakeStore) Create(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	identity.IdentityID = string(rune('a' + s.nextID))
	s.records[identity.Email] = identity
	return nil
}

func (s *fakeStore) Save(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[identity.Email] = identity
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(_ context.Context, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testManager(t *testing.T) (*Manager, *fakeStore, *recordingSink) {
	t.Helper()
	store := newFakeStore()
	sink := &recordingSink{}
	m := NewManager(testDeriver(t), store, sink, zap.NewNop())
	return m, store, sink
}

func TestRegister_PersistsOnlyPublicKey(t *testing.T) {
	t.Parallel()
	m, store, sink := testManager(t)

	record, err := m.Register(context.Background(), " Alice@Example.com ", "correct horse battery staple 9!", []string{"pet", "street"})
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", record.Email)
	assert.NotEmpty(t, record.PublicKey)
	assert.Equal(t, []string{"pet", "street"}, record.PromptIDs)

	stored, err := store.FindByIdentifier(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, record.PublicKey, stored.PublicKey)

	assert.Equal(t, []string{events.TypeIdentityRegistered}, sink.types())
}

func TestRegister_EntropyFloor(t *testing.T) {
	t.Parallel()
	m, _, sink := testManager(t)

	_, err := m.Register(context.Background(), "alice@example.com", "aaaaaaaaaaaa", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Reasons)
	assert.Empty(t, sink.types())
}

func TestRegister_Duplicate(t *testing.T) {
	t.Parallel()
	m, _, _ := testManager(t)

	_, err := m.Register(context.Background(), "alice@example.com", "correct horse battery staple 9!", nil)
	require.NoError(t, err)

	_, err = m.Register(context.Background(), "ALICE@example.com", "another fine passphrase 77", nil)
	assert.ErrorIs(t, err, ErrIdentityExists)
}

func TestVerify_EndToEnd(t *testing.T) {
	t.Parallel()
	m, _, _ := testManager(t)

	_, err := m.Register(context.Background(), "alice@example.com", "correct horse battery staple 9!", nil)
	require.NoError(t, err)

	record, err := m.Verify(context.Background(), "alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "alice@example.com", record.Email)

	record, err = m.Verify(context.Background(), "alice@example.com", "wrong passphrase")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestVerify_UnknownIdentifier(t *testing.T) {
	t.Parallel()
	m, _, _ := testManager(t)

	record, err := m.Verify(context.Background(), "nobody@example.com", "whatever passphrase 123")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestVerify_MissingPublicKey(t *testing.T) {
	t.Parallel()
	m, store, _ := testManager(t)

	require.NoError(t, store.Create(context.Background(), &models.Identity{Email: "alice@example.com"}))

	record, err := m.Verify(context.Background(), "alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRecover_OverwritesPublicKey(t *testing.T) {
	t.Parallel()
	m, _, sink := testManager(t)

	_, err := m.Register(context.Background(), "alice@example.com", "correct horse battery staple 9!", []string{"pet"})
	require.NoError(t, err)

	_, err = m.Recover(context.Background(), "alice@example.com", "brand new recovery phrase 42", []string{"city", "first-pet"})
	require.NoError(t, err)

	// new passphrase verifies, old one no longer does
	record, err := m.Verify(context.Background(), "alice@example.com", "brand new recovery phrase 42")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, []string{"city", "first-pet"}, record.PromptIDs)

	record, err = m.Verify(context.Background(), "alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	assert.Nil(t, record)

	assert.Equal(t, []string{events.TypeIdentityRegistered, events.TypeIdentityRecovered}, sink.types())
}

func TestRecover_EntropyFloor(t *testing.T) {
	t.Parallel()
	m, _, _ := testManager(t)

	_, err := m.Register(context.Background(), "alice@example.com", "correct horse battery staple 9!", nil)
	require.NoError(t, err)

	_, err = m.Recover(context.Background(), "alice@example.com", "bbbbbbbbbbbb", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// stored key untouched
	record, err := m.Verify(context.Background(), "alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	assert.NotNil(t, record)
}
