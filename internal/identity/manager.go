package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"keyauth-service/internal/events"
	"keyauth-service/internal/keyderiv"
	"keyauth-service/internal/models"
	"keyauth-service/internal/util"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityExists   = errors.New("identity already exists")
)

// ValidationError carries the entropy-floor reasons. Unlike authentication
// failures these are meant to be shown to the user, during registration and
// recovery only.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "passphrase rejected: " + strings.Join(e.Reasons, "; ")
}

// Store is the user-record persistence contract this package consumes.
// Implementations must return ErrIdentityNotFound for missing identifiers.
type Store interface {
	FindByIdentifier(ctx context.Context, email string) (*models.Identity, error)
	Create(ctx context.Context, identity *models.Identity) error
	Save(ctx context.Context, identity *models.Identity) error
}

// Manager orchestrates registration, verification and recovery over the
// key-derivation primitive, an external identity store and an event sink.
type Manager struct {
	deriver *keyderiv.Deriver
	store   Store
	sink    events.Sink
	logger  *zap.Logger

	minLength int
	minUnique int
}

func NewManager(deriver *keyderiv.Deriver, store Store, sink events.Sink, logger *zap.Logger) *Manager {
	if sink == nil {
		sink = events.Nop()
	}
	return &Manager{
		deriver:   deriver,
		store:     store,
		sink:      sink,
		logger:    logger,
		minLength: keyderiv.DefaultMinLength,
		minUnique: keyderiv.DefaultMinUniqueChars,
	}
}

// Register validates the passphrase floor, derives only the public half of
// the keypair and persists the identity. No secret-derived value is stored.
func (m *Manager) Register(ctx context.Context, email, passphrase string, promptIDs []string) (*models.Identity, error) {
	if res := m.deriver.ValidatePassphraseEntropy(passphrase, m.minLength, m.minUnique); !res.Valid {
		return nil, &ValidationError{Reasons: res.Errors}
	}

	email = keyderiv.NormalizeEmail(email)

	existing, err := m.store.FindByIdentifier(ctx, email)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return nil, fmt.Errorf("failed to check existing identity: %w", err)
	}
	if existing != nil {
		return nil, ErrIdentityExists
	}

	publicKey, err := m.deriver.DerivePublicKey(email, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	record := &models.Identity{
		Email:     email,
		PublicKey: publicKey,
		PromptIDs: promptIDs,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	m.sink.Emit(ctx, events.Event{
		Type:       events.TypeIdentityRegistered,
		IdentityID: record.IdentityID,
		Identifier: email,
		PublicKey:  fingerprint(publicKey),
		At:         record.CreatedAt,
	})

	m.logger.Info("Identity registered",
		util.String("identity_id", record.IdentityID),
		util.String("public_key", fingerprint(publicKey)),
	)

	return record, nil
}

// Verify re-derives the keypair from the candidate passphrase and compares
// the public half against the stored key in constant time. All failure
// modes collapse to (nil, nil): the caller learns nothing about why.
func (m *Manager) Verify(ctx context.Context, email, passphrase string) (*models.Identity, error) {
	email = keyderiv.NormalizeEmail(email)

	record, err := m.store.FindByIdentifier(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if record == nil || record.GetPublicKey() == "" {
		return nil, nil
	}

	kp, err := m.deriver.DeriveKeyPair(email, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}
	defer kp.Zero()

	if !keyderiv.PublicKeysEqual(kp.PublicKeyBase64(), record.GetPublicKey()) {
		return nil, nil
	}

	return record, nil
}

// Recover overwrites the stored public key with one derived from the new
// passphrase. The caller must already have authenticated the user through
// an out-of-band mechanism; this method trusts it did.
func (m *Manager) Recover(ctx context.Context, email, newPassphrase string, promptIDs []string) (*models.Identity, error) {
	if res := m.deriver.ValidatePassphraseEntropy(newPassphrase, m.minLength, m.minUnique); !res.Valid {
		return nil, &ValidationError{Reasons: res.Errors}
	}

	email = keyderiv.NormalizeEmail(email)

	record, err := m.store.FindByIdentifier(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	publicKey, err := m.deriver.DerivePublicKey(email, newPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	record.SetPublicKey(publicKey)
	if len(promptIDs) > 0 {
		record.SetPromptIDs(promptIDs)
	}

	if err := m.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}

	m.sink.Emit(ctx, events.Event{
		Type:       events.TypeIdentityRecovered,
		IdentityID: record.IdentityID,
		Identifier: email,
		PublicKey:  fingerprint(publicKey),
		At:         time.Now().UTC(),
	})

	m.logger.Info("Identity recovered",
		util.String("identity_id", record.IdentityID),
		util.String("public_key", fingerprint(publicKey)),
	)

	return record, nil
}

// Deriver exposes the derivation primitive to guards that share it.
func (m *Manager) Deriver() *keyderiv.Deriver { return m.deriver }

func fingerprint(publicKeyB64 string) string {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return ""
	}
	return util.Fingerprint(raw)
}
