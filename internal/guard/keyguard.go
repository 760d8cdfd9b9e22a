package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"keyauth-service/internal/events"
	"keyauth-service/internal/identity"
	"keyauth-service/internal/keyderiv"
	"keyauth-service/internal/models"
	"keyauth-service/internal/nonce"
	"keyauth-service/internal/util"
)

// Credentials is the email+passphrase pair submitted over a protected
// channel for server-side derivation.
type Credentials struct {
	Email      string
	Passphrase string
}

// KeyGuard is the per-request authentication guard. It starts anonymous
// and transitions to authenticated through Attempt (server-side
// derivation) or AuthenticateWithSignature (client-side derivation, only a
// signature crosses the network). Its only side effects are its own state
// and event emission; it never persists anything.
type KeyGuard struct {
	ids    *identity.Manager
	nonces *nonce.Service
	store  identity.Store
	sink   events.Sink
	logger *zap.Logger

	mu   sync.RWMutex
	user *models.Identity
}

func NewKeyGuard(ids *identity.Manager, nonces *nonce.Service, store identity.Store, sink events.Sink, logger *zap.Logger) *KeyGuard {
	if sink == nil {
		sink = events.Nop()
	}
	return &KeyGuard{ids: ids, nonces: nonces, store: store, sink: sink, logger: logger}
}

// Validate performs the full derive-and-compare check without touching
// guard state. Used for pre-checks.
func (g *KeyGuard) Validate(ctx context.Context, creds Credentials) (*models.Identity, error) {
	return g.ids.Verify(ctx, creds.Email, creds.Passphrase)
}

// Attempt validates the credentials and, on success, transitions the guard
// to authenticated. Every outcome is reported to the event sink; the
// caller only learns success or failure.
func (g *KeyGuard) Attempt(ctx context.Context, creds Credentials) bool {
	email := keyderiv.NormalizeEmail(creds.Email)

	g.sink.Emit(ctx, events.Event{
		Type:       events.TypeAuthAttempting,
		Identifier: email,
		At:         time.Now().UTC(),
	})

	record, err := g.Validate(ctx, creds)
	if err != nil {
		g.logger.Error("Credential validation failed",
			util.ErrorField(err))
		record = nil
	}

	if record == nil {
		g.sink.Emit(ctx, events.Event{
			Type:       events.TypeAuthFailed,
			Identifier: email,
			At:         time.Now().UTC(),
		})
		return false
	}

	g.Login(record)
	g.sink.Emit(ctx, events.Event{
		Type:       events.TypeAuthSucceeded,
		IdentityID: record.IdentityID,
		Identifier: email,
		At:         time.Now().UTC(),
	})
	return true
}

// Challenge issues a nonce for an out-of-band client-side signing flow.
func (g *KeyGuard) Challenge(identifier string) (string, error) {
	challenge, err := g.nonces.Generate(keyderiv.NormalizeEmail(identifier))
	if err != nil {
		return "", fmt.Errorf("failed to issue challenge: %w", err)
	}
	return challenge, nil
}

// AuthenticateWithSignature verifies a detached signature over a nonce the
// server previously issued for this identifier. The nonce is checked
// first, so an expired or foreign challenge fails before any store lookup.
// This path never sees the passphrase.
func (g *KeyGuard) AuthenticateWithSignature(ctx context.Context, email, signature, challenge string) bool {
	email = keyderiv.NormalizeEmail(email)

	if !g.nonces.Validate(email, challenge) {
		g.emitFailed(ctx, email)
		return false
	}

	record, err := g.store.FindByIdentifier(ctx, email)
	if err != nil {
		if !errors.Is(err, identity.ErrIdentityNotFound) {
			g.logger.Error("Identity lookup failed", util.ErrorField(err))
		}
		g.emitFailed(ctx, email)
		return false
	}
	if record == nil || record.GetPublicKey() == "" {
		g.emitFailed(ctx, email)
		return false
	}

	if !g.ids.Deriver().VerifySignature(record.GetPublicKey(), signature, challenge) {
		g.emitFailed(ctx, email)
		return false
	}

	g.Login(record)
	g.sink.Emit(ctx, events.Event{
		Type:       events.TypeAuthSucceeded,
		IdentityID: record.IdentityID,
		Identifier: email,
		At:         time.Now().UTC(),
	})
	return true
}

// Login sets the authenticated identity reference.
func (g *KeyGuard) Login(record *models.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.user = record
}

// Logout clears the authenticated identity reference.
func (g *KeyGuard) Logout() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.user = nil
}

// User returns the authenticated identity, or nil while anonymous.
func (g *KeyGuard) User() *models.Identity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.user
}

// Check reports whether the guard is authenticated.
func (g *KeyGuard) Check() bool {
	return g.User() != nil
}

func (g *KeyGuard) emitFailed(ctx context.Context, email string) {
	g.sink.Emit(ctx, events.Event{
		Type:       events.TypeAuthFailed,
		Identifier: email,
		At:         time.Now().UTC(),
	})
}
