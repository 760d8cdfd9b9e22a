package devicetrust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"keyauth-service/internal/config"
	"keyauth-service/internal/events"
	"keyauth-service/internal/models"
	"keyauth-service/internal/util"
)

var ErrTokenNotFound = errors.New("device token not found")

// TokenStore is the persisted device-token contract. Only token hashes
// cross this boundary; the raw token is returned once from CreateForUser.
type TokenStore interface {
	CreateForUser(ctx context.Context, userID, deviceName, ip string, ttl time.Duration) (string, *models.DeviceToken, error)
	FindValidToken(ctx context.Context, tokenHash string) (*models.DeviceToken, error)
	TouchLastUsed(ctx context.Context, tokenHash, ip string) error
	RevokeOthersForUser(ctx context.Context, userID, keepTokenHash string) error
}

// SessionInvalidator revokes an account's active login sessions. Backed by
// the Redis session cache in production.
type SessionInvalidator interface {
	InvalidateAllUserSessions(ctx context.Context, userID string) error
}

// TrustGrant is the one-time result of trusting a device. RawToken appears
// here and in the cookie, and nowhere else, ever.
type TrustGrant struct {
	RawToken   string
	DeviceName string
	Cookie     *http.Cookie
}

// Manager enforces a single-active-trust policy per account: trusting a
// device revokes every other session record and trust token the account
// has. Deliberately account-wide, not per-device.
type Manager struct {
	tokens   TokenStore
	sessions SessionInvalidator
	sink     events.Sink
	logger   *zap.Logger

	cookieName string
	ttl        time.Duration
	secure     bool
}

func NewManager(tokens TokenStore, sessions SessionInvalidator, sink events.Sink, cfg *config.Config, logger *zap.Logger) *Manager {
	if sink == nil {
		sink = events.Nop()
	}
	return &Manager{
		tokens:     tokens,
		sessions:   sessions,
		sink:       sink,
		logger:     logger,
		cookieName: cfg.DeviceTrust.CookieName,
		ttl:        cfg.DeviceTrust.TTL,
		secure:     cfg.Server.EnableTLS,
	}
}

// HashToken returns the hex SHA-256 of a raw token, the only form any
// store ever sees.
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// Trust marks the device as trusted for the identity: revokes the
// account's other sessions and trust tokens, persists a new token hash and
// returns the raw token wrapped in a long-lived HttpOnly cookie.
func (m *Manager) Trust(ctx context.Context, identity *models.Identity, userAgent, ip string) (*TrustGrant, error) {
	if err := m.sessions.InvalidateAllUserSessions(ctx, identity.IdentityID); err != nil {
		return nil, fmt.Errorf("failed to invalidate sessions: %w", err)
	}

	deviceName := DeviceNameFromUserAgent(userAgent)

	rawToken, record, err := m.tokens.CreateForUser(ctx, identity.IdentityID, deviceName, ip, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to create device token: %w", err)
	}

	if err := m.tokens.RevokeOthersForUser(ctx, identity.IdentityID, record.TokenHash); err != nil {
		return nil, fmt.Errorf("failed to revoke competing tokens: %w", err)
	}

	m.sink.Emit(ctx, events.Event{
		Type:       events.TypeDeviceTrusted,
		IdentityID: identity.IdentityID,
		Identifier: identity.Email,
		IP:         ip,
		UserAgent:  deviceName,
		At:         record.CreatedAt,
	})

	m.logger.Info("Device trusted",
		util.String("identity_id", identity.IdentityID),
		util.String("device_name", deviceName),
	)

	return &TrustGrant{
		RawToken:   rawToken,
		DeviceName: deviceName,
		Cookie: &http.Cookie{
			Name:     m.cookieName,
			Value:    rawToken,
			Path:     "/",
			MaxAge:   int(m.ttl.Seconds()),
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: http.SameSiteLaxMode,
		},
	}, nil
}

// IsTrusted reports whether the presented raw token is a live trust token
// belonging to the identity, updating its last-used metadata on a match.
// Every miss, mismatch or expiry is simply "not trusted"; nothing here is
// an error the caller should see.
func (m *Manager) IsTrusted(ctx context.Context, identity *models.Identity, rawToken, ip string) bool {
	if rawToken == "" || identity == nil {
		return false
	}

	tokenHash := HashToken(rawToken)

	record, err := m.tokens.FindValidToken(ctx, tokenHash)
	if err != nil {
		if !errors.Is(err, ErrTokenNotFound) {
			m.logger.Warn("Device token lookup failed", util.ErrorField(err))
		}
		return false
	}
	if record == nil || record.UserID != identity.IdentityID {
		return false
	}
	if record.Expired(time.Now().UTC()) {
		return false
	}

	if err := m.tokens.TouchLastUsed(ctx, tokenHash, ip); err != nil {
		m.logger.Warn("Failed to touch device token", util.ErrorField(err))
	}

	return true
}

// CookieName returns the configured trust cookie name.
func (m *Manager) CookieName() string { return m.cookieName }

// deviceSignatures maps user-agent fragments to human-readable labels.
// Ordered: more specific entries first.
var deviceSignatures = []struct {
	fragment string
	label    string
}{
	{"edg/", "Edge"},
	{"opr/", "Opera"},
	{"chrome/", "Chrome"},
	{"safari/", "Safari"},
	{"firefox/", "Firefox"},
}

var osSignatures = []struct {
	fragment string
	label    string
}{
	{"windows", "Windows"},
	{"android", "Android"},
	{"iphone", "iOS"},
	{"ipad", "iPadOS"},
	{"mac os", "macOS"},
	{"linux", "Linux"},
}

// DeviceNameFromUserAgent derives a short human-readable device label by
// matching known browser and OS signatures.
func DeviceNameFromUserAgent(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "Unknown device"
	}
	lowered := strings.ToLower(userAgent)

	browser := "Unknown browser"
	for _, sig := range deviceSignatures {
		if strings.Contains(lowered, sig.fragment) {
			browser = sig.label
			break
		}
	}

	for _, sig := range osSignatures {
		if strings.Contains(lowered, sig.fragment) {
			return browser + " on " + sig.label
		}
	}
	return browser
}
