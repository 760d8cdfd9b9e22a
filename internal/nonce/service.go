package nonce

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"keyauth-service/internal/config"
)

var ErrMissingSecret = errors.New("nonce secret is not configured")

// DefaultTTL bounds the replay window of a captured nonce+signature pair.
const DefaultTTL = 300 * time.Second

// Service issues and validates identifier-bound, time-limited challenge
// strings of the form "random.timestamp.hmac". Validation is stateless:
// the HMAC binds the identifier, the TTL bounds replay. There is no
// server-side nonce ledger.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService builds the nonce service from configuration; an empty secret
// refuses to construct.
func NewService(cfg *config.Config) (*Service, error) {
	return newService([]byte(cfg.Nonce.Secret), cfg.Nonce.TTL)
}

func newService(secret []byte, ttl time.Duration) (*Service, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Generate issues a challenge bound to identifier. The random part is 16
// bytes hex, the timestamp unix seconds, and the HMAC is computed over
// "identifier|random.timestamp".
func (s *Service) Generate(identifier string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := hex.EncodeToString(random) + "." + strconv.FormatInt(s.now().Unix(), 10)
	return payload + "." + s.sign(identifier, payload), nil
}

// Validate checks structure, TTL window and HMAC binding. Expired nonces,
// future timestamps and nonces issued for another identifier all fail.
func (s *Service) Validate(identifier, nonce string) bool {
	parts := strings.Split(nonce, ".")
	if len(parts) != 3 {
		return false
	}

	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}

	age := s.now().Unix() - issued
	if age < 0 || age > int64(s.ttl.Seconds()) {
		return false
	}

	payload := parts[0] + "." + parts[1]
	expected := s.sign(identifier, payload)
	return hmac.Equal([]byte(expected), []byte(parts[2]))
}

func (s *Service) sign(identifier, payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(identifier + "|" + payload))
	return hex.EncodeToString(mac.Sum(nil))
}
