package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"keyauth-service/internal/client"
	"keyauth-service/internal/config"
	"keyauth-service/internal/util"
)

const (
	loginAttemptPrefix = "login_attempts:"
	loginLockPrefix    = "login_lock:"
	ipAttemptPrefix    = "ip_login_attempts:"
)

// LoginLimiter throttles authentication attempts per identifier and per
// source IP with a fixed-window counter. Argon2 derivation is expensive;
// the limiter keeps an attacker from using it as a CPU faucet.
type LoginLimiter struct {
	client   *client.RedisClient
	attempts int
	window   time.Duration
}

func NewLoginLimiter(client *client.RedisClient, cfg *config.Config) *LoginLimiter {
	return &LoginLimiter{
		client:   client,
		attempts: cfg.RateLimit.LoginAttempts,
		window:   cfg.RateLimit.LoginWindow,
	}
}

// Allow records an attempt for the identifier and reports whether it may
// proceed. Fails open: a Redis outage must not lock everyone out.
func (l *LoginLimiter) Allow(ctx context.Context, identifier string) bool {
	return l.allow(ctx, loginAttemptPrefix+identifier)
}

// AllowIP is the per-source-address counterpart of Allow.
func (l *LoginLimiter) AllowIP(ctx context.Context, ip string) bool {
	return l.allow(ctx, ipAttemptPrefix+ip)
}

func (l *LoginLimiter) allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	locked, err := l.client.Exists(ctx, loginLockPrefix+key)
	if err != nil {
		util.Warn("Failed to check login lock", zap.String("key", key), zap.Error(err))
		return true
	}
	if locked {
		return false
	}

	count, err := l.client.IncrWithExpire(ctx, key, l.window)
	if err != nil {
		util.Warn("Failed to increment login counter", zap.String("key", key), zap.Error(err))
		return true
	}

	if count > int64(l.attempts) {
		// Lock for a full window once the budget is exhausted
		if _, err := l.client.SetNX(ctx, loginLockPrefix+key, "locked", l.window); err != nil {
			util.Warn("Failed to set login lock", zap.String("key", key), zap.Error(err))
		}
		util.Info("Login attempts throttled",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Duration("window", l.window))
		return false
	}

	return true
}

// Reset clears the counters after a successful authentication.
func (l *LoginLimiter) Reset(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := loginAttemptPrefix + identifier
	if err := l.client.Del(ctx, key, loginLockPrefix+key); err != nil {
		return fmt.Errorf("failed to reset login counter: %w", err)
	}
	return nil
}
