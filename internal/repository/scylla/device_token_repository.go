package scylla

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"keyauth-service/internal/devicetrust"
	"keyauth-service/internal/models"
	"keyauth-service/internal/util"
)

// DeviceTokenRepository persists trust tokens across two tables:
// tokens_by_hash for the validation path and device_tokens_by_user for
// whole-account revocation. Rows carry a write TTL matching the token
// lifetime so Scylla reaps expired trust on its own.
type DeviceTokenRepository struct {
	client *ScyllaClient
}

func NewDeviceTokenRepository(client *ScyllaClient) *DeviceTokenRepository {
	return &DeviceTokenRepository{
		client: client,
	}
}

func (r *DeviceTokenRepository) CreateForUser(ctx context.Context, userID, deviceName, ip string, ttl time.Duration) (string, *models.DeviceToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate device token: %w", err)
	}
	rawToken := hex.EncodeToString(raw)

	now := time.Now().UTC()
	record := &models.DeviceToken{
		UserID:     userID,
		TokenHash:  devicetrust.HashToken(rawToken),
		DeviceName: deviceName,
		IP:         ip,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	ttlSeconds := int(ttl.Seconds())

	// Batch keeps both views of the token consistent
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateTokenByHash.Statement(),
		record.TokenHash, record.UserID, record.DeviceName, record.IP,
		record.CreatedAt, record.LastUsedAt, record.ExpiresAt, ttlSeconds)

	batch.Query(r.client.Prepared.CreateTokenByUser.Statement(),
		record.UserID, record.TokenHash, record.DeviceName, record.IP,
		record.CreatedAt, record.LastUsedAt, record.ExpiresAt, ttlSeconds)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create device token",
			zap.String("user_id", userID),
			zap.Error(err))
		return "", nil, fmt.Errorf("failed to create device token: %w", err)
	}

	util.Info("Device token created",
		zap.String("user_id", userID),
		zap.String("device_name", deviceName))

	return rawToken, record, nil
}

func (r *DeviceTokenRepository) FindValidToken(ctx context.Context, tokenHash string) (*models.DeviceToken, error) {
	record := &models.DeviceToken{}

	query := r.client.Prepared.GetTokenByHash.Bind(tokenHash).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&record.TokenHash, &record.UserID, &record.DeviceName, &record.IP,
		&record.CreatedAt, &record.LastUsedAt, &record.ExpiresAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, devicetrust.ErrTokenNotFound
		}
		util.Error("Failed to get device token", zap.Error(err))
		return nil, fmt.Errorf("failed to get device token: %w", err)
	}

	if record.Expired(time.Now().UTC()) {
		return nil, devicetrust.ErrTokenNotFound
	}

	return record, nil
}

func (r *DeviceTokenRepository) TouchLastUsed(ctx context.Context, tokenHash, ip string) error {
	now := time.Now().UTC()

	query := r.client.Prepared.TouchTokenByHash.Bind(now, ip, tokenHash).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to touch device token: %w", err)
	}
	return nil
}

// RevokeOthersForUser deletes every trust token the account holds except
// keepTokenHash. Passing an empty keepTokenHash revokes them all.
func (r *DeviceTokenRepository) RevokeOthersForUser(ctx context.Context, userID, keepTokenHash string) error {
	iter := r.client.Prepared.ListTokenHashesByUser.Bind(userID).WithContext(ctx).Iter()

	var hashes []string
	var tokenHash string
	for iter.Scan(&tokenHash) {
		if tokenHash != keepTokenHash {
			hashes = append(hashes, tokenHash)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to list device tokens: %w", err)
	}

	if len(hashes) == 0 {
		return nil
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch)
	for _, hash := range hashes {
		batch.Query(r.client.Prepared.DeleteTokenByHash.Statement(), hash)
		batch.Query(r.client.Prepared.DeleteTokenByUser.Statement(), userID, hash)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to revoke device tokens",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke device tokens: %w", err)
	}

	util.Info("Device tokens revoked",
		zap.String("user_id", userID),
		zap.Int("revoked_count", len(hashes)))

	return nil
}
