package scylla

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"keyauth-service/internal/bucketing"
	"keyauth-service/internal/encryption"
	"keyauth-service/internal/identity"
	"keyauth-service/internal/models"
	"keyauth-service/internal/util"
)

const emailKeyPurpose = "identity-email"

// IdentityRepository persists identity records across two tables: the
// bucketed identities table and the email_to_identity lookup table. The
// email itself is stored KMS-envelope encrypted; lookups go through its
// SHA-256 hash.
type IdentityRepository struct {
	client     *ScyllaClient
	buckets    *bucketing.Manager
	encryption *encryption.EncryptionManager
}

func NewIdentityRepository(client *ScyllaClient, buckets *bucketing.Manager, enc *encryption.EncryptionManager) *IdentityRepository {
	return &IdentityRepository{
		client:     client,
		buckets:    buckets,
		encryption: enc,
	}
}

// hashEmail returns the lookup hash for a normalized email.
func hashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

func (r *IdentityRepository) Create(ctx context.Context, record *models.Identity) error {
	if record.IdentityID == "" {
		record.IdentityID = uuid.New().String()
	}
	record.IdentityBucket = r.buckets.GetIdentityBucket(record.IdentityID)
	record.EmailHash = hashEmail(record.Email)

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	encrypted, err := r.encryption.EncryptField(ctx, record.Email, emailKeyPurpose)
	if err != nil {
		return fmt.Errorf("failed to encrypt email: %w", err)
	}
	blob, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to encode encrypted email: %w", err)
	}
	record.EmailEncrypted = blob
	record.EmailKeyID = encrypted.KeyID

	// Batch keeps the main table and the lookup table consistent
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateIdentity.Statement(),
		record.IdentityBucket, record.IdentityID, record.EmailHash,
		record.EmailEncrypted, record.EmailKeyID, record.PublicKey,
		record.PromptIDs, record.CreatedAt, record.UpdatedAt, record.LastLogin)

	batch.Query(r.client.Prepared.CreateEmailToIdentity.Statement(),
		record.EmailHash, record.IdentityBucket, record.IdentityID, record.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create identity",
			zap.String("identity_id", record.IdentityID),
			zap.Error(err))
		return fmt.Errorf("failed to create identity: %w", err)
	}

	util.Info("Identity created",
		zap.String("identity_id", record.IdentityID),
		zap.Int("identity_bucket", record.IdentityBucket))

	return nil
}

func (r *IdentityRepository) FindByIdentifier(ctx context.Context, email string) (*models.Identity, error) {
	emailHash := hashEmail(email)

	var bucket int
	var identityID string
	lookup := r.client.Prepared.GetIdentityByEmail.Bind(emailHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(lookup, &bucket, &identityID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, identity.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to look up identity by email: %w", err)
	}

	return r.findByID(ctx, bucket, identityID)
}

func (r *IdentityRepository) findByID(ctx context.Context, bucket int, identityID string) (*models.Identity, error) {
	record := &models.Identity{}

	query := r.client.Prepared.GetIdentityByID.Bind(bucket, identityID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&record.IdentityBucket, &record.IdentityID, &record.EmailHash,
		&record.EmailEncrypted, &record.EmailKeyID, &record.PublicKey,
		&record.PromptIDs, &record.CreatedAt, &record.UpdatedAt, &record.LastLogin)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, identity.ErrIdentityNotFound
		}
		util.Error("Failed to get identity by ID",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get identity by ID: %w", err)
	}

	if email, err := r.decryptEmail(ctx, record); err != nil {
		// The record is still usable for key verification without it
		util.Warn("Failed to decrypt identity email",
			zap.String("identity_id", record.IdentityID),
			zap.Error(err))
	} else {
		record.Email = email
	}

	return record, nil
}

func (r *IdentityRepository) decryptEmail(ctx context.Context, record *models.Identity) (string, error) {
	if len(record.EmailEncrypted) == 0 {
		return "", nil
	}
	var encrypted encryption.EncryptedData
	if err := json.Unmarshal(record.EmailEncrypted, &encrypted); err != nil {
		return "", fmt.Errorf("failed to decode encrypted email: %w", err)
	}
	return r.encryption.DecryptField(ctx, &encrypted)
}

// Save persists the mutable fields of an existing record: the public key
// and recovery prompts. The email mapping never changes across recovery.
func (r *IdentityRepository) Save(ctx context.Context, record *models.Identity) error {
	now := time.Now().UTC()
	record.UpdatedAt = &now

	query := r.client.Prepared.UpdateIdentityKey.Bind(
		record.PublicKey, record.PromptIDs, record.UpdatedAt,
		record.IdentityBucket, record.IdentityID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to save identity",
			zap.String("identity_id", record.IdentityID),
			zap.Error(err))
		return fmt.Errorf("failed to save identity: %w", err)
	}

	util.Info("Identity updated",
		zap.String("identity_id", record.IdentityID))

	return nil
}

// TouchLastLogin records a successful authentication timestamp.
func (r *IdentityRepository) TouchLastLogin(ctx context.Context, record *models.Identity) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateLastLogin.Bind(
		now, record.IdentityBucket, record.IdentityID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	record.LastLogin = &now
	return nil
}
