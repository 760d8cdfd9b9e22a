package models

import "time"

// Identity is the persisted account record. It holds exactly one public
// key and no secret of any kind: no password hash, no passphrase, no
// private key field exists anywhere in the schema.
type Identity struct {
	IdentityBucket int        `db:"identity_bucket"`
	IdentityID     string     `db:"identity_id"`
	Email          string     `db:"-"` // decrypted in memory only
	EmailHash      string     `db:"email_hash"`
	EmailEncrypted []byte     `db:"email_encrypted"`
	EmailKeyID     string     `db:"email_key_id"`
	PublicKey      string     `db:"public_key"` // base64, 32 raw Ed25519 bytes
	PromptIDs      []string   `db:"prompt_ids"` // ordered recovery-prompt identifiers
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      *time.Time `db:"updated_at"`
	LastLogin      *time.Time `db:"last_login"`
}

// GetPublicKey returns the stored base64 public key.
func (i *Identity) GetPublicKey() string { return i.PublicKey }

// SetPublicKey overwrites the stored public key.
func (i *Identity) SetPublicKey(publicKey string) { i.PublicKey = publicKey }

// GetPromptIDs returns the recovery prompt identifiers in order.
func (i *Identity) GetPromptIDs() []string { return i.PromptIDs }

// SetPromptIDs replaces the recovery prompt identifiers.
func (i *Identity) SetPromptIDs(promptIDs []string) { i.PromptIDs = promptIDs }
