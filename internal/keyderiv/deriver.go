package keyderiv

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/clipperhouse/uax29/v2/graphemes"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"keyauth-service/internal/config"
	"keyauth-service/internal/util"
)

var ErrInvalidParams = errors.New("invalid key derivation parameters")

const (
	// Entropy floor defaults; a heuristic, not an entropy estimator.
	DefaultMinLength      = 12
	DefaultMinUniqueChars = 6
)

// Argon2Params are the KDF cost parameters. They are part of the identity
// scheme: changing them changes every derived keypair.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// Deriver turns (email, passphrase) into the same Ed25519 keypair every
// time. Nothing it produces is ever persisted except the public key.
type Deriver struct {
	params  Argon2Params
	saltKey []byte
}

// KeyPair is derived key material. It exists only inside a single
// derivation call; callers must Zero it as soon as the signature or public
// key has been extracted.
type KeyPair struct {
	Seed       []byte
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Zero wipes the secret fields. The public key is left intact.
func (kp *KeyPair) Zero() {
	if kp == nil {
		return
	}
	util.Zero(kp.Seed)
	util.Zero(kp.PrivateKey)
}

// PublicKeyBase64 returns the base64 encoding of the 32 raw public bytes,
// the format stored in the identity record.
func (kp *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}

// NewDeriver validates the configured parameters and refuses to construct
// on any that cannot produce keys. This is the fail-fast boundary: a
// misconfigured deriver must never serve a single request.
func NewDeriver(cfg *config.Config) (*Deriver, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.KDF.Argon2MemoryKiB),
		Iterations:  uint32(cfg.KDF.Argon2Iterations),
		Parallelism: uint8(cfg.KDF.Argon2Parallelism),
	}
	return newDeriver(params, []byte(cfg.KDF.SaltKey))
}

func newDeriver(params Argon2Params, saltKey []byte) (*Deriver, error) {
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("%w: argon2 costs must be positive", ErrInvalidParams)
	}
	if len(saltKey) == 0 || len(saltKey) > blake2b.Size {
		return nil, fmt.Errorf("%w: salt key must be 1-%d bytes", ErrInvalidParams, blake2b.Size)
	}
	// Probe the keyed hash now, not on the request path.
	if _, err := blake2b.New256(saltKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return &Deriver{params: params, saltKey: saltKey}, nil
}

// NormalizeEmail lowercases and trims an identifier so that derivation and
// lookups agree on a single canonical form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizePassphrase trims, applies Unicode NFC and collapses runs of
// whitespace, so visually identical passphrases derive identical keys.
func normalizePassphrase(passphrase string) string {
	normalized := norm.NFC.String(strings.TrimSpace(passphrase))
	return strings.Join(strings.Fields(normalized), " ")
}

// DeriveKeyPair deterministically derives an Ed25519 keypair. The salt is a
// keyed BLAKE2b-256 of the normalized email; the seed is Argon2id over the
// normalized passphrase with that salt.
func (d *Deriver) DeriveKeyPair(email, passphrase string) (*KeyPair, error) {
	hasher, err := blake2b.New256(d.saltKey)
	if err != nil {
		return nil, fmt.Errorf("salt hash: %w", err)
	}
	hasher.Write([]byte(NormalizeEmail(email)))
	salt := hasher.Sum(nil)

	seed := argon2.IDKey(
		[]byte(normalizePassphrase(passphrase)),
		salt,
		d.params.Iterations,
		d.params.Memory,
		d.params.Parallelism,
		ed25519.SeedSize,
	)

	priv := ed25519.NewKeyFromSeed(seed)
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])

	return &KeyPair{Seed: seed, PrivateKey: priv, PublicKey: pub}, nil
}

// DerivePublicKey derives the full pair and wipes the secret half before
// returning only the base64 public key.
func (d *Deriver) DerivePublicKey(email, passphrase string) (string, error) {
	kp, err := d.DeriveKeyPair(email, passphrase)
	if err != nil {
		return "", err
	}
	defer kp.Zero()
	return kp.PublicKeyBase64(), nil
}

// SignChallenge produces a detached base64 signature over the nonce bytes.
func (d *Deriver) SignChallenge(priv ed25519.PrivateKey, nonce string) string {
	sig := ed25519.Sign(priv, []byte(nonce))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifySignature checks a detached signature against a stored public key.
// Any malformed input returns false rather than an error so callers treat
// "invalid" uniformly and leak nothing about why.
func (d *Deriver) VerifySignature(publicKeyB64, signatureB64, nonce string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(nonce), sig)
}

// PublicKeysEqual compares two base64 public keys in constant time.
func PublicKeysEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// EntropyResult is the outcome of the passphrase floor check. Errors are
// human-readable and safe to surface during registration and recovery.
type EntropyResult struct {
	Valid  bool
	Errors []string
}

// ValidatePassphraseEntropy rejects passphrases below a minimum length or
// below a minimum count of distinct characters. Lengths are counted over
// grapheme clusters, not bytes, so combining marks and emoji count once.
func (d *Deriver) ValidatePassphraseEntropy(passphrase string, minLength, minUnique int) EntropyResult {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	if minUnique <= 0 {
		minUnique = DefaultMinUniqueChars
	}

	normalized := normalizePassphrase(passphrase)

	length := 0
	unique := make(map[string]struct{})
	segments := graphemes.FromString(normalized)
	for segments.Next() {
		length++
		unique[segments.Value()] = struct{}{}
	}

	var errs []string
	if length < minLength {
		errs = append(errs, fmt.Sprintf("passphrase must be at least %d characters long", minLength))
	}
	if len(unique) < minUnique {
		errs = append(errs, fmt.Sprintf("passphrase must contain at least %d distinct characters", minUnique))
	}

	return EntropyResult{Valid: len(errs) == 0, Errors: errs}
}
