package keyderiv

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Low costs keep the suite fast; determinism does not depend on them.
func testDeriver(t *testing.T) *Deriver {
	t.Helper()
	d, err := newDeriver(Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1}, []byte("test-salt-key"))
	require.NoError(t, err)
	return d
}

func TestNewDeriver_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := newDeriver(Argon2Params{Memory: 0, Iterations: 1, Parallelism: 1}, []byte("k"))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = newDeriver(Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = newDeriver(Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}, bytes.Repeat([]byte("x"), 65))
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDeriveKeyPair_Deterministic(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	kp1, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	kp2, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)

	assert.Equal(t, kp1.PublicKey, kp2.PublicKey)
	assert.Equal(t, kp1.Seed, kp2.Seed)
	assert.Len(t, kp1.Seed, ed25519.SeedSize)
	assert.Len(t, kp1.PrivateKey, ed25519.PrivateKeySize)
	assert.Len(t, kp1.PublicKey, ed25519.PublicKeySize)
}

func TestDeriveKeyPair_NormalizesInputs(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	kp1, err := d.DeriveKeyPair("Alice@Example.COM  ", "  correct horse   battery staple 9!")
	require.NoError(t, err)
	kp2, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)

	assert.Equal(t, kp1.PublicKey, kp2.PublicKey)
}

func TestDeriveKeyPair_DistinctInputsDistinctKeys(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	base, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)

	otherEmail, err := d.DeriveKeyPair("bob@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	assert.NotEqual(t, base.PublicKey, otherEmail.PublicKey)

	otherPass, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 8!")
	require.NoError(t, err)
	assert.NotEqual(t, base.PublicKey, otherPass.PublicKey)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	kp, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	defer kp.Zero()

	nonce := "a1b2c3d4e5f60718293a4b5c6d7e8f90.1700000000.deadbeef"
	sig := d.SignChallenge(kp.PrivateKey, nonce)
	pub := kp.PublicKeyBase64()

	assert.True(t, d.VerifySignature(pub, sig, nonce))
	assert.False(t, d.VerifySignature(pub, sig, nonce+"x"))

	otherPub, err := d.DerivePublicKey("bob@example.com", "another fine passphrase 77")
	require.NoError(t, err)
	assert.False(t, d.VerifySignature(otherPub, sig, nonce))
}

func TestVerifySignature_MalformedInputs(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	kp, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	defer kp.Zero()

	nonce := "challenge"
	sig := d.SignChallenge(kp.PrivateKey, nonce)
	pub := kp.PublicKeyBase64()

	assert.False(t, d.VerifySignature("not-base64!!", sig, nonce))
	assert.False(t, d.VerifySignature(pub, "not-base64!!", nonce))

	shortKey := base64.StdEncoding.EncodeToString([]byte("short"))
	assert.False(t, d.VerifySignature(shortKey, sig, nonce))

	shortSig := base64.StdEncoding.EncodeToString([]byte("short"))
	assert.False(t, d.VerifySignature(pub, shortSig, nonce))
}

func TestDerivePublicKey_MatchesFullDerivation(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	kp, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	defer kp.Zero()

	pub, err := d.DerivePublicKey("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyBase64(), pub)
}

func TestKeyPairZero_WipesSecrets(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	kp, err := d.DeriveKeyPair("alice@example.com", "correct horse battery staple 9!")
	require.NoError(t, err)

	kp.Zero()

	assert.Equal(t, make([]byte, ed25519.SeedSize), kp.Seed)
	assert.Equal(t, make([]byte, ed25519.PrivateKeySize), []byte(kp.PrivateKey))
}

func TestValidatePassphraseEntropy(t *testing.T) {
	t.Parallel()
	d := testDeriver(t)

	// 12 chars but a single distinct character
	res := d.ValidatePassphraseEntropy("aaaaaaaaaaaa", DefaultMinLength, DefaultMinUniqueChars)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "distinct")

	res = d.ValidatePassphraseEntropy("Tr0ub4dor&3xyz", DefaultMinLength, DefaultMinUniqueChars)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)

	res = d.ValidatePassphraseEntropy("short", DefaultMinLength, DefaultMinUniqueChars)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
}

func TestPublicKeysEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, PublicKeysEqual("abc", "abc"))
	assert.False(t, PublicKeysEqual("abc", "abd"))
	assert.False(t, PublicKeysEqual("abc", "abcd"))
}
