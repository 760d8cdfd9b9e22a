package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Zero overwrites b with zeros. Derived private keys and seeds exist only
// on the call stack; wiping them as soon as the signature or public key has
// been extracted is the invariant the whole no-stored-secret design rests
// on.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}

// Fingerprint returns a short hex digest of a public key, safe for logs.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}
