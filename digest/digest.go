// Package digest computes the two content fingerprints spec.md's data
// model pins down: PH, the plaintext digest used as the global
// dedup key, and CH, the ciphertext digest used to detect in-flight
// corruption of an uploaded envelope. Both are hex-encoded.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// PH returns the plaintext digest of a chunk's bytes: MD5, per spec.md
// §3. MD5 is chosen there purely as a non-cryptographic content
// fingerprint for deduplication — the AEAD tag in the envelope carries
// the real integrity guarantee, so a collision here costs dedup
// efficiency, not correctness.
func PH(plaintext []byte) string {
	sum := md5.Sum(plaintext)
	return hex.EncodeToString(sum[:])
}

// CH returns the ciphertext digest of an on-wire envelope: SHA-256.
func CH(envelope []byte) string {
	sum := sha256.Sum256(envelope)
	return hex.EncodeToString(sum[:])
}
