// Package envelope implements the crypto envelope: passphrase-based key
// derivation and AES-256-GCM sealing/opening of a single chunk's bytes
// into the on-wire envelope format nonce(12) || tag(16) || ciphertext.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// NonceSize is the length in bytes of the random AES-GCM nonce
	// prepended to every envelope.
	NonceSize = 12
	// TagSize is the length in bytes of the AES-GCM authentication tag.
	TagSize = 16
	// SaltSize is the length in bytes of the scrypt salt persisted in the
	// key-material sidecar.
	SaltSize = 32
	// KeySize is the length in bytes of the AES-256 key taken from the
	// front of the scrypt output.
	KeySize = 32

	minEnvelopeLen = NonceSize + TagSize
)

var (
	// ErrBadEnvelope is returned when an envelope is too short to contain
	// a nonce and an authentication tag.
	ErrBadEnvelope = errors.New("envelope: too short to be a valid envelope")
	// ErrAuthFailure is returned when AES-GCM authentication fails on
	// Open, meaning the envelope was corrupted or tampered with.
	ErrAuthFailure = errors.New("envelope: authentication failed")
	// ErrEmptyPassphrase is returned by DeriveKey when given an empty
	// passphrase.
	ErrEmptyPassphrase = errors.New("envelope: passphrase must not be empty")
)

// scrypt cost parameters, fixed by spec: N=16384, r=8, p=1, dkLen=128; the
// AEAD key is the first KeySize bytes of the derived material.
const (
	scryptN     = 16384
	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 128
)

// NewSalt returns SaltSize bytes of cryptographically random salt, to be
// generated once per manifest and persisted in the key-material sidecar.
// Losing this salt makes every chunk in the manifest unrecoverable, since
// the key is never itself persisted.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey derives the AES-256 key from a passphrase and salt via scrypt.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	dk, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, err
	}
	return dk[:KeySize], nil
}

// Seal encrypts plaintext under key with a freshly generated random nonce
// and returns the envelope nonce || tag || ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Seal appends ciphertext||tag after nonce when dst is nonce itself;
	// AES-GCM in the standard library emits ciphertext followed by the
	// tag, so the resulting envelope is nonce || ciphertext || tag. The
	// wire format spec.md defines is nonce || tag || ciphertext, so the
	// tag is relocated after sealing.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	envelope := make([]byte, 0, NonceSize+TagSize+len(ciphertext))
	envelope = append(envelope, nonce...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ciphertext...)
	return envelope, nil
}

// Open verifies and decrypts an envelope produced by Seal, returning the
// original plaintext. It returns ErrBadEnvelope if envelope is no longer
// than a nonce and tag (so an envelope Seal made from an empty plaintext
// is rejected too), and ErrAuthFailure if the authentication tag doesn't
// verify (corruption or tampering).
func Open(key, envelope []byte) ([]byte, error) {
	if len(envelope) <= minEnvelopeLen {
		return nil, ErrBadEnvelope
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := envelope[:NonceSize]
	tag := envelope[NonceSize:minEnvelopeLen]
	ciphertext := envelope[minEnvelopeLen:]

	// Reassemble into the ciphertext||tag layout crypto/cipher expects.
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
