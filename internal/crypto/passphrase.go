// Package crypto implements owner passphrase hardening and root-secret verification.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for turning a passphrase into the root secret.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1

	// RootSecretLen is the length of the hardened root secret.
	RootSecretLen = 32
	// SaltLen is the length of the per-owner passphrase salt.
	SaltLen = 16
)

var verifierInfo = []byte("viewkeys/root-verifier/v1")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HardenPassphrase returns the Argon2id root secret for passphrase and the owner's salt.
func HardenPassphrase(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, RootSecretLen)
}

// Fingerprint derives a one-way verifier of the root secret. It is safe to
// persist and reveals nothing usable for key derivation.
func Fingerprint(root []byte) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, root, nil, verifierInfo)
	_, _ = io.ReadFull(r, out)
	return out
}

// VerifyFingerprint reports whether root matches the stored verifier.
func VerifyFingerprint(root, expected []byte) bool {
	return subtle.ConstantTimeCompare(Fingerprint(root), expected) == 1
}
