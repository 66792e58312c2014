// Package clientcrypto contains device-side primitives: HKDF expansion, AEAD
// sealing with associated data and X25519 sealing to a recipient public key.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen       = 32
	PublicKeyLen = curve25519.PointSize
)

var sealToInfo = []byte("viewkeys/seal-to/v1")

// ErrMalformed is returned for truncated or wrongly sized inputs.
var ErrMalformed = errors.New("malformed ciphertext or key")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Expand derives n bytes from secret via HKDF-SHA256 with the given salt and info.
func Expand(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key, binding aad.
// Output layout: nonce || ciphertext.
func Seal(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a Seal output. Any tampering with blob or aad fails.
func Open(key, aad, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], aad)
}

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// KeyPairFromSeed builds a deterministic X25519 key pair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != curve25519.ScalarSize {
		return KeyPair{}, ErrMalformed
	}
	priv := append([]byte(nil), seed...)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// SealTo encrypts plaintext so that only the holder of recipientPub's private
// key can open it. Output layout: ephemeral public key || Seal output.
func SealTo(recipientPub, aad, plaintext []byte) ([]byte, error) {
	if len(recipientPub) != PublicKeyLen {
		return nil, ErrMalformed
	}
	seed, err := Rand(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	eph, err := KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	key, err := sharedKey(eph.Private, recipientPub, eph.Public, recipientPub)
	if err != nil {
		return nil, err
	}
	ct, err := Seal(key, aad, plaintext)
	if err != nil {
		return nil, err
	}
	return append(eph.Public, ct...), nil
}

// OpenFrom reverses SealTo with the recipient key pair.
func OpenFrom(recipient KeyPair, aad, sealed []byte) ([]byte, error) {
	if len(sealed) < PublicKeyLen+chacha20poly1305.NonceSizeX {
		return nil, ErrMalformed
	}
	ephPub := sealed[:PublicKeyLen]
	key, err := sharedKey(recipient.Private, ephPub, ephPub, recipient.Public)
	if err != nil {
		return nil, err
	}
	return Open(key, aad, sealed[PublicKeyLen:])
}

// sharedKey runs X25519 and expands the shared point with both public keys as salt.
func sharedKey(priv, peerPub, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	salt := make([]byte, 0, 2*PublicKeyLen)
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	return Expand(shared, salt, sealToInfo, KeyLen)
}
