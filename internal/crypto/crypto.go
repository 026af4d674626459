// Package crypto derives a per-session symmetric key from a room passphrase
// and performs authenticated encryption of chat text and file chunks.
//
// The key is never serialized. It lives only in process memory for the
// lifetime of the Session that derived it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrInsecureContext is returned by DeriveKey when the platform cannot
// provide a cryptographically secure random source. Go's crypto/rand always
// satisfies this on every supported OS, so in practice this only fires if
// the read from rand.Reader itself fails (e.g. a sandboxed environment with
// /dev/urandom unavailable) — the Go-native analogue of the browser
// SubtleCrypto-unavailable case in spec.md §4.1.
var ErrInsecureContext = errors.New("crypto: secure random source unavailable")

// ErrAuthenticationFailure is returned by Decrypt* when the authentication
// tag does not verify — either a wrong key (passphrase/room mismatch) or a
// corrupted/tampered ciphertext.
var ErrAuthenticationFailure = errors.New("crypto: authentication failed")

const (
	// KeyIterations is the PBKDF2 iteration count (spec.md §3, §6).
	KeyIterations = 100_000
	// KeyLength is the derived key size in bytes (256 bits).
	KeyLength = 32
	// NonceSize is the AES-GCM nonce size in bytes (96 bits).
	NonceSize = 12
)

// Key is an opaque handle to a derived session key. The zero Key is not
// valid; always obtain one from DeriveKey.
type Key struct {
	raw [KeyLength]byte
}

// DeriveKey derives a 256-bit key from passphrase using room (uppercased per
// spec.md §3) as salt, via PBKDF2-HMAC-SHA256 with KeyIterations rounds.
func DeriveKey(passphrase, room string) (Key, error) {
	// Touch the secure random source once so a broken entropy source fails
	// fast here rather than silently at first encrypt.
	var probe [1]byte
	if _, err := rand.Read(probe[:]); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInsecureContext, err)
	}

	derived := pbkdf2.Key([]byte(passphrase), []byte(room), KeyIterations, KeyLength, sha256.New)
	var k Key
	copy(k.raw[:], derived)
	return k, nil
}

// Fingerprint returns the base64 SHA-256 digest of passphrase. It is an
// informational mismatch check only — not a security boundary. See
// spec.md §4.1 and the Open Questions in §9.
func Fingerprint(passphrase string) string {
	sum := sha256.Sum256([]byte(passphrase))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (k Key) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.raw[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptText authenticated-encrypts a UTF-8 string, returning base64
// ciphertext and a base64 nonce (spec.md calls the nonce "iv").
func EncryptText(key Key, text string) (ciphertextB64, ivB64 string, err error) {
	ct, iv, err := EncryptBytes(key, []byte(text))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptText reverses EncryptText. Returns ErrAuthenticationFailure if the
// tag does not verify.
func DecryptText(key Key, ciphertextB64, ivB64 string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("crypto: decode iv: %w", err)
	}
	pt, err := DecryptBytes(key, ct, iv)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// EncryptBytes authenticated-encrypts an arbitrary byte buffer with a fresh
// random 96-bit nonce per call.
func EncryptBytes(key Key, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := key.aead()
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInsecureContext, err)
	}
	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// DecryptBytes reverses EncryptBytes. Returns ErrAuthenticationFailure if
// the tag does not verify.
func DecryptBytes(key Key, ciphertext, iv []byte) ([]byte, error) {
	aead, err := key.aead()
	if err != nil {
		return nil, err
	}
	if len(iv) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrAuthenticationFailure, len(iv))
	}
	pt, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return pt, nil
}
