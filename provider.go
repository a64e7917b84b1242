package sealfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the key width in bytes for all supported suites.
	KeySize = 32
	// IVSize is the nonce width in bytes for all supported suites.
	IVSize = 12
	// TagSize is the authentication tag width in bytes.
	TagSize = 16
)

// CipherProvider supplies the cryptographic primitives consumed by the
// engine: AEAD seal/open, keyed key derivation, secure randomness and
// secure erasure. The engine never touches a cipher directly, so an
// alternate provider (hardware-backed, FIPS, fault-injecting test double)
// can be substituted wholesale.
type CipherProvider interface {
	// Seal encrypts plaintext under key and iv, returning
	// ciphertext with the authentication tag appended.
	Seal(key, iv, plaintext []byte) ([]byte, error)

	// Open decrypts and authenticates ciphertext produced by Seal.
	// It fails closed: tampered or truncated input yields an error and
	// no plaintext.
	Open(key, iv, ciphertext []byte) ([]byte, error)

	// DeriveKey deterministically derives a KeySize-byte subkey from a
	// secret key and a context string.
	DeriveKey(key []byte, context string) ([]byte, error)

	// RandomBytes returns n bytes from a CSPRNG.
	RandomBytes(n int) ([]byte, error)

	// Erase wipes the buffer's contents in place.
	Erase(buf []byte)
}

// StandardProvider implements CipherProvider with AES-256-GCM or
// ChaCha20-Poly1305 and HKDF-SHA256 key derivation.
type StandardProvider struct {
	suite CipherSuite
}

// NewStandardProvider creates a provider for the given cipher suite.
func NewStandardProvider(suite CipherSuite) (*StandardProvider, error) {
	switch suite {
	case CipherAuto:
		// Auto-select AES-256-GCM (in future, detect AES-NI support)
		suite = CipherAES256GCM
	case CipherAES256GCM, CipherChaCha20Poly1305:
	default:
		return nil, ErrUnsupportedCipher
	}
	return &StandardProvider{suite: suite}, nil
}

// aead constructs the AEAD for the provider's suite and the given key.
func (p *StandardProvider) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s requires a %d-byte key, got %d bytes", p.suite, KeySize, len(key))
	}

	switch p.suite {
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	}
}

// Seal encrypts plaintext, appending the authentication tag.
func (p *StandardProvider) Seal(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Open decrypts and authenticates ciphertext produced by Seal.
func (p *StandardProvider) Open(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aead.NonceSize(), len(iv))
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// DeriveKey derives a subkey with HKDF-SHA256, bound to the context string.
func (p *StandardProvider) DeriveKey(key []byte, context string) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("derivation key cannot be empty")
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, key, nil, []byte(context))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

// RandomBytes returns n bytes from crypto/rand.
func (p *StandardProvider) RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, &ValidationError{Field: "n", Value: n, Message: "byte count cannot be negative"}
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return buf, nil
}

// Erase zeroes the buffer in place.
func (p *StandardProvider) Erase(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
