package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// cryptor encrypts access/refresh tokens at rest with AES-256-GCM. A nil
// cryptor (no key configured) makes every call a no-op pass-through — the
// plaintext fallback described in spec.md §4.4, grounded on
// _examples/original_source/server/crypto.py's Fernet fallback, expressed
// here with the standard library since no third-party AEAD primitive
// appears anywhere in the retrieved pack.
type cryptor struct {
	gcm cipher.AEAD
}

func newCryptor(key []byte) (*cryptor, error) {
	if len(key) == 0 {
		return &cryptor{}, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "invalid encryption key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "gcm init failed")
	}
	return &cryptor{gcm: gcm}, nil
}

func (c *cryptor) enabled() bool {
	return c != nil && c.gcm != nil
}

func (c *cryptor) encrypt(plaintext string) (string, error) {
	if !c.enabled() {
		return plaintext, nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "nonce generation failed")
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt. A ciphertext that cannot be base64-decoded or
// opened is assumed to predate encryption being turned on and is returned
// as-is, mirroring crypto.py's plaintext fallback on decrypt failure.
func (c *cryptor) decrypt(stored string) (string, error) {
	if !c.enabled() {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return stored, nil
	}
	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize {
		return stored, nil
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return stored, nil
	}
	return string(plain), nil
}
