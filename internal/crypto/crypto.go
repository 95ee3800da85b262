// Package crypto seals stored customer profiles with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrShortCiphertext = errors.New("crypto: ciphertext too short")

type AEAD struct{ aead cipher.AEAD }

// New wants a 32 byte key.
func New(key []byte) (*AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

// Seal returns base64(nonce || ciphertext). aad binds the blob to its row.
func (a *AEAD) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := a.aead.Seal(nonce, nonce, plaintext, aad)
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (a *AEAD) Open(sealed string, aad []byte) ([]byte, error) {
	buf, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return nil, ErrShortCiphertext
	}
	return a.aead.Open(nil, buf[:ns], buf[ns:], aad)
}

// SealJSON marshals v and seals it.
func (a *AEAD) SealJSON(v any, aad []byte) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return a.Seal(b, aad)
}

func (a *AEAD) OpenJSON(sealed string, aad []byte, v any) error {
	b, err := a.Open(sealed, aad)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
