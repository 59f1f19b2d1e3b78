package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	lerrors "github.com/rcourtman/campus-license/internal/errors"
)

const (
	ivSize  = 16
	tagSize = 16
)

// ErrDecryptionFailed is returned for any envelope that does not
// authenticate, including malformed hex and truncated fields.
var ErrDecryptionFailed = errors.New("decryption failed")

// Envelope is the serialized form of an encrypted payload.
type Envelope struct {
	IV            string `json:"iv"`
	Tag           string `json:"tag"`
	EncryptedData string `json:"encryptedData"`
}

// EnvelopeCipher encrypts payloads with AES-256-GCM using a key derived
// from a configured secret.
type EnvelopeCipher struct {
	aead cipher.AEAD
}

// NewEnvelopeCipher derives the AES-256 key as SHA-256(secret).
func NewEnvelopeCipher(secret string) (*EnvelopeCipher, error) {
	if secret == "" {
		return nil, lerrors.NewConfigError("encryption secret is not configured", "LICENSE_ENCRYPTION_SECRET")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &EnvelopeCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (c *EnvelopeCipher) Encrypt(plaintext []byte) (*Envelope, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Envelope{
		IV:            hex.EncodeToString(iv),
		Tag:           hex.EncodeToString(tag),
		EncryptedData: hex.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens env. It never returns partial plaintext.
func (c *EnvelopeCipher) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrDecryptionFailed
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: malformed iv", ErrDecryptionFailed)
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed tag", ErrDecryptionFailed)
	}
	ciphertext, err := hex.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// EncryptJSON marshals v and seals it.
func (c *EnvelopeCipher) EncryptJSON(v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.Encrypt(data)
}

// DecryptJSON opens env and unmarshals the plaintext into v.
func (c *EnvelopeCipher) DecryptJSON(env *Envelope, v any) error {
	data, err := c.Decrypt(env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: payload is not valid json", ErrDecryptionFailed)
	}
	return nil
}
