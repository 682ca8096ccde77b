package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"

	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/server/models"
)

const (
	// NonceSize is the GCM nonce length used for every record and package.
	NonceSize = 16

	// TagSize is the detached GCM authentication tag length.
	TagSize = 16

	// CipherVersion identifies AES-256-GCM with 16-byte nonces and
	// JSON-encoded payloads.
	CipherVersion = 1
)

// Sealed is an encrypted payload with its nonce and detached tag.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	AuthTag    []byte
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", common.ErrValidation, KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// Seal encrypts plaintext with AES-256-GCM under key using a fresh random
// nonce. The tag is split from the ciphertext.
func Seal(plaintext, key []byte) (*Sealed, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(NonceSize)
	out := aesgcm.Seal(nil, nonce, plaintext, nil)

	split := len(out) - TagSize
	return &Sealed{
		Ciphertext: out[:split],
		Nonce:      nonce,
		AuthTag:    out[split:],
	}, nil
}

// Open verifies the tag and decrypts. Any verification failure, including a
// nonce or tag of the wrong length, is reported as common.ErrAuthentication
// and no plaintext is returned.
func Open(s *Sealed, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if s == nil || len(s.Nonce) != NonceSize || len(s.AuthTag) != TagSize {
		return nil, common.ErrAuthentication
	}

	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.AuthTag...)

	plaintext, err := aesgcm.Open(nil, s.Nonce, buf, nil)
	if err != nil {
		return nil, common.ErrAuthentication
	}
	return plaintext, nil
}

// SealEmail canonicalises email to JSON and encrypts it.
func SealEmail(email *models.PlainEmail, key []byte) (*Sealed, error) {
	plaintext, err := email.Canonical()
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	return Seal(plaintext, key)
}

// OpenEmail decrypts s and decodes the email. Bytes that authenticate but
// are not a JSON email yield common.ErrFormat.
func OpenEmail(s *Sealed, key []byte) (*models.PlainEmail, error) {
	plaintext, err := Open(s, key)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	email := &models.PlainEmail{}
	if err := json.Unmarshal(plaintext, email); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrFormat, err)
	}
	return email, nil
}
