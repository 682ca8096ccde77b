// Package cryptox implements key derivation and authenticated encryption
// for archived emails and recovery packages.
package cryptox

import (
	"crypto/sha512"
	"fmt"

	"github.com/wpfleet/mailvault/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length produced by every derivation.
	KeySize = 32

	// UserSaltSize is the length of the random per-user storage salt.
	UserSaltSize = 64

	// MinIterations is the lowest accepted PBKDF2 iteration count.
	MinIterations = 100_000
)

// Secrets is the process-wide secret configuration. It is built once at
// startup from the environment and injected, never read from globals.
type Secrets struct {
	MasterSecret string
	StorageSalt  string
	RecoverySalt string

	// Iterations defaults to MinIterations when zero.
	Iterations int
}

// KeyDeriver turns secrets plus salts into 32-byte keys with
// PBKDF2-HMAC-SHA512. It holds no mutable state and is safe for concurrent use.
type KeyDeriver struct {
	masterSecret []byte
	storageSalt  []byte
	recoverySalt []byte
	iterations   int
}

// NewKeyDeriver validates s and returns a deriver. Missing secrets yield
// common.ErrConfiguration.
func NewKeyDeriver(s Secrets) (*KeyDeriver, error) {
	switch {
	case s.MasterSecret == "":
		return nil, fmt.Errorf("%w: master secret is not set", common.ErrConfiguration)
	case s.StorageSalt == "":
		return nil, fmt.Errorf("%w: storage salt is not set", common.ErrConfiguration)
	case s.RecoverySalt == "":
		return nil, fmt.Errorf("%w: recovery salt is not set", common.ErrConfiguration)
	}

	iterations := s.Iterations
	if iterations == 0 {
		iterations = MinIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: kdf iterations must be at least %d", common.ErrConfiguration, MinIterations)
	}

	return &KeyDeriver{
		masterSecret: []byte(s.MasterSecret),
		storageSalt:  []byte(s.StorageSalt),
		recoverySalt: []byte(s.RecoverySalt),
		iterations:   iterations,
	}, nil
}

// DeriveKey is the raw KDF: PBKDF2-HMAC-SHA512(secret, salt) -> 32 bytes.
func (d *KeyDeriver) DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, d.iterations, KeySize, sha512.New)
}

// StorageKey derives the key that protects a user's archived emails from
// masterSecret || userSalt, salted with the platform storage salt.
func (d *KeyDeriver) StorageKey(userSalt []byte) ([]byte, error) {
	if len(userSalt) == 0 {
		return nil, fmt.Errorf("%w: empty user salt", common.ErrValidation)
	}

	secret := make([]byte, 0, len(d.masterSecret)+len(userSalt))
	secret = append(secret, d.masterSecret...)
	secret = append(secret, userSalt...)
	defer common.WipeByteArray(secret)

	return d.DeriveKey(secret, d.storageSalt), nil
}

// RecoveryKey derives the key of a recovery package from the export password,
// salted with userEmail || recoverySalt so equal passwords give different
// keys for different accounts.
func (d *KeyDeriver) RecoveryKey(password, userEmail string) ([]byte, error) {
	if password == "" || userEmail == "" {
		return nil, fmt.Errorf("%w: password and email are required", common.ErrValidation)
	}

	salt := make([]byte, 0, len(userEmail)+len(d.recoverySalt))
	salt = append(salt, userEmail...)
	salt = append(salt, d.recoverySalt...)

	return d.DeriveKey([]byte(password), salt), nil
}

// NewUserSalt returns a fresh random per-user salt.
func NewUserSalt() []byte {
	return common.GenerateRandByteArray(UserSaltSize)
}
