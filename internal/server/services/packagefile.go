package services

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/cryptox"
	"github.com/wpfleet/mailvault/internal/server/models"
)

// PackageInstructions is written into every package file.
const PackageInstructions = "This file is an encrypted recovery package of your archived emails. " +
	"Keep it safe: it can only be opened with the password chosen at export time, " +
	"and it can be imported into any account until the package expires. " +
	"To restore, upload this file on the email recovery page and enter that password."

// PackageFile is the downloadable form of a recovery package.
type PackageFile struct {
	ExportID      string `json:"export_id"`
	EncryptedData string `json:"encrypted_data"`
	IV            string `json:"iv"`
	AuthTag       string `json:"auth_tag"`
	Instructions  string `json:"instructions"`
}

// NewPackageFile renders p as a package file.
func NewPackageFile(p *models.RecoveryPackage) *PackageFile {
	return &PackageFile{
		ExportID:      p.ExportID,
		EncryptedData: hex.EncodeToString(p.Ciphertext),
		IV:            hex.EncodeToString(p.Nonce),
		AuthTag:       hex.EncodeToString(p.AuthTag),
		Instructions:  PackageInstructions,
	}
}

func (f *PackageFile) Marshal() ([]byte, error) {
	return json.MarshalIndent(f, "", "  ")
}

// ParsePackageFile decodes and validates a package file. Anything that is
// not a well-formed file yields common.ErrFormat.
func ParsePackageFile(b []byte) (*PackageFile, error) {
	f := &PackageFile{}
	if err := json.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("%w: package file is not valid JSON", common.ErrFormat)
	}
	if f.ExportID == "" {
		return nil, fmt.Errorf("%w: export_id is missing", common.ErrFormat)
	}
	if _, err := f.Sealed(); err != nil {
		return nil, err
	}
	return f, nil
}

// Sealed decodes the hex fields.
func (f *PackageFile) Sealed() (*cryptox.Sealed, error) {
	ciphertext, err := hex.DecodeString(f.EncryptedData)
	if err != nil || len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: encrypted_data is not hex", common.ErrFormat)
	}
	nonce, err := hex.DecodeString(f.IV)
	if err != nil || len(nonce) != cryptox.NonceSize {
		return nil, fmt.Errorf("%w: iv must be %d hex-encoded bytes", common.ErrFormat, cryptox.NonceSize)
	}
	tag, err := hex.DecodeString(f.AuthTag)
	if err != nil || len(tag) != cryptox.TagSize {
		return nil, fmt.Errorf("%w: auth_tag must be %d hex-encoded bytes", common.ErrFormat, cryptox.TagSize)
	}
	return &cryptox.Sealed{Ciphertext: ciphertext, Nonce: nonce, AuthTag: tag}, nil
}
