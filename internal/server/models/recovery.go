package models

import "time"

// RecoveryPackage is a password-protected bundle of a user's emails.
// Downloaded flips to true exactly once.
type RecoveryPackage struct {
	ExportID    string
	OwnerUserID string
	Ciphertext  []byte
	Nonce       []byte
	AuthTag     []byte
	EmailCount  int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Downloaded  bool
}

// Expired reports whether the package is past its lifetime at now.
func (p *RecoveryPackage) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// BundledEmail is one email inside a recovery bundle.
type BundledEmail struct {
	Context   EmailContext `json:"context"`
	CreatedAt time.Time    `json:"createdAt"`
	Email     PlainEmail   `json:"email"`
}

// RecoveryBundle is the plaintext of a recovery package.
type RecoveryBundle struct {
	UserID      string         `json:"userId"`
	UserEmail   string         `json:"userEmail"`
	ExportDate  time.Time      `json:"exportDate"`
	TotalEmails int            `json:"totalEmails"`
	Emails      []BundledEmail `json:"emails"`
}

// Audit log kinds. Each kind has its own retention window.
const (
	AuditKindAudit    = "audit"
	AuditKindRecovery = "recovery"
)

// AuditLog records an operation on a user's archive. Details never contain
// email content or secrets.
type AuditLog struct {
	ID        string
	UserID    string
	Kind      string
	Action    string
	Detail    string
	CreatedAt time.Time
}
