// Package models defines the data persisted by the archive and the
// structured forms exchanged between its services.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wpfleet/mailvault/internal/common"
)

// EmailContext tags why an email was archived. It is a closed set.
type EmailContext uint8

const (
	ContextGeneral EmailContext = iota
	ContextNotification
	ContextAlert
	ContextReport
	ContextRecovered
)

// AllEmailContexts lists every context in declaration order.
var AllEmailContexts = []EmailContext{
	ContextGeneral,
	ContextNotification,
	ContextAlert,
	ContextReport,
	ContextRecovered,
}

func (c EmailContext) String() string {
	switch c {
	case ContextGeneral:
		return "general"
	case ContextNotification:
		return "notification"
	case ContextAlert:
		return "alert"
	case ContextReport:
		return "report"
	case ContextRecovered:
		return "recovered"
	default:
		return fmt.Sprintf("EmailContext(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the declared contexts.
func (c EmailContext) Valid() bool {
	return c <= ContextRecovered
}

// ParseEmailContext parses the text form used in the database and in
// recovery bundles.
func ParseEmailContext(s string) (EmailContext, error) {
	for _, c := range AllEmailContexts {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown email context %q", common.ErrValidation, s)
}

func (c EmailContext) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: unknown email context %d", common.ErrValidation, uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *EmailContext) UnmarshalText(b []byte) error {
	parsed, err := ParseEmailContext(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// EncryptedEmail is an immutable archived ciphertext row. Only the key
// derived from the owner's salt and the master secret can open it.
type EncryptedEmail struct {
	ID            string
	OwnerUserID   string
	Context       EmailContext
	Ciphertext    []byte
	Nonce         []byte
	AuthTag       []byte
	CipherVersion int
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Attachment is an email attachment carried inside the encrypted payload.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// PlainEmail is the canonical structured form of an email before
// encryption. Field order is fixed and header keys are emitted sorted, so
// encoding the same email always yields the same bytes.
type PlainEmail struct {
	To          []string          `json:"to"`
	From        string            `json:"from"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments"`
	Headers     map[string]string `json:"headers"`
	Timestamp   time.Time         `json:"timestamp"`
	MessageID   string            `json:"messageId"`
}

// Canonicalized returns the canonical form of e: nil collections become
// empty ones and the timestamp is in UTC. Decrypting a sealed email yields
// exactly this value, not the original.
func (e *PlainEmail) Canonicalized() *PlainEmail {
	c := *e
	if c.To == nil {
		c.To = []string{}
	}
	if c.Attachments == nil {
		c.Attachments = []Attachment{}
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	c.Timestamp = c.Timestamp.UTC()
	return &c
}

// Canonical returns the deterministic JSON encoding of e.Canonicalized().
func (e *PlainEmail) Canonical() ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: email is required", common.ErrValidation)
	}
	return json.Marshal(e.Canonicalized())
}
