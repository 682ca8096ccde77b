package models

import "time"

// User is the subset of the platform account row the archive needs.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// UserKey holds the per-user storage salt. It is written once and never
// changed while the user exists.
type UserKey struct {
	UserID    string
	Salt      []byte
	CreatedAt time.Time
}
