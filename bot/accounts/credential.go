// Package accounts stores GitHub credentials and the bot's user registry.
package accounts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Credential is a stored personal access token.
type Credential struct {
	ID          int64
	UserID      int64
	Login       string
	Fingerprint string
	Secret      string
	CreatedAt   time.Time
	Active      bool
}

// Masked renders the secret with only its edges visible.
func (c Credential) Masked() string { return Mask(c.Secret) }

// Identity is the GitHub account behind a credential.
type Identity struct {
	Login string
	ID    int64
}

// User is a registered bot user.
type User struct {
	ID        int64
	FirstName string
	Banned    bool
	CreatedAt time.Time
}

// Page is one slice of the user registry.
type Page struct {
	Users   []User
	Page    int
	PerPage int
	Total   int
}

// Pages reports the number of pages.
func (p Page) Pages() int {
	if p.PerPage <= 0 || p.Total == 0 {
		return 1
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}

// Fingerprint is the lookup key of a secret.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsFingerprint reports whether s looks like a Fingerprint result.
func IsFingerprint(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// fingerprintOf accepts either a secret or a fingerprint.
func fingerprintOf(ref string) string {
	ref = strings.TrimSpace(ref)
	if IsFingerprint(ref) {
		return strings.ToLower(ref)
	}
	return Fingerprint(ref)
}

// Mask hides all but the first and last four characters of s.
func Mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("•", len(s))
	}
	return s[:4] + "…" + s[len(s)-4:]
}
