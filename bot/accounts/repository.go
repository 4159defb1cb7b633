package accounts

import (
	"context"
	"time"
)

// Record is a credential as persisted, with the secret still sealed.
type Record struct {
	ID          int64
	Fingerprint string
	Secret      []byte
	Login       string
	CreatedAt   time.Time
	Active      bool
}

// Repository persists users and credentials. Implementations report missing
// users with apperr.ErrNotFound.
type Repository interface {
	EnsureUser(ctx context.Context, id int64, firstName string) (User, bool, error)
	User(ctx context.Context, id int64) (User, error)
	Users(ctx context.Context, offset, limit int) ([]User, int, error)
	SetBanned(ctx context.Context, id int64, banned bool) error
	Banned(ctx context.Context, id int64) (bool, error)
	Recipients(ctx context.Context) ([]int64, error)

	// Credentials lists a user's records oldest first.
	Credentials(ctx context.Context, userID int64) ([]Record, error)
	// AddCredential inserts rec, replacing an existing record with the same
	// fingerprint. The record becomes active when force is set or the user
	// has no active credential. The stored record is returned.
	AddCredential(ctx context.Context, userID int64, rec Record, force bool) (Record, error)
	// DeleteCredential removes a record and clears the active pointer when it
	// referenced it.
	DeleteCredential(ctx context.Context, userID int64, fingerprint string) (bool, error)
	SetActive(ctx context.Context, userID int64, fingerprint string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
