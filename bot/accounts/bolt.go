package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/boltdb/bolt"

	"github.com/m3rciful/gitpush/bot/apperr"
)

var usersBucket = []byte("users")

// BoltRepository keeps one JSON document per user in a Bolt file.
type BoltRepository struct {
	db  *bolt.DB
	now func() time.Time
}

type boltCredential struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Secret      []byte    `json:"secret"`
	Login       string    `json:"login"`
	CreatedAt   time.Time `json:"created_at"`
}

type boltUser struct {
	FirstName   string           `json:"first_name"`
	Banned      bool             `json:"banned"`
	CreatedAt   time.Time        `json:"created_at"`
	Active      string           `json:"active,omitempty"`
	Credentials []boltCredential `json:"credentials"`
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*BoltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &BoltRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func id2key(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func key2id(key []byte) int64 {
	id, _ := strconv.ParseInt(string(key), 10, 64)
	return id
}

func load(b *bolt.Bucket, id int64) (*boltUser, error) {
	raw := b.Get(id2key(id))
	if raw == nil {
		return nil, nil
	}
	var u boltUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("bolt: decode user %d: %w", id, err)
	}
	return &u, nil
}

func store(b *bolt.Bucket, id int64, u *boltUser) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.Put(id2key(id), raw)
}

// mutate loads (or creates) a user record, applies fn and saves the result.
func (r *BoltRepository) mutate(id int64, fn func(b *bolt.Bucket, u *boltUser, created bool) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		u, err := load(b, id)
		if err != nil {
			return err
		}
		created := u == nil
		if created {
			u = &boltUser{CreatedAt: r.now()}
		}
		if err := fn(b, u, created); err != nil {
			return err
		}
		return store(b, id, u)
	})
}

func (u *boltUser) user(id int64) User {
	return User{ID: id, FirstName: u.FirstName, Banned: u.Banned, CreatedAt: u.CreatedAt}
}

func (r *BoltRepository) EnsureUser(_ context.Context, id int64, firstName string) (User, bool, error) {
	var (
		out   User
		isNew bool
	)
	err := r.mutate(id, func(_ *bolt.Bucket, u *boltUser, created bool) error {
		if firstName != "" {
			u.FirstName = firstName
		}
		out, isNew = u.user(id), created
		return nil
	})
	return out, isNew, err
}

func (r *BoltRepository) User(_ context.Context, id int64) (User, error) {
	var out User
	err := r.db.View(func(tx *bolt.Tx) error {
		u, err := load(tx.Bucket(usersBucket), id)
		if err != nil {
			return err
		}
		if u == nil {
			return apperr.New(apperr.ErrNotFound, "get user", "user %d is not registered", id)
		}
		out = u.user(id)
		return nil
	})
	return out, err
}

func (r *BoltRepository) all() ([]User, error) {
	var out []User
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var u boltUser
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("bolt: decode user %s: %w", k, err)
			}
			out = append(out, u.user(key2id(k)))
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (r *BoltRepository) Users(_ context.Context, offset, limit int) ([]User, int, error) {
	users, err := r.all()
	if err != nil {
		return nil, 0, err
	}
	from := min(max(offset, 0), len(users))
	to := min(from+limit, len(users))
	return users[from:to], len(users), nil
}

func (r *BoltRepository) SetBanned(_ context.Context, id int64, banned bool) error {
	return r.mutate(id, func(_ *bolt.Bucket, u *boltUser, _ bool) error {
		u.Banned = banned
		return nil
	})
}

func (r *BoltRepository) Banned(_ context.Context, id int64) (bool, error) {
	var banned bool
	err := r.db.View(func(tx *bolt.Tx) error {
		u, err := load(tx.Bucket(usersBucket), id)
		if u != nil {
			banned = u.Banned
		}
		return err
	})
	return banned, err
}

func (r *BoltRepository) Recipients(context.Context) ([]int64, error) {
	users, err := r.all()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		if !u.Banned {
			ids = append(ids, u.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *BoltRepository) Credentials(_ context.Context, userID int64) ([]Record, error) {
	var out []Record
	err := r.db.View(func(tx *bolt.Tx) error {
		u, err := load(tx.Bucket(usersBucket), userID)
		if err != nil || u == nil {
			return err
		}
		for _, c := range u.Credentials {
			out = append(out, Record{
				ID:          c.ID,
				Fingerprint: c.Fingerprint,
				Secret:      c.Secret,
				Login:       c.Login,
				CreatedAt:   c.CreatedAt,
				Active:      c.Fingerprint == u.Active,
			})
		}
		return nil
	})
	return out, err
}

func (r *BoltRepository) AddCredential(_ context.Context, userID int64, rec Record, force bool) (Record, error) {
	var out Record
	err := r.mutate(userID, func(b *bolt.Bucket, u *boltUser, _ bool) error {
		idx := -1
		for i, c := range u.Credentials {
			if c.Fingerprint == rec.Fingerprint {
				idx = i
				break
			}
		}
		if idx < 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			u.Credentials = append(u.Credentials, boltCredential{ID: int64(seq), Fingerprint: rec.Fingerprint, CreatedAt: r.now()})
			idx = len(u.Credentials) - 1
		}
		c := &u.Credentials[idx]
		c.Secret = rec.Secret
		c.Login = rec.Login
		if force || u.Active == "" {
			u.Active = c.Fingerprint
		}
		out = Record{
			ID:          c.ID,
			Fingerprint: c.Fingerprint,
			Secret:      c.Secret,
			Login:       c.Login,
			CreatedAt:   c.CreatedAt,
			Active:      u.Active == c.Fingerprint,
		}
		return nil
	})
	return out, err
}

func (r *BoltRepository) DeleteCredential(_ context.Context, userID int64, fingerprint string) (bool, error) {
	var removed bool
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		u, err := load(b, userID)
		if err != nil || u == nil {
			return err
		}
		kept := u.Credentials[:0]
		for _, c := range u.Credentials {
			if c.Fingerprint == fingerprint {
				removed = true
				continue
			}
			kept = append(kept, c)
		}
		if !removed {
			return nil
		}
		u.Credentials = kept
		if u.Active == fingerprint {
			u.Active = ""
		}
		return store(b, userID, u)
	})
	return removed, err
}

func (r *BoltRepository) SetActive(_ context.Context, userID int64, fingerprint string) (bool, error) {
	var found bool
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		u, err := load(b, userID)
		if err != nil || u == nil {
			return err
		}
		for _, c := range u.Credentials {
			if c.Fingerprint == fingerprint {
				found = true
				u.Active = fingerprint
				return store(b, userID, u)
			}
		}
		return nil
	})
	return found, err
}

// Ping reports whether the file is still open.
func (r *BoltRepository) Ping(context.Context) error {
	return r.db.View(func(*bolt.Tx) error { return nil })
}

func (r *BoltRepository) Close() error { return r.db.Close() }
