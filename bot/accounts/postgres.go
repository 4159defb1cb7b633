package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/gitpush/bot/apperr"
)

// PostgresRepository stores users and credentials in the schema shipped in
// the migrations package.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository wraps an open connection.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type userRow struct {
	ID        int64     `db:"user_id"`
	FirstName string    `db:"first_name"`
	Banned    bool      `db:"banned"`
	CreatedAt time.Time `db:"created_at"`
}

func (r userRow) user() User {
	return User{ID: r.ID, FirstName: r.FirstName, Banned: r.Banned, CreatedAt: r.CreatedAt}
}

type credentialRow struct {
	ID          int64     `db:"id"`
	Fingerprint string    `db:"fingerprint"`
	Secret      []byte    `db:"secret"`
	Login       string    `db:"login"`
	CreatedAt   time.Time `db:"created_at"`
	Active      bool      `db:"active"`
}

const ensureUserSQL = `
INSERT INTO bot_users (user_id, first_name) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET first_name = CASE WHEN EXCLUDED.first_name <> '' THEN EXCLUDED.first_name ELSE bot_users.first_name END
RETURNING user_id, first_name, banned, created_at, (xmax = 0) AS created`

func (p *PostgresRepository) EnsureUser(ctx context.Context, id int64, firstName string) (User, bool, error) {
	var row struct {
		userRow
		Created bool `db:"created"`
	}
	if err := p.db.QueryRowxContext(ctx, ensureUserSQL, id, firstName).StructScan(&row); err != nil {
		return User{}, false, fmt.Errorf("db error: %w", err)
	}
	return row.user(), row.Created, nil
}

func (p *PostgresRepository) User(ctx context.Context, id int64) (User, error) {
	var row userRow
	err := p.db.GetContext(ctx, &row, `SELECT user_id, first_name, banned, created_at FROM bot_users WHERE user_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.New(apperr.ErrNotFound, "get user", "user %d is not registered", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("db error: %w", err)
	}
	return row.user(), nil
}

func (p *PostgresRepository) Users(ctx context.Context, offset, limit int) ([]User, int, error) {
	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT count(*) FROM bot_users`); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	var rows []userRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT user_id, first_name, banned, created_at FROM bot_users ORDER BY created_at, user_id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	out := make([]User, len(rows))
	for i, r := range rows {
		out[i] = r.user()
	}
	return out, total, nil
}

func (p *PostgresRepository) SetBanned(ctx context.Context, id int64, banned bool) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO bot_users (user_id, banned) VALUES ($1, $2) ON CONFLICT (user_id) DO UPDATE SET banned = EXCLUDED.banned`,
		id, banned)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Banned(ctx context.Context, id int64) (bool, error) {
	var banned bool
	err := p.db.GetContext(ctx, &banned, `SELECT banned FROM bot_users WHERE user_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return banned, nil
}

func (p *PostgresRepository) Recipients(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := p.db.SelectContext(ctx, &ids, `SELECT user_id FROM bot_users WHERE NOT banned ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ids, nil
}

const credentialsSQL = `
SELECT c.id, c.fingerprint, c.secret, c.login, c.created_at,
       COALESCE(u.active_credential_id = c.id, FALSE) AS active
FROM credentials c
JOIN bot_users u ON u.user_id = c.user_id
WHERE c.user_id = $1
ORDER BY c.id`

func (p *PostgresRepository) Credentials(ctx context.Context, userID int64) ([]Record, error) {
	var rows []credentialRow
	if err := p.db.SelectContext(ctx, &rows, credentialsSQL, userID); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record(r)
	}
	return out, nil
}

const upsertCredentialSQL = `
INSERT INTO credentials (user_id, fingerprint, secret, login) VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, fingerprint) DO UPDATE SET secret = EXCLUDED.secret, login = EXCLUDED.login
RETURNING id, created_at`

const activateSQL = `
UPDATE bot_users SET active_credential_id = $2
WHERE user_id = $1 AND ($3 OR active_credential_id IS NULL OR active_credential_id = $2)`

func (p *PostgresRepository) AddCredential(ctx context.Context, userID int64, rec Record, force bool) (out Record, err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO bot_users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	out = rec
	if err = tx.QueryRowxContext(ctx, upsertCredentialSQL, userID, rec.Fingerprint, rec.Secret, rec.Login).Scan(&out.ID, &out.CreatedAt); err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	res, err := tx.ExecContext(ctx, activateSQL, userID, out.ID, force)
	if err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	out.Active = n > 0
	if err = tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (p *PostgresRepository) DeleteCredential(ctx context.Context, userID int64, fingerprint string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = $1 AND fingerprint = $2`, userID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

const setActiveSQL = `
UPDATE bot_users u SET active_credential_id = c.id
FROM credentials c
WHERE u.user_id = $1 AND c.user_id = u.user_id AND c.fingerprint = $2`

func (p *PostgresRepository) SetActive(ctx context.Context, userID int64, fingerprint string) (bool, error) {
	res, err := p.db.ExecContext(ctx, setActiveSQL, userID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresRepository) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close is a no-op; the connection belongs to the caller.
func (p *PostgresRepository) Close() error { return nil }
