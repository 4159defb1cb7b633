package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/gitpush/bot/apperr"
)

func newPostgresWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresEnsureUser(t *testing.T) {
	repo, mock := newPostgresWithMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`(?s)^\s*INSERT\s+INTO\s+bot_users\s*\(user_id,\s*first_name\).*ON CONFLICT.*RETURNING`).
		WithArgs(int64(7), "Ann").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "first_name", "banned", "created_at", "created"}).
			AddRow(int64(7), "Ann", false, now, true))

	u, created, err := repo.EnsureUser(context.Background(), 7, "Ann")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, User{ID: 7, FirstName: "Ann", CreatedAt: now}, u)
}

func TestPostgresUserNotFound(t *testing.T) {
	repo, mock := newPostgresWithMock(t)
	mock.ExpectQuery(`SELECT user_id, first_name, banned, created_at FROM bot_users WHERE user_id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "first_name", "banned", "created_at"}))

	_, err := repo.User(context.Background(), 5)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresAddCredentialActivates(t *testing.T) {
	repo, mock := newPostgresWithMock(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bot_users \(user_id\) VALUES \(\$1\) ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)INSERT INTO credentials .*RETURNING id, created_at`).
		WithArgs(int64(1), "fp", []byte("sealed"), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), created))
	mock.ExpectExec(`(?s)UPDATE bot_users SET active_credential_id = \$2`).
		WithArgs(int64(1), int64(42), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := repo.AddCredential(context.Background(), 1, Record{Fingerprint: "fp", Secret: []byte("sealed"), Login: "alice"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, created, rec.CreatedAt)
	assert.True(t, rec.Active)
}

func TestPostgresAddCredentialRollsBack(t *testing.T) {
	repo, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bot_users`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO credentials`).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	_, err := repo.AddCredential(context.Background(), 1, Record{Fingerprint: "fp", Secret: []byte("s"), Login: "a"}, true)
	assert.ErrorContains(t, err, "db error: db down")
}

func TestPostgresCredentials(t *testing.T) {
	repo, mock := newPostgresWithMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)SELECT c.id, c.fingerprint, c.secret, c.login, c.created_at,.*FROM credentials c.*ORDER BY c.id`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "fingerprint", "secret", "login", "created_at", "active"}).
			AddRow(int64(1), "f1", []byte("s1"), "alice", now, false).
			AddRow(int64(2), "f2", []byte("s2"), "bob", now, true))

	recs, err := repo.Credentials(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, Record{ID: 2, Fingerprint: "f2", Secret: []byte("s2"), Login: "bob", CreatedAt: now, Active: true}, recs[1])
}

func TestPostgresDeleteAndActivate(t *testing.T) {
	repo, mock := newPostgresWithMock(t)

	mock.ExpectExec(`DELETE FROM credentials WHERE user_id = \$1 AND fingerprint = \$2`).
		WithArgs(int64(1), "fp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE bot_users u SET active_credential_id = c.id.*c.fingerprint = \$2`).
		WithArgs(int64(1), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.DeleteCredential(context.Background(), 1, "fp")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.SetActive(context.Background(), 1, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresUsersAndRecipients(t *testing.T) {
	repo, mock := newPostgresWithMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT count\(\*\) FROM bot_users`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(`SELECT user_id, first_name, banned, created_at FROM bot_users ORDER BY created_at, user_id LIMIT \$1 OFFSET \$2`).
		WithArgs(10, 10).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "first_name", "banned", "created_at"}).
			AddRow(int64(11), "K", false, now).
			AddRow(int64(12), "L", true, now))
	mock.ExpectQuery(`SELECT user_id FROM bot_users WHERE NOT banned ORDER BY user_id`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(11)))
	mock.ExpectExec(`INSERT INTO bot_users \(user_id, banned\)`).
		WithArgs(int64(12), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT banned FROM bot_users WHERE user_id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"banned"}))

	ctx := context.Background()
	users, total, err := repo.Users(ctx, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, users, 2)
	assert.True(t, users[1].Banned)

	ids, err := repo.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 11}, ids)

	require.NoError(t, repo.SetBanned(ctx, 12, true))
	banned, err := repo.Banned(ctx, 99)
	require.NoError(t, err)
	assert.False(t, banned)
}
