package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/core/logger"
)

const component = "accounts"

// Prober resolves the identity behind a token.
type Prober interface {
	User(ctx context.Context, token string) (github.User, error)
}

// Service is the credential store. Mutations for one user are serialized;
// different users proceed independently.
type Service struct {
	repo   Repository
	prober Prober
	sealer *Sealer
	locks  keyedMutex

	bannedMu sync.RWMutex
	banned   map[int64]bool
}

// NewService wires a Service. A nil sealer stores secrets unencrypted.
func NewService(repo Repository, prober Prober, sealer *Sealer) *Service {
	if sealer == nil {
		sealer = &Sealer{}
	}
	return &Service{repo: repo, prober: prober, sealer: sealer, banned: make(map[int64]bool)}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// Add probes secret and stores it for userID. The first credential of a user
// becomes active.
func (s *Service) Add(ctx context.Context, userID int64, secret string) (Identity, error) {
	return s.add(ctx, userID, secret, false)
}

// AddActive stores secret for userID and makes it the active credential.
func (s *Service) AddActive(ctx context.Context, userID int64, secret string) (Identity, error) {
	return s.add(ctx, userID, secret, true)
}

func (s *Service) add(ctx context.Context, userID int64, secret string, force bool) (Identity, error) {
	const op = "add credential"
	secret = strings.TrimSpace(secret)
	if secret == "" || strings.ContainsAny(secret, " \t\r\n") {
		return Identity{}, apperr.Validation(op, "a token is a single word without spaces")
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	u, err := s.prober.User(ctx, secret)
	if err != nil {
		logger.Warn(ctx, component, "credential.probe",
			slog.String("status", "fail"),
			slog.String("err_code", apperr.Code(err)),
		)
		if errors.Is(err, apperr.ErrAuthentication) {
			return Identity{}, &apperr.Error{Kind: apperr.ErrAuthentication, Op: op, Msg: "GitHub rejected this token", Err: err}
		}
		return Identity{}, err
	}

	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.ErrInternal, op, err)
	}
	fp := Fingerprint(secret)
	rec, err := s.repo.AddCredential(ctx, userID, Record{
		Fingerprint: fp,
		Secret:      sealed,
		Login:       u.Login,
	}, force)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.ErrInternal, op, err)
	}
	logger.Info(ctx, component, "credential.add",
		slog.String("status", "ok"),
		slog.String("login", u.Login),
		slog.String("fingerprint", fp[:12]),
		slog.Bool("active", rec.Active),
	)
	return Identity{Login: u.Login, ID: u.ID}, nil
}

// Remove deletes a credential given its secret or fingerprint. Removing the
// active credential leaves the user without one.
func (s *Service) Remove(ctx context.Context, userID int64, ref string) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	ok, err := s.repo.DeleteCredential(ctx, userID, fingerprintOf(ref))
	if err != nil {
		return false, apperr.Wrap(apperr.ErrInternal, "remove credential", err)
	}
	logger.Info(ctx, component, "credential.remove", slog.String("status", status(ok)))
	return ok, nil
}

// SetActive selects the active credential by secret or fingerprint.
func (s *Service) SetActive(ctx context.Context, userID int64, ref string) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	ok, err := s.repo.SetActive(ctx, userID, fingerprintOf(ref))
	if err != nil {
		return false, apperr.Wrap(apperr.ErrInternal, "switch credential", err)
	}
	logger.Info(ctx, component, "credential.activate", slog.String("status", status(ok)))
	return ok, nil
}

// GetActive returns the active credential or nil.
func (s *Service) GetActive(ctx context.Context, userID int64) (*Credential, error) {
	list, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Active {
			return &list[i], nil
		}
	}
	return nil, nil
}

// List returns a user's credentials oldest first.
func (s *Service) List(ctx context.Context, userID int64) ([]Credential, error) {
	recs, err := s.repo.Credentials(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "list credentials", err)
	}
	out := make([]Credential, 0, len(recs))
	for _, r := range recs {
		secret, err := s.sealer.Open(r.Secret)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrInternal, "list credentials", fmt.Errorf("credential %d: %w", r.ID, err))
		}
		out = append(out, Credential{
			ID:          r.ID,
			UserID:      userID,
			Login:       r.Login,
			Fingerprint: r.Fingerprint,
			Secret:      secret,
			CreatedAt:   r.CreatedAt,
			Active:      r.Active,
		})
	}
	return out, nil
}

// Register records a user, refreshing the first name when given. It reports
// whether the user is new.
func (s *Service) Register(ctx context.Context, userID int64, firstName string) (User, bool, error) {
	u, created, err := s.repo.EnsureUser(ctx, userID, strings.TrimSpace(firstName))
	if err != nil {
		return User{}, false, apperr.Wrap(apperr.ErrInternal, "register user", err)
	}
	if created {
		logger.Info(ctx, component, "user.register", slog.String("status", "ok"))
	}
	return u, created, nil
}

// User looks up a registered user.
func (s *Service) User(ctx context.Context, userID int64) (User, error) {
	return s.repo.User(ctx, userID)
}

// Users returns a page of the registry. Pages start at 1.
func (s *Service) Users(ctx context.Context, page, perPage int) (Page, error) {
	page = max(page, 1)
	if perPage <= 0 {
		perPage = 10
	}
	users, total, err := s.repo.Users(ctx, (page-1)*perPage, perPage)
	if err != nil {
		return Page{}, apperr.Wrap(apperr.ErrInternal, "list users", err)
	}
	return Page{Users: users, Page: page, PerPage: perPage, Total: total}, nil
}

// SetBanned bans or unbans a user.
func (s *Service) SetBanned(ctx context.Context, userID int64, banned bool) error {
	if err := s.repo.SetBanned(ctx, userID, banned); err != nil {
		return apperr.Wrap(apperr.ErrInternal, "ban user", err)
	}
	s.bannedMu.Lock()
	s.banned[userID] = banned
	s.bannedMu.Unlock()
	logger.Info(ctx, component, "user.ban", slog.Int64("target_user", userID), slog.Bool("banned", banned))
	return nil
}

// IsBanned reports whether userID is banned. Lookups are cached; a storage
// failure is logged and treated as not banned.
func (s *Service) IsBanned(ctx context.Context, userID int64) bool {
	s.bannedMu.RLock()
	v, ok := s.banned[userID]
	s.bannedMu.RUnlock()
	if ok {
		return v
	}
	v, err := s.repo.Banned(ctx, userID)
	if err != nil {
		logger.Warn(ctx, component, "user.ban_lookup", slog.String("status", "fail"), slog.String("err", err.Error()))
		return false
	}
	s.bannedMu.Lock()
	s.banned[userID] = v
	s.bannedMu.Unlock()
	return v
}

// Recipients lists every registered user who is not banned.
func (s *Service) Recipients(ctx context.Context) ([]int64, error) {
	ids, err := s.repo.Recipients(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "list recipients", err)
	}
	return ids, nil
}

// Close releases the backing store.
func (s *Service) Close() error { return s.repo.Close() }

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "skip"
}
