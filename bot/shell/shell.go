// Package shell connects the session machine and the account service to
// Telegram: commands, menus, the admin panel and message rendering.
package shell

import (
	"context"
	"io"
	"sync"

	"github.com/m3rciful/gitpush/bot/accounts"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/bot/session"

	tele "gopkg.in/telebot.v4"
)

const component = "shell"

// Messenger is the part of the Bot API the shell uses outside of an update.
// *tele.Bot implements it.
type Messenger interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
	Delete(msg tele.Editable) error
	File(file *tele.File) (io.ReadCloser, error)
}

// Flows is the session machine as seen by the shell.
type Flows interface {
	Begin(ctx context.Context, userID int64, flow session.Flow, opts ...session.BeginOption) error
	Handle(ctx context.Context, userID int64, in session.Input) error
	Cancel(ctx context.Context, userID int64) bool
	InProgress(userID int64) bool
	Snapshot(userID int64) (session.Session, bool)
}

// Accounts is the credential store and user registry.
type Accounts interface {
	Register(ctx context.Context, userID int64, firstName string) (accounts.User, bool, error)
	User(ctx context.Context, userID int64) (accounts.User, error)
	Users(ctx context.Context, page, perPage int) (accounts.Page, error)
	SetBanned(ctx context.Context, userID int64, banned bool) error
	IsBanned(ctx context.Context, userID int64) bool
	List(ctx context.Context, userID int64) ([]accounts.Credential, error)
	GetActive(ctx context.Context, userID int64) (*accounts.Credential, error)
	SetActive(ctx context.Context, userID int64, ref string) (bool, error)
	Remove(ctx context.Context, userID int64, ref string) (bool, error)
}

// RepoLister lists the repositories a token can push to.
type RepoLister interface {
	Repos(ctx context.Context, token string, page, perPage int) ([]github.Repo, error)
}

// Options configures a Shell.
type Options struct {
	Accounts Accounts
	Repos    RepoLister
	AdminID  int64
	// PerPage sizes repository and user listings.
	PerPage int
}

// Shell renders the bot. Flows must be set with SetFlows before updates
// arrive and the messenger with Attach once the bot is built.
type Shell struct {
	accounts Accounts
	repos    RepoLister
	adminID  int64
	perPage  int

	mu    sync.RWMutex
	flows Flows
	out   Messenger
}

// New returns a Shell.
func New(opts Options) *Shell {
	if opts.PerPage <= 0 {
		opts.PerPage = 8
	}
	return &Shell{
		accounts: opts.Accounts,
		repos:    opts.Repos,
		adminID:  opts.AdminID,
		perPage:  opts.PerPage,
	}
}

// SetFlows installs the session machine. The machine needs the shell as its
// notifier, so the two are tied together after construction.
func (s *Shell) SetFlows(f Flows) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = f
}

// Attach sets the messenger used for notifications and file downloads.
func (s *Shell) Attach(m Messenger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = m
}

func (s *Shell) machine() Flows {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flows
}

func (s *Shell) messenger() Messenger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.out
}

func (s *Shell) isAdmin(userID int64) bool {
	return s.adminID != 0 && userID == s.adminID
}

// Blocked reports whether updates from userID must be dropped. The admin is
// never blocked.
func (s *Shell) Blocked(ctx context.Context, userID int64) bool {
	if s.isAdmin(userID) {
		return false
	}
	return s.accounts.IsBanned(ctx, userID)
}
