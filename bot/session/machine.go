package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/core/telegram/state"
)

const component = "session"

var (
	// ErrBusy is returned by Begin while another flow is active.
	ErrBusy = errors.New("session: another flow is active")
	// ErrNoSession is returned by Handle when the user has no flow.
	ErrNoSession = errors.New("session: no active flow")
)

// Options tunes a Machine. Zero values select defaults.
type Options struct {
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	PublishRetries int
	RetryBackoff   time.Duration
	MaxRetryWait   time.Duration
	MaxUploadBytes int64
}

func (o *Options) defaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 15 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.PublishRetries < 0 {
		o.PublishRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxRetryWait <= 0 {
		o.MaxRetryWait = 2 * time.Minute
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 20 << 20
	}
}

// Deps are the collaborators of a Machine. Broadcaster may be nil when the
// broadcast flow is unused.
type Deps struct {
	Credentials Credentials
	Publisher   Publisher
	Repos       Repos
	Extractor   Extractor
	Broadcaster Broadcaster
	Notifier    Notifier
}

// Machine owns every user's session.
type Machine struct {
	deps Deps
	opts Options
	reg  *state.Registry[*Session]
	now  func() time.Time

	runs atomic.Uint64
	wg   sync.WaitGroup

	base context.Context
	stop context.CancelFunc
}

// New returns a Machine. Close stops in-flight publishes.
func New(deps Deps, opts Options) *Machine {
	opts.defaults()
	base, stop := context.WithCancel(context.Background())
	return &Machine{
		deps: deps,
		opts: opts,
		reg:  state.NewRegistry[*Session](),
		now:  time.Now,
		base: base,
		stop: stop,
	}
}

// InProgress reports whether userID has an active flow.
func (m *Machine) InProgress(userID int64) bool { return m.reg.InProgress(userID) }

// Active returns the number of users with a session.
func (m *Machine) Active() int { return m.reg.Len() }

// Snapshot returns a copy of the user's session.
func (m *Machine) Snapshot(userID int64) (Session, bool) {
	tx := m.reg.Acquire(userID)
	defer tx.Release()
	s, ok := tx.Get()
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.cancel = nil
	return cp, true
}

// BeginOption presets session fields.
type BeginOption func(*Session)

// WithTarget preselects the repository and branch.
func WithTarget(r github.RepoRef, branch string) BeginOption {
	return func(s *Session) {
		s.Target, s.Branch, s.HasTarget = r, branch, true
	}
}

// WithTargetUser makes an admin flow act on another user's account.
func WithTargetUser(userID int64) BeginOption {
	return func(s *Session) { s.TargetUser = userID }
}

// Begin starts flow for userID. It fails with ErrBusy while another flow is
// running; a failed session left over from an earlier flow is discarded.
func (m *Machine) Begin(ctx context.Context, userID int64, flow Flow, opts ...BeginOption) error {
	ctx = logger.WithUser(ctx, userID)
	tx := m.reg.Acquire(userID)
	defer tx.Release()

	if cur, ok := tx.Get(); ok {
		if cur.State != Failed {
			m.info(ctx, userID, msgBusy(cur))
			return ErrBusy
		}
		cur.release()
		tx.Clear()
	}

	now := m.now()
	s := &Session{Flow: flow, State: Idle, CreatedAt: now, UpdatedAt: now}
	for _, opt := range opts {
		opt(s)
	}
	logger.Info(ctx, component, "begin", slog.String("flow", string(flow)))
	return m.enter(ctx, tx, s)
}

// Handle feeds one input to the user's session.
func (m *Machine) Handle(ctx context.Context, userID int64, in Input) error {
	ctx = logger.WithUser(ctx, userID)
	tx := m.reg.Acquire(userID)
	defer tx.Release()

	s, ok := tx.Get()
	if !ok {
		return ErrNoSession
	}
	if in.Kind != InputFile && isCancel(in.Text) {
		m.cancel(ctx, tx, s, msgCancelled)
		return nil
	}

	from := s.State
	var err error
	switch s.State {
	case AwaitingCredential:
		err = m.onCredential(ctx, tx, s, in)
	case AwaitingTarget:
		err = m.onTarget(ctx, tx, s, in)
	case AwaitingArchive:
		err = m.onArchive(ctx, tx, s, in)
	case AwaitingDestinationPath:
		err = m.onPath(ctx, tx, s, in)
	case AwaitingContent:
		err = m.onContent(ctx, tx, s, in)
	case AwaitingMessage:
		err = m.onMessage(ctx, tx, s, in)
	case ConfirmingDestructive:
		err = m.onConfirm(ctx, tx, s, in)
	case Publishing:
		m.info(ctx, userID, msgPublishing)
	case Failed:
		err = m.onFailed(ctx, tx, s, in)
	default:
		tx.Clear()
	}
	if cur, ok := tx.Get(); ok && cur.State != from {
		logger.Debug(ctx, component, "transition",
			slog.String("flow", string(cur.Flow)),
			slog.String("state", from.String()),
			slog.String("next_state", cur.State.String()),
		)
	}
	return err
}

// Cancel aborts the user's flow. It reports whether there was one.
func (m *Machine) Cancel(ctx context.Context, userID int64) bool {
	ctx = logger.WithUser(ctx, userID)
	tx := m.reg.Acquire(userID)
	defer tx.Release()
	s, ok := tx.Get()
	if !ok {
		return false
	}
	m.cancel(ctx, tx, s, msgCancelled)
	return true
}

func (m *Machine) cancel(ctx context.Context, tx *state.Tx[*Session], s *Session, text string) {
	logger.Info(ctx, component, "cancel",
		slog.String("status", "cancelled"),
		slog.String("flow", string(s.Flow)),
		slog.String("state", s.State.String()),
	)
	s.release()
	tx.Clear()
	m.info(ctx, tx.UserID(), text)
}

// Wait blocks until background publishes finish.
func (m *Machine) Wait() { m.wg.Wait() }

// Close cancels in-flight publishes and waits for them.
func (m *Machine) Close() error {
	m.stop()
	m.wg.Wait()
	return nil
}

// enter moves s to the first state its flow still needs.
func (m *Machine) enter(ctx context.Context, tx *state.Tx[*Session], s *Session) error {
	switch s.Flow {
	case FlowAddCredential, FlowAdminCredential:
		return m.advance(ctx, tx, s, AwaitingCredential, "")
	case FlowBroadcast:
		return m.advance(ctx, tx, s, AwaitingMessage, "")
	case FlowDeleteRepo:
		if s.HasTarget {
			return m.advance(ctx, tx, s, ConfirmingDestructive, "")
		}
		return m.needCredentialThen(ctx, tx, s, AwaitingTarget)
	case FlowEditFile:
		if s.HasTarget {
			return m.needCredentialThen(ctx, tx, s, AwaitingDestinationPath)
		}
		return m.needCredentialThen(ctx, tx, s, AwaitingTarget)
	case FlowPublish:
		if s.HasTarget {
			return m.needCredentialThen(ctx, tx, s, AwaitingArchive)
		}
		return m.needCredentialThen(ctx, tx, s, AwaitingTarget)
	}
	tx.Clear()
	return apperr.Validation("begin", "unknown flow %q", s.Flow)
}

// needCredentialThen routes through AwaitingCredential when the account
// the flow acts on has no active credential.
func (m *Machine) needCredentialThen(ctx context.Context, tx *state.Tx[*Session], s *Session, next State) error {
	cred, err := m.deps.Credentials.GetActive(ctx, m.owner(tx, s))
	if err != nil {
		tx.Clear()
		m.fail(ctx, tx.UserID(), err)
		return err
	}
	if cred != nil {
		return m.advance(ctx, tx, s, next, "")
	}
	if s.TargetUser != 0 {
		tx.Clear()
		m.info(ctx, tx.UserID(), msgTargetNoCredential)
		return nil
	}
	return m.advance(ctx, tx, s, AwaitingCredential, "")
}

// advance stores s in state next and prompts for its input.
func (m *Machine) advance(ctx context.Context, tx *state.Tx[*Session], s *Session, next State, reason string) error {
	s.State = next
	s.UpdatedAt = m.now()
	tx.Set(s)
	p := promptFor(s)
	p.Reason = reason
	if err := m.deps.Notifier.Prompt(ctx, tx.UserID(), p); err != nil {
		logger.Warn(ctx, component, "notify", slog.String("status", "fail"), slog.String("err", err.Error()))
	}
	return nil
}

// reject keeps s where it is and re-prompts with reason.
func (m *Machine) reject(ctx context.Context, tx *state.Tx[*Session], s *Session, reason string) error {
	logger.Debug(ctx, component, "reject",
		slog.String("flow", string(s.Flow)),
		slog.String("state", s.State.String()),
		slog.String("reason", reason),
	)
	return m.advance(ctx, tx, s, s.State, reason)
}

// finish ends the flow successfully.
func (m *Machine) finish(ctx context.Context, tx *state.Tx[*Session], s *Session, sum Summary) {
	s.release()
	tx.Clear()
	sum.Flow = s.Flow
	if err := m.deps.Notifier.Succeeded(ctx, tx.UserID(), sum); err != nil {
		logger.Warn(ctx, component, "notify", slog.String("status", "fail"), slog.String("err", err.Error()))
	}
}

// owner is the account whose credential the flow uses.
func (m *Machine) owner(tx *state.Tx[*Session], s *Session) int64 {
	if s.TargetUser != 0 {
		return s.TargetUser
	}
	return tx.UserID()
}

func (m *Machine) token(ctx context.Context, tx *state.Tx[*Session], s *Session) (string, error) {
	cred, err := m.deps.Credentials.GetActive(ctx, m.owner(tx, s))
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", apperr.New(apperr.ErrAuthentication, "credential", "no active token; add one first")
	}
	return cred.Secret, nil
}

func (m *Machine) info(ctx context.Context, userID int64, text string) {
	if err := m.deps.Notifier.Info(ctx, userID, text); err != nil {
		logger.Warn(ctx, component, "notify", slog.String("status", "fail"), slog.String("err", err.Error()))
	}
}

func (m *Machine) fail(ctx context.Context, userID int64, err error) {
	if nerr := m.deps.Notifier.Failed(ctx, userID, Describe(err)); nerr != nil {
		logger.Warn(ctx, component, "notify", slog.String("status", "fail"), slog.String("err", nerr.Error()))
	}
}

func isCancel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "/cancel", "cancel":
		return true
	}
	return false
}

func isAffirmative(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "confirm":
		return true
	}
	return false
}
