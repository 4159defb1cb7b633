package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/archive"
	"github.com/m3rciful/gitpush/bot/publish"
	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/core/telegram/state"
)

// job is what a background publish needs, captured under the slot lock.
type job struct {
	userID  int64
	run     uint64
	token   string
	flow    Flow
	req     publish.Request
	handle  *archive.Handle
	dest    string
	content []byte
	file    string
}

// startPublish moves s to Publishing and runs the publish in the background.
func (m *Machine) startPublish(ctx context.Context, tx *state.Tx[*Session], s *Session) error {
	token, err := m.token(ctx, tx, s)
	if err != nil {
		return m.toFailed(ctx, tx, s, err)
	}
	j := job{
		userID: tx.UserID(),
		run:    m.runs.Add(1),
		token:  token,
		flow:   s.Flow,
		handle: s.Archive,
		dest:   s.DestPath,
		file:   s.FilePath,
	}
	j.content = append([]byte(nil), s.Content...)
	j.req = publish.Request{Repo: s.Target, Branch: s.Branch, Token: token}
	if s.Flow == FlowPublish && j.handle == nil {
		return m.toFailed(ctx, tx, s, apperr.New(apperr.ErrValidation, "publish", "the archive is gone; start over"))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(m.base, cancel)

	s.run = j.run
	s.cancel = func() {
		stopAfter()
		cancel()
	}
	s.State = Publishing
	s.LastErr = nil
	s.UpdatedAt = m.now()
	tx.Set(s)
	m.info(ctx, j.userID, msgPublishingStarted(s))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stopAfter()
		defer cancel()
		res, err := m.execute(runCtx, j)
		m.complete(context.WithoutCancel(ctx), j, res, err)
	}()
	return nil
}

// execute builds the request and publishes it, retrying conflicts and rate
// limits.
func (m *Machine) execute(ctx context.Context, j job) (publish.Result, error) {
	req := j.req
	switch j.flow {
	case FlowEditFile:
		req.Entries = []archive.Entry{{Path: j.file, Content: j.content}}
		req.Message = fmt.Sprintf("Update %s via gitpush", j.file)
	default:
		entries, err := j.handle.Entries(ctx)
		if err != nil {
			return publish.Result{}, err
		}
		if req.Entries, err = archive.Prefix(entries, j.dest); err != nil {
			return publish.Result{}, err
		}
		req.Message = fmt.Sprintf("Upload %d files via gitpush", len(entries))
	}

	attempts := 1 + m.opts.PublishRetries
	var (
		res publish.Result
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err = m.deps.Publisher.Publish(ctx, req)
		res.Attempts = attempt
		if err == nil || !apperr.Retryable(err) || attempt == attempts || ctx.Err() != nil {
			break
		}
		wait := m.backoff(attempt, err)
		logger.Info(ctx, component, "publish.retry",
			slog.String("status", "retry"),
			slog.Int("attempts", attempt),
			slog.String("err_code", apperr.Code(err)),
			slog.Duration("duration", wait),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
	}
	return res, err
}

// backoff honours a server supplied wait and otherwise doubles per attempt.
func (m *Machine) backoff(attempt int, err error) time.Duration {
	if d, ok := apperr.RetryAfter(err); ok {
		return min(d, m.opts.MaxRetryWait)
	}
	d := m.opts.RetryBackoff << (attempt - 1)
	return min(d, m.opts.MaxRetryWait)
}

// complete records the outcome unless the session moved on meanwhile.
func (m *Machine) complete(ctx context.Context, j job, res publish.Result, err error) {
	tx := m.reg.Acquire(j.userID)
	defer tx.Release()

	s, ok := tx.Get()
	if !ok || s.run != j.run {
		return
	}
	s.cancel = nil
	s.Attempts = res.Attempts

	switch {
	case err == nil:
		m.finish(ctx, tx, s, Summary{Text: msgPublished(res), Result: &res})
	case errors.Is(err, context.Canceled):
		m.cancel(ctx, tx, s, msgCancelled)
	default:
		_ = m.toFailed(ctx, tx, s, err)
	}
}

// toFailed keeps the collected inputs so the user can retry.
func (m *Machine) toFailed(ctx context.Context, tx *state.Tx[*Session], s *Session, err error) error {
	logger.Warn(ctx, component, "publish.failed",
		slog.String("status", "fail"),
		slog.String("err_code", apperr.Code(err)),
		slog.Int("attempts", s.Attempts),
		slog.String("err", err.Error()),
	)
	s.LastErr = err
	m.fail(ctx, tx.UserID(), err)
	return m.advance(ctx, tx, s, Failed, "")
}
