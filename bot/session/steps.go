package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/archive"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/core/telegram/state"
)

func (m *Machine) onCredential(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	if in.Kind == InputFile || strings.TrimSpace(in.Text) == "" {
		return m.reject(ctx, tx, s, "send the token as a text message")
	}
	add := m.deps.Credentials.Add
	if s.Flow == FlowAdminCredential {
		add = m.deps.Credentials.AddActive
	}
	id, err := add(ctx, m.owner(tx, s), in.Text)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	switch s.Flow {
	case FlowAddCredential, FlowAdminCredential:
		m.finish(ctx, tx, s, Summary{Text: msgCredentialSaved(id.Login, s.TargetUser)})
		return nil
	case FlowPublish:
		if s.HasTarget {
			return m.advance(ctx, tx, s, AwaitingArchive, "")
		}
	case FlowEditFile:
		if s.HasTarget {
			return m.advance(ctx, tx, s, AwaitingDestinationPath, "")
		}
	}
	return m.advance(ctx, tx, s, AwaitingTarget, "")
}

// ParseTarget reads a repository and optional branch from "owner/repo",
// "owner/repo@branch" or "owner/repo branch".
func ParseTarget(text string) (github.RepoRef, string, error) {
	text = strings.TrimSpace(text)
	var branch string
	if i := strings.IndexAny(text, "@ \t"); i >= 0 {
		text, branch = text[:i], strings.TrimSpace(text[i+1:])
		if branch == "" || strings.ContainsAny(branch, " \t") || strings.Contains(branch, "..") {
			return github.RepoRef{}, "", apperr.Validation("target", "branch %q is not a valid branch name", branch)
		}
	}
	ref, err := github.ParseRepo(text)
	if err != nil {
		return github.RepoRef{}, "", apperr.Validation("target", "expected owner/repository, for example octocat/hello-world")
	}
	return ref, branch, nil
}

func (m *Machine) onTarget(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	if in.Kind == InputFile {
		return m.reject(ctx, tx, s, "send the repository as owner/name first")
	}
	ref, branch, err := ParseTarget(in.Text)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	token, err := m.token(ctx, tx, s)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	if _, err := m.deps.Repos.Repo(ctx, token, ref); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return m.reject(ctx, tx, s, fmt.Sprintf("%s was not found or this token cannot see it", ref))
		}
		return m.reject(ctx, tx, s, Describe(err))
	}
	s.Target, s.Branch, s.HasTarget = ref, branch, true

	switch s.Flow {
	case FlowDeleteRepo:
		return m.advance(ctx, tx, s, ConfirmingDestructive, "")
	case FlowEditFile:
		return m.advance(ctx, tx, s, AwaitingDestinationPath, "")
	}
	return m.advance(ctx, tx, s, AwaitingArchive, "")
}

func (m *Machine) onArchive(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	if in.Kind != InputFile || in.File == nil {
		return m.reject(ctx, tx, s, "send a .zip file as a document")
	}
	if !strings.EqualFold(path.Ext(in.File.Name), ".zip") {
		return m.reject(ctx, tx, s, fmt.Sprintf("%q is not a .zip file", in.File.Name))
	}
	data, err := m.download(ctx, in.File)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	h, err := m.deps.Extractor.Normalize(ctx, data)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	if s.Archive != nil {
		_ = s.Archive.Release()
	}
	s.Archive = h
	logger.Info(ctx, component, "archive", slog.String("status", "ok"), slog.Int("files", h.Len()), slog.Int64("bytes", h.Size()))
	return m.advance(ctx, tx, s, AwaitingDestinationPath, "")
}

func (m *Machine) download(ctx context.Context, u *Upload) ([]byte, error) {
	const op = "download"
	if u.Size > m.opts.MaxUploadBytes {
		return nil, apperr.Validation(op, "the file is larger than %s", archive.HumanBytes(m.opts.MaxUploadBytes))
	}
	if u.Open == nil {
		return nil, apperr.New(apperr.ErrInternal, op, "upload has no content")
	}
	rc, err := u.Open(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, op, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, m.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, op, err)
	}
	if int64(len(data)) > m.opts.MaxUploadBytes {
		return nil, apperr.Validation(op, "the file is larger than %s", archive.HumanBytes(m.opts.MaxUploadBytes))
	}
	return data, nil
}

func (m *Machine) onPath(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	if in.Kind == InputFile {
		return m.reject(ctx, tx, s, "send the path as text")
	}
	if s.Flow == FlowEditFile {
		p, err := archive.CleanPath(in.Text)
		if err != nil {
			return m.reject(ctx, tx, s, Describe(err))
		}
		s.FilePath = p
		return m.advance(ctx, tx, s, AwaitingContent, "")
	}
	dir, err := archive.CleanDir(in.Text)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	s.DestPath = dir
	return m.startPublish(ctx, tx, s)
}

func (m *Machine) onContent(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	switch {
	case in.Kind == InputFile && in.File != nil:
		data, err := m.download(ctx, in.File)
		if err != nil {
			return m.reject(ctx, tx, s, Describe(err))
		}
		s.Content = data
	case in.Kind == InputText && in.Text != "":
		s.Content = []byte(in.Text)
	default:
		return m.reject(ctx, tx, s, "send the file content as a message or a document")
	}
	return m.startPublish(ctx, tx, s)
}

func (m *Machine) onMessage(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	text := strings.TrimSpace(in.Text)
	if in.Kind == InputFile || text == "" {
		return m.reject(ctx, tx, s, "send the announcement as text")
	}
	if m.deps.Broadcaster == nil {
		tx.Clear()
		m.info(ctx, tx.UserID(), "broadcasting is not available")
		return nil
	}
	ids, err := m.deps.Credentials.Recipients(ctx)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	sent, err := m.deps.Broadcaster.Broadcast(ctx, ids, text)
	logger.Info(ctx, component, "broadcast",
		slog.String("status", logger.Status(err)),
		slog.Int("recipients", len(ids)),
		slog.Int("sent", sent),
	)
	m.finish(ctx, tx, s, Summary{Text: msgBroadcast(sent, len(ids))})
	return nil
}

func (m *Machine) onConfirm(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	if !isAffirmative(in.Text) {
		s.release()
		tx.Clear()
		m.info(ctx, tx.UserID(), msgDeleteAborted(s.Target))
		return nil
	}
	token, err := m.token(ctx, tx, s)
	if err == nil {
		err = m.deps.Repos.DeleteRepo(ctx, token, s.Target)
	}
	logger.Info(ctx, component, "delete_repo",
		slog.String("status", logger.Status(err)),
		slog.String("repo", s.Target.String()),
	)
	if err != nil {
		tx.Clear()
		m.fail(ctx, tx.UserID(), err)
		return nil
	}
	m.finish(ctx, tx, s, Summary{Text: msgDeleted(s.Target)})
	return nil
}

func (m *Machine) onFailed(ctx context.Context, tx *state.Tx[*Session], s *Session, in Input) error {
	if in.Kind == InputFile {
		return m.reject(ctx, tx, s, "reply retry, send a new path, or cancel")
	}
	text := strings.TrimSpace(in.Text)
	if strings.EqualFold(text, "retry") {
		return m.startPublish(ctx, tx, s)
	}
	if s.Flow == FlowEditFile {
		p, err := archive.CleanPath(text)
		if err != nil {
			return m.reject(ctx, tx, s, Describe(err))
		}
		s.FilePath = p
		return m.startPublish(ctx, tx, s)
	}
	dir, err := archive.CleanDir(text)
	if err != nil {
		return m.reject(ctx, tx, s, Describe(err))
	}
	s.DestPath = dir
	return m.startPublish(ctx, tx, s)
}
