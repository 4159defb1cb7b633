// Package publish writes a set of files to a branch as one commit.
//
// Objects are created first (blobs, then one tree, then one commit) and the
// branch is moved last with a fast-forward-only update, so observers of the
// branch never see a partial upload.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/archive"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/core/logger"
)

const (
	component = "publish"

	// DefaultBlobConcurrency bounds parallel blob uploads.
	DefaultBlobConcurrency = 4
	// DefaultMessage is used when a request carries no commit message.
	DefaultMessage = "Upload via gitpush"
)

// Remote is the subset of the GitHub API the engine drives.
type Remote interface {
	Repo(ctx context.Context, token string, r github.RepoRef) (github.Repo, error)
	BranchTip(ctx context.Context, token string, r github.RepoRef, branch string) (string, error)
	Commit(ctx context.Context, token string, r github.RepoRef, sha string) (github.Commit, error)
	Tree(ctx context.Context, token string, r github.RepoRef, sha string, recursive bool) (github.Tree, error)
	CreateBlob(ctx context.Context, token string, r github.RepoRef, content []byte) (string, error)
	CreateTree(ctx context.Context, token string, r github.RepoRef, base string, entries []github.TreeEntry) (string, error)
	CreateCommit(ctx context.Context, token string, r github.RepoRef, message, tree string, parents []string) (string, error)
	UpdateBranch(ctx context.Context, token string, r github.RepoRef, branch, sha string, force bool) error
}

// Request is one publish. Branch may be empty to target the default branch.
type Request struct {
	Repo    github.RepoRef
	Branch  string
	Entries []archive.Entry
	Message string
	Token   string
}

// Result describes a successful publish.
type Result struct {
	Repo      github.RepoRef
	Branch    string
	CommitSHA string
	// Files counts entries whose content or mode changed.
	Files     int
	Unchanged int
	// NoOp is set when the branch already held every entry; CommitSHA is the
	// untouched tip in that case.
	NoOp     bool
	Attempts int
}

// Options tunes an Engine.
type Options struct {
	BlobConcurrency int
}

// Engine publishes requests through a Remote.
type Engine struct {
	remote Remote
	limit  int
}

// New returns an Engine.
func New(remote Remote, opts Options) *Engine {
	limit := opts.BlobConcurrency
	if limit <= 0 {
		limit = DefaultBlobConcurrency
	}
	return &Engine{remote: remote, limit: limit}
}

// Validate checks request preconditions without touching the network.
func Validate(req Request) error {
	const op = "publish"
	if req.Repo.Owner == "" || req.Repo.Name == "" {
		return apperr.Validation(op, "repository is not set")
	}
	if req.Token == "" {
		return apperr.New(apperr.ErrAuthentication, op, "no active credential")
	}
	if len(req.Entries) == 0 {
		return apperr.Validation(op, "nothing to publish")
	}
	seen := make(map[string]struct{}, len(req.Entries))
	for _, e := range req.Entries {
		clean, err := archive.CleanPath(e.Path)
		if err != nil {
			return err
		}
		if clean != e.Path {
			return apperr.Validation(op, "path %q is not normalized", e.Path)
		}
		if _, dup := seen[clean]; dup {
			return apperr.Validation(op, "duplicate path %q", clean)
		}
		seen[clean] = struct{}{}
	}
	return nil
}

// Publish writes req as a single commit. The engine never retries; a moved
// branch is reported as apperr.ErrConflict.
func (e *Engine) Publish(ctx context.Context, req Request) (Result, error) {
	opID := uuid.NewString()
	ctx = logger.WithOp(ctx, opID)
	start := time.Now()

	res, err := e.publish(ctx, req)
	status := "ok"
	switch {
	case err == nil && res.NoOp:
		status = "noop"
	case err != nil:
		status = outcomeOf(err)
	}
	attrs := []slog.Attr{
		slog.String("status", status),
		slog.String("repo", req.Repo.String()),
		slog.String("branch", res.Branch),
		slog.Int("files", res.Files),
		slog.Int("unchanged", res.Unchanged),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err_code", apperr.Code(err)), slog.String("err", err.Error()))
		logger.Warn(ctx, component, "finished", attrs...)
		return res, err
	}
	attrs = append(attrs, slog.String("commit", res.CommitSHA))
	logger.Info(ctx, component, "finished", attrs...)
	return res, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrRateLimited):
		return "rate_limited"
	}
	return "fail"
}

func (e *Engine) publish(ctx context.Context, req Request) (Result, error) {
	res := Result{Repo: req.Repo, Branch: req.Branch, Attempts: 1}
	if err := Validate(req); err != nil {
		return res, err
	}

	if res.Branch == "" {
		repo, err := e.remote.Repo(ctx, req.Token, req.Repo)
		if err != nil {
			return res, notFound(err, "repository %s was not found", req.Repo)
		}
		if repo.DefaultBranch == "" {
			return res, apperr.New(apperr.ErrNotFound, "publish", "repository %s has no default branch", req.Repo)
		}
		res.Branch = repo.DefaultBranch
	}

	tip, err := e.remote.BranchTip(ctx, req.Token, req.Repo, res.Branch)
	if err != nil {
		return res, notFound(err, "branch %q was not found in %s", res.Branch, req.Repo)
	}
	head, err := e.remote.Commit(ctx, req.Token, req.Repo, tip)
	if err != nil {
		return res, err
	}
	base := head.Tree.SHA

	changed, err := e.diff(ctx, req, base)
	if err != nil {
		return res, err
	}
	res.Unchanged = len(req.Entries) - len(changed)
	if len(changed) == 0 {
		logger.Debug(ctx, component, "short_circuit", slog.String("status", "noop"), slog.String("tip", tip))
		res.NoOp = true
		res.CommitSHA = tip
		return res, nil
	}

	blobs, err := e.stage(ctx, req, changed)
	if err != nil {
		return res, err
	}

	records := make([]github.TreeEntry, len(changed))
	for i, entry := range changed {
		records[i] = github.BlobEntry(entry.Path, modeOf(entry), blobs[i])
	}
	tree, err := e.remote.CreateTree(ctx, req.Token, req.Repo, base, records)
	if err != nil {
		return res, err
	}
	if tree == base {
		res.NoOp = true
		res.CommitSHA = tip
		res.Unchanged = len(req.Entries)
		return res, nil
	}

	msg := req.Message
	if msg == "" {
		msg = DefaultMessage
	}
	commit, err := e.remote.CreateCommit(ctx, req.Token, req.Repo, msg, tree, []string{tip})
	if err != nil {
		return res, err
	}

	// objects are in place; the ref update is the only visible step
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := e.remote.UpdateBranch(ctx, req.Token, req.Repo, res.Branch, commit, false); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return res, &apperr.Error{
				Kind: apperr.ErrConflict,
				Op:   "publish",
				Msg:  fmt.Sprintf("branch %q moved while publishing", res.Branch),
				Err:  err,
			}
		}
		return res, err
	}
	res.CommitSHA = commit
	res.Files = len(changed)
	return res, nil
}

// diff returns the entries whose blob id or mode differs from the base tree.
func (e *Engine) diff(ctx context.Context, req Request, base string) ([]archive.Entry, error) {
	tree, err := e.remote.Tree(ctx, req.Token, req.Repo, base, true)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]github.TreeEntry, len(tree.Entries))
	for _, te := range tree.Entries {
		if te.Type == "blob" && te.SHA != nil {
			existing[te.Path] = te
		}
	}
	if tree.Truncated {
		logger.Debug(ctx, component, "tree_truncated", slog.Int("entries", len(tree.Entries)))
	}

	changed := make([]archive.Entry, 0, len(req.Entries))
	for _, entry := range req.Entries {
		cur, ok := existing[entry.Path]
		if ok && *cur.SHA == github.BlobSHA(entry.Content) && cur.Mode == modeOf(entry) {
			continue
		}
		changed = append(changed, entry)
	}
	return changed, nil
}

// stage uploads blobs with bounded parallelism. The first failure stops the
// remaining uploads.
func (e *Engine) stage(ctx context.Context, req Request, entries []archive.Entry) ([]string, error) {
	shas := make([]string, len(entries))
	errs := make([]error, len(entries))
	started := make([]bool, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		i, entry := i, entry
		started[i] = true
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return err
			}
			sha, err := e.remote.CreateBlob(gctx, req.Token, req.Repo, entry.Content)
			if err == nil && sha != github.BlobSHA(entry.Content) {
				err = apperr.New(apperr.ErrInternal, "create blob", "blob id mismatch for %q", entry.Path)
			}
			if err != nil {
				errs[i] = err
				return err
			}
			shas[i] = sha
			return nil
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err == nil {
		return shas, nil
	}

	se := &StageError{Total: len(entries)}
	for i, entry := range entries {
		switch {
		case errs[i] != nil && !errors.Is(errs[i], context.Canceled):
			se.Failed = append(se.Failed, EntryFailure{Path: entry.Path, Err: errs[i]})
		case !started[i] || errs[i] != nil:
			se.Unstaged = append(se.Unstaged, entry.Path)
		case shas[i] != "":
			se.Staged++
		}
	}
	logger.Warn(ctx, component, "stage_failed",
		slog.String("status", "fail"),
		slog.Int("failed", len(se.Failed)),
		slog.Int("unstaged", len(se.Unstaged)),
		slog.Int("staged", se.Staged),
	)
	return nil, se
}

func modeOf(e archive.Entry) string {
	if e.Executable {
		return github.ModeExecutable
	}
	return github.ModeFile
}

// notFound rewrites a NotFound error with a message naming the missing object.
func notFound(err error, format string, args ...any) error {
	if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return &apperr.Error{Kind: apperr.ErrNotFound, Op: "publish", Msg: fmt.Sprintf(format, args...), Err: err}
}
