package publish_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/archive"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/bot/github/githubtest"
	"github.com/m3rciful/gitpush/bot/publish"
)

const token = "ghp_test"

var site = github.RepoRef{Owner: "octo", Name: "site"}

func setup(t *testing.T, files map[string]string) (*githubtest.Server, *publish.Engine, string) {
	t.Helper()
	gh := githubtest.New(t)
	gh.AddUser(token, "octo")
	tip := gh.AddRepo(site.Owner, site.Name, "main", files)
	return gh, publish.New(gh.Client(t), publish.Options{BlobConcurrency: 2}), tip
}

func entries(kv ...string) []archive.Entry {
	out := make([]archive.Entry, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, archive.Entry{Path: kv[i], Content: []byte(kv[i+1])})
	}
	return out
}

func TestPublishBuildsCommitOnTip(t *testing.T) {
	gh, eng, c0 := setup(t, map[string]string{"b.txt": "hi", "docs/keep.md": "keep"})
	t0 := gh.TreeOf(site.Owner, site.Name, c0)

	res, err := eng.Publish(context.Background(), publish.Request{
		Repo:    site,
		Branch:  "main",
		Entries: entries("a.txt", "hi", "b.txt", "bye"),
		Message: "sync",
		Token:   token,
	})
	require.NoError(t, err)

	c1 := res.CommitSHA
	assert.Equal(t, c1, gh.Tip(site.Owner, site.Name, "main"))
	assert.Equal(t, []string{c0}, gh.Parents(site.Owner, site.Name, c1))
	assert.NotEqual(t, t0, gh.TreeOf(site.Owner, site.Name, c1))
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 0, res.Unchanged)
	assert.False(t, res.NoOp)

	want := map[string]string{"a.txt": "hi", "b.txt": "bye", "docs/keep.md": "keep"}
	if diff := cmp.Diff(want, gh.Files(site.Owner, site.Name, "main")); diff != "" {
		t.Fatalf("branch content mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, gh.Calls(githubtest.OpCreateBlob))
	assert.Equal(t, 1, gh.Calls(githubtest.OpCreateTree))
	assert.Equal(t, 1, gh.Calls(githubtest.OpCreateCommit))
	assert.Equal(t, 1, gh.Calls(githubtest.OpUpdateRef))
}

func TestPublishTwiceIsNoOp(t *testing.T) {
	gh, eng, _ := setup(t, map[string]string{"README.md": "old"})
	req := publish.Request{Repo: site, Branch: "main", Entries: entries("README.md", "new", "src/app.go", "package app"), Token: token}

	first, err := eng.Publish(context.Background(), req)
	require.NoError(t, err)
	second, err := eng.Publish(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.NoOp)
	assert.Equal(t, first.CommitSHA, second.CommitSHA)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 2, gh.Calls(githubtest.OpCreateBlob))
	assert.Equal(t, 1, gh.Calls(githubtest.OpCreateCommit))
	assert.Equal(t, 1, gh.Calls(githubtest.OpUpdateRef))
}

func TestPublishOnlyUploadsChangedEntries(t *testing.T) {
	gh, eng, _ := setup(t, map[string]string{"same.txt": "same", "run.sh": "echo"})
	req := publish.Request{Repo: site, Branch: "main", Token: token, Entries: []archive.Entry{
		{Path: "same.txt", Content: []byte("same")},
		{Path: "run.sh", Content: []byte("echo"), Executable: true},
	}}

	res, err := eng.Publish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, github.ModeExecutable, gh.Modes(site.Owner, site.Name, "main")["run.sh"])
}

func TestPublishResolvesDefaultBranch(t *testing.T) {
	gh := githubtest.New(t)
	gh.AddUser(token, "octo")
	gh.AddRepo("octo", "lib", "trunk", map[string]string{"x": "1"})
	eng := publish.New(gh.Client(t), publish.Options{})

	res, err := eng.Publish(context.Background(), publish.Request{
		Repo:    github.RepoRef{Owner: "octo", Name: "lib"},
		Entries: entries("x", "2"),
		Token:   token,
	})
	require.NoError(t, err)
	assert.Equal(t, "trunk", res.Branch)
	assert.Equal(t, map[string]string{"x": "2"}, gh.Files("octo", "lib", "trunk"))
}

func TestPublishNotFound(t *testing.T) {
	gh, eng, _ := setup(t, map[string]string{"a": "1"})
	gh.AddRepo("octo", "empty", "main", nil)

	_, err := eng.Publish(context.Background(), publish.Request{Repo: site, Branch: "dev", Entries: entries("a", "2"), Token: token})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, apperr.Message(err), `branch "dev"`)

	_, err = eng.Publish(context.Background(), publish.Request{Repo: github.RepoRef{Owner: "octo", Name: "empty"}, Branch: "main", Entries: entries("a", "2"), Token: token})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = eng.Publish(context.Background(), publish.Request{Repo: github.RepoRef{Owner: "octo", Name: "nope"}, Entries: entries("a", "2"), Token: token})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPublishPartialFailureCommitsNothing(t *testing.T) {
	gh := githubtest.New(t)
	gh.AddUser(token, "octo")
	c0 := gh.AddRepo(site.Owner, site.Name, "main", map[string]string{"keep": "k"})
	eng := publish.New(gh.Client(t), publish.Options{BlobConcurrency: 1})
	gh.FailBlobs(func(content []byte) bool { return string(content) == "boom" })

	_, err := eng.Publish(context.Background(), publish.Request{
		Repo: site, Branch: "main", Token: token,
		Entries: entries("a.txt", "fine", "bad.txt", "boom", "z.txt", "later"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPartialFailure)
	assert.Equal(t, "PARTIAL_FAILURE", apperr.Code(err))

	var se *publish.StageError
	require.True(t, errors.As(err, &se))
	require.Len(t, se.Failed, 1)
	assert.Equal(t, "bad.txt", se.Failed[0].Path)
	assert.ErrorIs(t, se.Failed[0].Err, apperr.ErrInternal)
	assert.Equal(t, []string{"z.txt"}, se.Unstaged)
	assert.Equal(t, 1, se.Staged)
	assert.Equal(t, []string{"bad.txt", "z.txt"}, se.Paths())

	assert.Equal(t, c0, gh.Tip(site.Owner, site.Name, "main"))
	assert.Equal(t, map[string]string{"keep": "k"}, gh.Files(site.Owner, site.Name, "main"))
	assert.Zero(t, gh.Calls(githubtest.OpCreateTree))
	assert.Zero(t, gh.Calls(githubtest.OpUpdateRef))
}

func TestPublishConflictWhenBranchMoves(t *testing.T) {
	gh, eng, _ := setup(t, map[string]string{"a": "1"})
	var once sync.Once
	var competitor string
	gh.BeforeRefUpdate = func(owner, name, branch string) {
		once.Do(func() { competitor = gh.Push(owner, name, branch, map[string]string{"other": "x"}) })
	}

	_, err := eng.Publish(context.Background(), publish.Request{Repo: site, Branch: "main", Entries: entries("a", "2"), Token: token})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, competitor, gh.Tip(site.Owner, site.Name, "main"))
	assert.Equal(t, map[string]string{"a": "1", "other": "x"}, gh.Files(site.Owner, site.Name, "main"))
}

func TestConcurrentPublishExactlyOneWins(t *testing.T) {
	gh, eng, c0 := setup(t, map[string]string{"a": "1"})
	var arrived sync.WaitGroup
	arrived.Add(2)
	gh.BeforeRefUpdate = func(string, string, string) {
		arrived.Done()
		arrived.Wait()
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for _, body := range []string{"left", "right"} {
		body := body
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Publish(context.Background(), publish.Request{Repo: site, Branch: "main", Entries: entries("a", body), Token: token})
			switch {
			case err == nil:
				assert.Equal(t, []string{c0}, gh.Parents(site.Owner, site.Name, res.CommitSHA))
				successes.Add(1)
			case errors.Is(err, apperr.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), conflicts.Load())
	assert.Contains(t, []string{"left", "right"}, gh.Files(site.Owner, site.Name, "main")["a"])
}

func TestPublishCancelledStopsBeforeRefUpdate(t *testing.T) {
	gh := githubtest.New(t)
	gh.AddUser(token, "octo")
	c0 := gh.AddRepo(site.Owner, site.Name, "main", map[string]string{"a": "1"})
	eng := publish.New(gh.Client(t), publish.Options{BlobConcurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gh.FailBlobs(func([]byte) bool {
		cancel()
		return false
	})

	_, err := eng.Publish(ctx, publish.Request{Repo: site, Branch: "main", Entries: entries("x", "1", "y", "2", "z", "3"), Token: token})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, c0, gh.Tip(site.Owner, site.Name, "main"))
	assert.Zero(t, gh.Calls(githubtest.OpUpdateRef))
	assert.LessOrEqual(t, gh.Calls(githubtest.OpCreateBlob), 2)
}

func TestPublishRateLimited(t *testing.T) {
	gh, eng, _ := setup(t, map[string]string{"a": "1"})
	gh.RateLimitNext(1)

	_, err := eng.Publish(context.Background(), publish.Request{Repo: site, Branch: "main", Entries: entries("a", "2"), Token: token})
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	res, err := eng.Publish(context.Background(), publish.Request{Repo: site, Branch: "main", Entries: entries("a", "2"), Token: token})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
}

func TestValidate(t *testing.T) {
	ok := publish.Request{Repo: site, Token: token, Entries: entries("a/b.txt", "x")}
	require.NoError(t, publish.Validate(ok))

	cases := map[string]struct {
		mutate func(*publish.Request)
		kind   error
	}{
		"no repo":    {func(r *publish.Request) { r.Repo = github.RepoRef{} }, apperr.ErrValidation},
		"no token":   {func(r *publish.Request) { r.Token = "" }, apperr.ErrAuthentication},
		"no entries": {func(r *publish.Request) { r.Entries = nil }, apperr.ErrValidation},
		"traversal":  {func(r *publish.Request) { r.Entries = entries("../x", "1") }, apperr.ErrValidation},
		"absolute":   {func(r *publish.Request) { r.Entries = entries("/x", "1") }, apperr.ErrValidation},
		"not clean":  {func(r *publish.Request) { r.Entries = entries("a//b", "1") }, apperr.ErrValidation},
		"duplicate":  {func(r *publish.Request) { r.Entries = entries("a", "1", "a", "2") }, apperr.ErrValidation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := ok
			tc.mutate(&req)
			assert.ErrorIs(t, publish.Validate(req), tc.kind)
		})
	}
}

func TestPublishValidationTouchesNothing(t *testing.T) {
	gh, eng, _ := setup(t, map[string]string{"a": "1"})
	_, err := eng.Publish(context.Background(), publish.Request{Repo: site, Branch: "main", Entries: entries("../a", "2"), Token: token})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, gh.Calls(githubtest.OpCreateBlob))
}

func TestStageErrorMessage(t *testing.T) {
	se := &publish.StageError{Total: 3, Failed: []publish.EntryFailure{{Path: "x", Err: errors.New("boom")}}, Unstaged: []string{"y"}}
	assert.Equal(t, "publish: 2 of 3 files could not be staged: x: boom", se.Error())
}
