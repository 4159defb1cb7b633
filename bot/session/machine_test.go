package session

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/gitpush/bot/accounts"
	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/bot/archive"
	"github.com/m3rciful/gitpush/bot/github"
	"github.com/m3rciful/gitpush/bot/github/githubtest"
	"github.com/m3rciful/gitpush/bot/publish"
)

const (
	alice = int64(101)
	bob   = int64(202)
	token = "ghp_alice"
)

type event struct {
	kind   string
	user   int64
	text   string
	prompt Prompt
	sum    Summary
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Prompt(_ context.Context, uid int64, p Prompt) error {
	return r.add(event{kind: "prompt", user: uid, prompt: p, text: p.Text})
}

func (r *recorder) Succeeded(_ context.Context, uid int64, s Summary) error {
	return r.add(event{kind: "ok", user: uid, sum: s, text: s.Text})
}

func (r *recorder) Failed(_ context.Context, uid int64, reason string) error {
	return r.add(event{kind: "fail", user: uid, text: reason})
}

func (r *recorder) Info(_ context.Context, uid int64, text string) error {
	return r.add(event{kind: "info", user: uid, text: text})
}

func (r *recorder) last(uid int64) event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].user == uid {
			return r.events[i]
		}
	}
	return event{}
}

func (r *recorder) lastOf(uid int64, kind string) event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].user == uid && r.events[i].kind == kind {
			return r.events[i]
		}
	}
	return event{}
}

func (r *recorder) count(uid int64, kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.user == uid && e.kind == kind {
			n++
		}
	}
	return n
}

type fakeCreds struct {
	mu     sync.Mutex
	tokens map[int64]string
}

func (f *fakeCreds) set(uid int64, secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[uid] = secret
}

func (f *fakeCreds) Add(_ context.Context, uid int64, secret string) (accounts.Identity, error) {
	if !strings.HasPrefix(secret, "ghp_") {
		return accounts.Identity{}, apperr.New(apperr.ErrAuthentication, "credential", "GitHub rejected this token")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[uid]; !ok {
		f.tokens[uid] = secret
	}
	return accounts.Identity{Login: "octo"}, nil
}

func (f *fakeCreds) AddActive(ctx context.Context, uid int64, secret string) (accounts.Identity, error) {
	id, err := f.Add(ctx, uid, secret)
	if err == nil {
		f.set(uid, secret)
	}
	return id, err
}

func (f *fakeCreds) GetActive(_ context.Context, uid int64) (*accounts.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, ok := f.tokens[uid]
	if !ok {
		return nil, nil
	}
	return &accounts.Credential{UserID: uid, Secret: secret, Active: true}, nil
}

func (f *fakeCreds) Recipients(context.Context) ([]int64, error) {
	return []int64{alice, bob, 303}, nil
}

type fakeBroadcaster struct{ text string }

func (b *fakeBroadcaster) Broadcast(_ context.Context, ids []int64, text string) (int, error) {
	b.text = text
	return len(ids) - 1, nil
}

type fixture struct {
	gh    *githubtest.Server
	m     *Machine
	rec   *recorder
	creds *fakeCreds
	bc    *fakeBroadcaster
}

func setup(t *testing.T, retries int) *fixture {
	t.Helper()
	gh := githubtest.New(t)
	gh.AddUser(token, "octo")
	gh.AddRepo("octo", "site", "main", map[string]string{"README.md": "hello"})

	client := gh.Client(t)
	f := &fixture{
		gh:    gh,
		rec:   &recorder{},
		creds: &fakeCreds{tokens: map[int64]string{alice: token}},
		bc:    &fakeBroadcaster{},
	}
	f.m = New(Deps{
		Credentials: f.creds,
		Publisher:   publish.New(client, publish.Options{BlobConcurrency: 2}),
		Repos:       client,
		Extractor:   archive.New(archive.Options{ScratchDir: t.TempDir()}),
		Broadcaster: f.bc,
		Notifier:    f.rec,
	}, Options{
		PublishRetries: retries,
		RetryBackoff:   time.Millisecond,
		MaxRetryWait:   10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = f.m.Close() })
	return f
}

func (f *fixture) state(t *testing.T, uid int64) State {
	t.Helper()
	s, ok := f.m.Snapshot(uid)
	require.True(t, ok, "user %d has no session", uid)
	return s.State
}

func zipUpload(t *testing.T, name string, files map[string]string) *Upload {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[n]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	data := buf.Bytes()
	return &Upload{
		Name: name,
		Size: int64(len(data)),
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// toPath drives alice's publish flow up to the destination prompt.
func (f *fixture) toPath(t *testing.T) *archive.Handle {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.m.Begin(ctx, alice, FlowPublish))
	require.Equal(t, AwaitingTarget, f.state(t, alice))
	require.NoError(t, f.m.Handle(ctx, alice, Text("octo/site")))
	require.Equal(t, AwaitingArchive, f.state(t, alice))
	upload := zipUpload(t, "site.zip", map[string]string{
		"site/index.html":   "<h1>hi</h1>",
		"site/css/main.css": "body{}",
	})
	require.NoError(t, f.m.Handle(ctx, alice, File(upload)))
	s, ok := f.m.Snapshot(alice)
	require.True(t, ok)
	require.Equal(t, AwaitingDestinationPath, s.State)
	require.NotNil(t, s.Archive)
	return s.Archive
}

func TestPublishFlowCommitsArchive(t *testing.T) {
	f := setup(t, 0)
	h := f.toPath(t)
	assert.Equal(t, []string{"/"}, f.rec.last(alice).prompt.Options)

	require.NoError(t, f.m.Handle(context.Background(), alice, Text("docs/")))
	f.m.Wait()

	last := f.rec.last(alice)
	require.Equal(t, "ok", last.kind, last.text)
	require.NotNil(t, last.sum.Result)
	assert.Equal(t, 2, last.sum.Result.Files)
	assert.Equal(t, "main", last.sum.Result.Branch)
	assert.False(t, f.m.InProgress(alice))
	assert.True(t, h.Released())

	want := map[string]string{
		"README.md":         "hello",
		"docs/index.html":   "<h1>hi</h1>",
		"docs/css/main.css": "body{}",
	}
	if diff := cmp.Diff(want, f.gh.Files("octo", "site", "main")); diff != "" {
		t.Fatalf("branch content mismatch (-want +got):\n%s", diff)
	}
}

func TestMissingCredentialIsRequested(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	require.NoError(t, f.m.Begin(ctx, bob, FlowPublish))
	assert.Equal(t, AwaitingCredential, f.state(t, bob))

	require.NoError(t, f.m.Handle(ctx, bob, Text("not-a-token")))
	assert.Equal(t, AwaitingCredential, f.state(t, bob))
	assert.Contains(t, f.rec.last(bob).prompt.Reason, "GitHub rejected this token")

	require.NoError(t, f.m.Handle(ctx, bob, Text("ghp_bob")))
	assert.Equal(t, AwaitingTarget, f.state(t, bob))
}

func TestSessionsAreIsolated(t *testing.T) {
	f := setup(t, 0)
	f.creds.set(bob, token)
	ctx := context.Background()

	require.NoError(t, f.m.Begin(ctx, alice, FlowPublish))
	require.NoError(t, f.m.Begin(ctx, bob, FlowEditFile, WithTarget(github.RepoRef{Owner: "octo", Name: "site"}, "")))
	require.NoError(t, f.m.Handle(ctx, alice, Text("octo/site")))

	assert.Equal(t, AwaitingArchive, f.state(t, alice))
	assert.Equal(t, AwaitingDestinationPath, f.state(t, bob))
	assert.Equal(t, 2, f.m.Active())

	assert.True(t, f.m.Cancel(ctx, bob))
	assert.False(t, f.m.InProgress(bob))
	assert.Equal(t, AwaitingArchive, f.state(t, alice))
}

func TestBeginWhileBusy(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, f.m.Begin(ctx, alice, FlowPublish))
	assert.ErrorIs(t, f.m.Begin(ctx, alice, FlowDeleteRepo), ErrBusy)
	assert.Equal(t, "info", f.rec.last(alice).kind)
	assert.ErrorIs(t, f.m.Handle(ctx, bob, Text("hi")), ErrNoSession)
}

func TestCancelReleasesArchive(t *testing.T) {
	f := setup(t, 0)
	h := f.toPath(t)
	dir := h.Dir()

	require.NoError(t, f.m.Handle(context.Background(), alice, Text("/cancel")))
	assert.False(t, f.m.InProgress(alice))
	assert.True(t, h.Released())
	assert.NoDirExists(t, dir)
	assert.Equal(t, msgCancelled, f.rec.last(alice).text)
	assert.False(t, f.m.Cancel(context.Background(), alice))
}

func TestCancelDuringPublish(t *testing.T) {
	f := setup(t, 0)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.gh.BeforeRefUpdate = func(_, _, _ string) {
		once.Do(func() { close(entered) })
		<-unblock
	}
	t.Cleanup(func() { close(unblock) })

	h := f.toPath(t)
	ctx := context.Background()
	require.NoError(t, f.m.Handle(ctx, alice, Text("/")))
	<-entered
	assert.Equal(t, Publishing, f.state(t, alice))

	require.NoError(t, f.m.Handle(ctx, alice, Text("docs")))
	assert.Equal(t, msgPublishing, f.rec.last(alice).text)

	assert.True(t, f.m.Cancel(ctx, alice))
	f.m.Wait()
	assert.False(t, f.m.InProgress(alice))
	assert.True(t, h.Released())
	assert.Equal(t, 0, f.rec.count(alice, "ok"))
	assert.Equal(t, 0, f.rec.count(alice, "fail"))
}

func TestConflictIsRetried(t *testing.T) {
	f := setup(t, 2)
	var moved atomic.Bool
	f.gh.BeforeRefUpdate = func(owner, name, branch string) {
		if moved.CompareAndSwap(false, true) {
			f.gh.Push(owner, name, branch, map[string]string{"CHANGELOG.md": "v2"})
		}
	}

	f.toPath(t)
	require.NoError(t, f.m.Handle(context.Background(), alice, Text("/")))
	f.m.Wait()

	last := f.rec.last(alice)
	require.Equal(t, "ok", last.kind, last.text)
	assert.Equal(t, 2, last.sum.Result.Attempts)
	files := f.gh.Files("octo", "site", "main")
	assert.Equal(t, "v2", files["CHANGELOG.md"])
	assert.Equal(t, "<h1>hi</h1>", files["index.html"])
}

func TestRateLimitFailsThenRetry(t *testing.T) {
	f := setup(t, 0)
	f.toPath(t)
	f.gh.RateLimitNext(1)

	ctx := context.Background()
	require.NoError(t, f.m.Handle(ctx, alice, Text("/")))
	f.m.Wait()

	last := f.rec.lastOf(alice, "fail")
	assert.Contains(t, last.text, "rate limit")
	assert.Equal(t, []string{"retry"}, f.rec.last(alice).prompt.Options)
	s, ok := f.m.Snapshot(alice)
	require.True(t, ok)
	assert.Equal(t, Failed, s.State)
	assert.ErrorIs(t, s.LastErr, apperr.ErrRateLimited)
	assert.False(t, s.Archive.Released())

	require.NoError(t, f.m.Handle(ctx, alice, Text("retry")))
	f.m.Wait()
	assert.Equal(t, "ok", f.rec.last(alice).kind)
	assert.Equal(t, "<h1>hi</h1>", f.gh.Files("octo", "site", "main")["index.html"])
}

func TestFailedAcceptsNewPath(t *testing.T) {
	f := setup(t, 0)
	f.toPath(t)
	f.gh.FailBlobs(func(b []byte) bool { return string(b) == "body{}" })

	ctx := context.Background()
	require.NoError(t, f.m.Handle(ctx, alice, Text("a")))
	f.m.Wait()
	last := f.rec.lastOf(alice, "fail")
	assert.Contains(t, last.text, "css/main.css")
	assert.Equal(t, Failed, f.state(t, alice))
	assert.Equal(t, "hello", f.gh.Files("octo", "site", "main")["README.md"])
	assert.NotContains(t, f.gh.Files("octo", "site", "main"), "a/index.html")

	f.gh.FailBlobs(nil)
	require.NoError(t, f.m.Handle(ctx, alice, Text("b")))
	f.m.Wait()
	require.Equal(t, "ok", f.rec.last(alice).kind)
	files := f.gh.Files("octo", "site", "main")
	assert.Equal(t, "body{}", files["b/css/main.css"])
	assert.NotContains(t, files, "a/index.html")
}

func TestBeginReplacesFailedSession(t *testing.T) {
	f := setup(t, 0)
	h := f.toPath(t)
	f.gh.RateLimitNext(1)
	require.NoError(t, f.m.Handle(context.Background(), alice, Text("/")))
	f.m.Wait()
	require.Equal(t, Failed, f.state(t, alice))

	require.NoError(t, f.m.Begin(context.Background(), alice, FlowAddCredential))
	assert.Equal(t, AwaitingCredential, f.state(t, alice))
	assert.True(t, h.Released())
}

func TestArchiveRejections(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, f.m.Begin(ctx, alice, FlowPublish, WithTarget(github.RepoRef{Owner: "octo", Name: "site"}, "main")))
	require.Equal(t, AwaitingArchive, f.state(t, alice))

	require.NoError(t, f.m.Handle(ctx, alice, Text("here it is")))
	assert.Equal(t, "send a .zip file as a document", f.rec.last(alice).prompt.Reason)

	require.NoError(t, f.m.Handle(ctx, alice, File(zipUpload(t, "site.tar", map[string]string{"a": "b"}))))
	assert.Contains(t, f.rec.last(alice).prompt.Reason, "is not a .zip file")

	require.NoError(t, f.m.Handle(ctx, alice, File(zipUpload(t, "evil.zip", map[string]string{"../etc/passwd": "x"}))))
	assert.Equal(t, AwaitingArchive, f.state(t, alice))
	assert.NotEmpty(t, f.rec.last(alice).prompt.Reason)
}

func TestUnknownRepositoryIsRejected(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, f.m.Begin(ctx, alice, FlowPublish))
	require.NoError(t, f.m.Handle(ctx, alice, Text("octo/missing")))
	assert.Equal(t, AwaitingTarget, f.state(t, alice))
	assert.Contains(t, f.rec.last(alice).prompt.Reason, "octo/missing was not found")

	require.NoError(t, f.m.Handle(ctx, alice, Text("not a repo at all")))
	assert.Equal(t, AwaitingTarget, f.state(t, alice))
}

func TestEditFileFlow(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, f.m.Begin(ctx, alice, FlowEditFile))
	require.NoError(t, f.m.Handle(ctx, alice, Text("https://github.com/octo/site")))
	require.Equal(t, AwaitingDestinationPath, f.state(t, alice))

	require.NoError(t, f.m.Handle(ctx, alice, Text("../escape.md")))
	assert.Equal(t, AwaitingDestinationPath, f.state(t, alice))

	require.NoError(t, f.m.Handle(ctx, alice, Text("docs/guide.md")))
	require.Equal(t, AwaitingContent, f.state(t, alice))
	require.NoError(t, f.m.Handle(ctx, alice, Text("# Guide")))
	f.m.Wait()

	require.Equal(t, "ok", f.rec.last(alice).kind)
	assert.Equal(t, "# Guide", f.gh.Files("octo", "site", "main")["docs/guide.md"])
}

func TestDeleteRepoNeedsConfirmation(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	require.NoError(t, f.m.Begin(ctx, alice, FlowDeleteRepo))
	require.NoError(t, f.m.Handle(ctx, alice, Text("octo/site")))
	require.Equal(t, ConfirmingDestructive, f.state(t, alice))
	assert.Equal(t, []string{"yes", "no"}, f.rec.last(alice).prompt.Options)

	require.NoError(t, f.m.Handle(ctx, alice, Choice("no")))
	assert.False(t, f.m.InProgress(alice))
	assert.True(t, f.gh.Exists("octo", "site"))

	require.NoError(t, f.m.Begin(ctx, alice, FlowDeleteRepo, WithTarget(github.RepoRef{Owner: "octo", Name: "site"}, "")))
	require.NoError(t, f.m.Handle(ctx, alice, Choice("yes")))
	assert.False(t, f.gh.Exists("octo", "site"))
	assert.Equal(t, "ok", f.rec.last(alice).kind)
}

func TestAddCredentialFlows(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	require.NoError(t, f.m.Begin(ctx, bob, FlowAddCredential))
	require.NoError(t, f.m.Handle(ctx, bob, Text("ghp_bob")))
	assert.Equal(t, "ok", f.rec.last(bob).kind)
	assert.False(t, f.m.InProgress(bob))

	require.NoError(t, f.m.Begin(ctx, alice, FlowAdminCredential, WithTargetUser(bob)))
	require.NoError(t, f.m.Handle(ctx, alice, Text("ghp_admin")))
	assert.Contains(t, f.rec.last(alice).text, "activated for user 202")
	cred, err := f.creds.GetActive(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "ghp_admin", cred.Secret)
}

func TestAdminFlowWithoutTargetCredential(t *testing.T) {
	f := setup(t, 0)
	require.NoError(t, f.m.Begin(context.Background(), alice, FlowPublish, WithTargetUser(303)))
	assert.False(t, f.m.InProgress(alice))
	assert.Equal(t, msgTargetNoCredential, f.rec.last(alice).text)
}

func TestBroadcastFlow(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, f.m.Begin(ctx, alice, FlowBroadcast))
	require.Equal(t, AwaitingMessage, f.state(t, alice))
	require.NoError(t, f.m.Handle(ctx, alice, Text("maintenance at noon")))

	assert.Equal(t, "maintenance at noon", f.bc.text)
	assert.Equal(t, msgBroadcast(2, 3), f.rec.last(alice).text)
	assert.False(t, f.m.InProgress(alice))
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	f := setup(t, 0)
	h := f.toPath(t)
	ctx := context.Background()

	assert.Equal(t, 0, f.m.Sweep(ctx))
	assert.True(t, f.m.InProgress(alice))

	f.m.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, f.m.Sweep(ctx))
	assert.False(t, f.m.InProgress(alice))
	assert.True(t, h.Released())
	assert.Contains(t, f.rec.last(alice).text, "expired")
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in     string
		repo   string
		branch string
		err    bool
	}{
		{in: "octo/site", repo: "octo/site"},
		{in: "octo/site@gh-pages", repo: "octo/site", branch: "gh-pages"},
		{in: " octo/site  release/v2 ", repo: "octo/site", branch: "release/v2"},
		{in: "octo/site@", err: true},
		{in: "octo/site@a..b", err: true},
		{in: "octo", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, branch, err := ParseTarget(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.repo, ref.String())
			assert.Equal(t, tt.branch, branch)
		})
	}
}

func TestDescribe(t *testing.T) {
	stage := &publish.StageError{
		Total:    4,
		Staged:   2,
		Failed:   []publish.EntryFailure{{Path: "a.txt", Err: apperr.New(apperr.ErrInternal, "blob", "boom")}},
		Unstaged: []string{"b.txt"},
	}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"cancelled", context.Canceled, msgCancelled},
		{"partial", stage, "2 of 4 files could not be uploaded (first: a.txt, b.txt). Nothing was committed."},
		{"rate limited", &apperr.Error{Kind: apperr.ErrRateLimited, RetryAfter: 30 * time.Second}, "GitHub rate limit reached. Try again in 30s."},
		{"conflict", apperr.New(apperr.ErrConflict, "publish", "moved"), "The branch changed while publishing. Nothing was overwritten; try again."},
		{"validation", apperr.Validation("path", "path %q escapes the repository", "../x"), `Path "../x" escapes the repository.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.err))
		})
	}
}
