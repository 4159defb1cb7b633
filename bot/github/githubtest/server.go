// Package githubtest serves an in-memory GitHub git data API over httptest.
//
// Objects are content addressed: blobs use real git blob ids, trees and commits
// use stable hashes of their content. Branch updates enforce fast-forward unless
// forced, which is enough to exercise conflict handling.
package githubtest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/m3rciful/gitpush/bot/github"
)

// Counted operations.
const (
	OpCreateBlob   = "create_blob"
	OpCreateTree   = "create_tree"
	OpCreateCommit = "create_commit"
	OpUpdateRef    = "update_ref"
	OpDeleteRepo   = "delete_repo"
	OpGetUser      = "get_user"
)

type file struct {
	mode string
	sha  string
}

type commit struct {
	tree    string
	parents []string
	message string
}

type repo struct {
	meta    github.Repo
	blobs   map[string][]byte
	trees   map[string]map[string]file
	commits map[string]commit
	refs    map[string]string
}

// Server is a fake GitHub. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	users     map[string]github.User
	repos     map[string]*repo
	calls     map[string]int
	seq       int
	rateLimit int
	failBlob  func([]byte) bool

	// BeforeRefUpdate runs before a branch update is applied, without the
	// server lock held. Tests use it to move the branch concurrently.
	BeforeRefUpdate func(owner, name, branch string)
}

// New starts a fake server that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		users: make(map[string]github.User),
		repos: make(map[string]*repo),
		calls: make(map[string]int),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Client returns a github.Client pointed at s.
func (s *Server) Client(t testing.TB) *github.Client {
	t.Helper()
	c, err := github.New(github.Options{BaseURL: s.URL, HTTPClient: s.Server.Client()})
	if err != nil {
		t.Fatalf("github client: %v", err)
	}
	return c
}

// AddUser registers token as belonging to login.
func (s *Server) AddUser(token, login string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.users[token] = github.User{Login: login, ID: int64(s.seq)}
}

// AddRepo creates owner/name. With files non-nil the default branch gets an
// initial commit holding them; with nil files the repository is empty.
// It returns the initial commit id, or "" for an empty repository.
func (s *Server) AddRepo(owner, name, defaultBranch string, files map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &repo{
		blobs:   make(map[string][]byte),
		trees:   make(map[string]map[string]file),
		commits: make(map[string]commit),
		refs:    make(map[string]string),
	}
	r.meta.Name = name
	r.meta.FullName = owner + "/" + name
	r.meta.Owner.Login = owner
	r.meta.DefaultBranch = defaultBranch
	r.meta.HTMLURL = "https://github.com/" + owner + "/" + name
	s.repos[owner+"/"+name] = r
	if files == nil {
		return ""
	}
	tree := r.putTree(s.stage(r, files, map[string]file{}))
	sha := s.putCommit(r, commit{tree: tree, message: "initial"})
	r.refs[defaultBranch] = sha
	return sha
}

// Push commits files on top of branch as if another client had pushed.
func (s *Server) Push(owner, name, branch string, files map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repos[owner+"/"+name]
	tip := r.refs[branch]
	base := map[string]file{}
	var parents []string
	if tip != "" {
		base = r.trees[r.commits[tip].tree]
		parents = []string{tip}
	}
	tree := r.putTree(s.stage(r, files, base))
	sha := s.putCommit(r, commit{tree: tree, parents: parents, message: "push"})
	r.refs[branch] = sha
	return sha
}

// Tip returns the commit branch points at.
func (s *Server) Tip(owner, name, branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.repos[owner+"/"+name]; r != nil {
		return r.refs[branch]
	}
	return ""
}

// TreeOf returns the tree id of a commit.
func (s *Server) TreeOf(owner, name, sha string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repos[owner+"/"+name].commits[sha].tree
}

// Parents returns the parents of a commit.
func (s *Server) Parents(owner, name, sha string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.repos[owner+"/"+name].commits[sha].parents...)
}

// Files returns path to content at the tip of branch.
func (s *Server) Files(owner, name, branch string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repos[owner+"/"+name]
	out := make(map[string]string)
	tip, ok := r.refs[branch]
	if !ok {
		return out
	}
	for p, f := range r.trees[r.commits[tip].tree] {
		out[p] = string(r.blobs[f.sha])
	}
	return out
}

// Modes returns path to git mode at the tip of branch.
func (s *Server) Modes(owner, name, branch string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repos[owner+"/"+name]
	out := make(map[string]string)
	for p, f := range r.trees[r.commits[r.refs[branch]].tree] {
		out[p] = f.mode
	}
	return out
}

// Exists reports whether owner/name is present.
func (s *Server) Exists(owner, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.repos[owner+"/"+name]
	return ok
}

// Calls returns how many times op was served.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// FailBlobs makes blob creation fail with 500 for contents matching fn.
func (s *Server) FailBlobs(fn func(content []byte) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBlob = fn
}

// RateLimitNext answers the next n requests with a primary rate limit error.
func (s *Server) RateLimitNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = n
}

func (s *Server) stage(r *repo, files map[string]string, base map[string]file) map[string]file {
	next := make(map[string]file, len(base)+len(files))
	for p, f := range base {
		next[p] = f
	}
	for p, content := range files {
		sha := github.BlobSHA([]byte(content))
		r.blobs[sha] = []byte(content)
		next[p] = file{mode: github.ModeFile, sha: sha}
	}
	return next
}

func (r *repo) putTree(files map[string]file) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := sha1.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s %s %s\n", files[p].mode, files[p].sha, p)
	}
	sha := hex.EncodeToString(h.Sum(nil))
	r.trees[sha] = files
	return sha
}

func (s *Server) putCommit(r *repo, c commit) string {
	s.seq++
	h := sha1.New()
	fmt.Fprintf(h, "%s %v %s %d", c.tree, c.parents, c.message, s.seq)
	sha := hex.EncodeToString(h.Sum(nil))
	r.commits[sha] = c
	return sha
}

// descends reports whether sha has ancestor in its history.
func (r *repo) descends(sha, ancestor string) bool {
	seen := map[string]bool{}
	queue := []string{sha}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == ancestor {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, r.commits[cur].parents...)
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.ReplaceAll(s, "\n", ""))
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}
