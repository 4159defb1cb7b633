package githubtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/m3rciful/gitpush/bot/github"
)

type userKey struct{}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limit, s.auth)
	r.Get("/user", s.getUser)
	r.Get("/user/repos", s.listRepos)
	r.Route("/repos/{owner}/{repo}", func(r chi.Router) {
		r.Get("/", s.getRepo)
		r.Delete("/", s.deleteRepo)
		r.Get("/git/ref/heads/*", s.getRef)
		r.Patch("/git/refs/heads/*", s.updateRef)
		r.Get("/git/commits/{sha}", s.getCommit)
		r.Get("/git/trees/{sha}", s.getTree)
		r.Post("/git/blobs", s.createBlob)
		r.Post("/git/trees", s.createTree)
		r.Post("/git/commits", s.createCommit)
	})
	return r
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		limited := s.rateLimit > 0
		if limited {
			s.rateLimit--
		}
		s.mu.Unlock()
		if limited {
			w.Header().Set("X-RateLimit-Remaining", "0")
			fail(w, http.StatusForbidden, "API rate limit exceeded for user.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		u, known := s.users[token]
		s.mu.Unlock()
		if !ok || !known {
			fail(w, http.StatusUnauthorized, "Bad credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

func userOf(r *http.Request) github.User {
	u, _ := r.Context().Value(userKey{}).(github.User)
	return u
}

// lookup resolves the repository of the request with s.mu held.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*repo, bool) {
	rp := s.repos[chi.URLParam(r, "owner")+"/"+chi.URLParam(r, "repo")]
	if rp == nil {
		fail(w, http.StatusNotFound, "Not Found")
		return nil, false
	}
	return rp, true
}

func branchParam(r *http.Request) string {
	b := chi.URLParam(r, "*")
	if un, err := url.PathUnescape(b); err == nil {
		return un
	}
	return b
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls[OpGetUser]++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, userOf(r))
}

func (s *Server) listRepos(w http.ResponseWriter, r *http.Request) {
	login := userOf(r).Login
	s.mu.Lock()
	var out []github.Repo
	for _, rp := range s.repos {
		if rp.meta.Owner.Login == login {
			out = append(out, rp.meta)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	page := atoiDefault(r.URL.Query().Get("page"), 1)
	per := atoiDefault(r.URL.Query().Get("per_page"), 30)
	from := min((page-1)*per, len(out))
	to := min(from+per, len(out))
	writeJSON(w, http.StatusOK, append([]github.Repo{}, out[from:to]...))
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rp.meta)
}

func (s *Server) deleteRepo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rp.meta.Owner.Login != userOf(r).Login {
		fail(w, http.StatusForbidden, "Must have admin rights to Repository.")
		return
	}
	s.calls[OpDeleteRepo]++
	delete(s.repos, rp.meta.FullName)
	w.WriteHeader(http.StatusNoContent)
}

type refBody struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

func newRefBody(branch, sha string) refBody {
	var b refBody
	b.Ref = "refs/heads/" + branch
	b.Object.SHA = sha
	b.Object.Type = "commit"
	return b
}

func (s *Server) getRef(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if len(rp.refs) == 0 {
		fail(w, http.StatusConflict, "Git Repository is empty.")
		return
	}
	branch := branchParam(r)
	sha, ok := rp.refs[branch]
	if !ok {
		fail(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, newRefBody(branch, sha))
}

func (s *Server) updateRef(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	branch := branchParam(r)
	if hook := s.BeforeRefUpdate; hook != nil {
		hook(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"), branch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpUpdateRef]++
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	cur, ok := rp.refs[branch]
	if !ok {
		fail(w, http.StatusUnprocessableEntity, "Reference does not exist")
		return
	}
	if _, ok := rp.commits[in.SHA]; !ok {
		fail(w, http.StatusUnprocessableEntity, "Object does not exist")
		return
	}
	if !in.Force && !rp.descends(in.SHA, cur) {
		fail(w, http.StatusUnprocessableEntity, "Update is not a fast forward")
		return
	}
	rp.refs[branch] = in.SHA
	writeJSON(w, http.StatusOK, newRefBody(branch, in.SHA))
}

func (s *Server) getCommit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sha := chi.URLParam(r, "sha")
	c, ok := rp.commits[sha]
	if !ok {
		fail(w, http.StatusNotFound, "Not Found")
		return
	}
	out := github.Commit{SHA: sha, Message: c.message}
	out.Tree.SHA = c.tree
	for _, p := range c.parents {
		out.Parents = append(out.Parents, struct {
			SHA string `json:"sha"`
		}{p})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sha := chi.URLParam(r, "sha")
	files, ok := rp.trees[sha]
	if !ok {
		fail(w, http.StatusNotFound, "Not Found")
		return
	}
	recursive := r.URL.Query().Get("recursive") != ""
	writeJSON(w, http.StatusOK, github.Tree{SHA: sha, Entries: listing(rp, files, recursive)})
}

// listing renders a flat file map as git tree entries, directories included.
func listing(rp *repo, files map[string]file, recursive bool) []github.TreeEntry {
	dirs := map[string]bool{}
	var out []github.TreeEntry
	for p, f := range files {
		parts := strings.Split(p, "/")
		for i := 1; i < len(parts); i++ {
			dir := strings.Join(parts[:i], "/")
			if (recursive || i == 1) && !dirs[dir] {
				dirs[dir] = true
				sha := github.BlobSHA([]byte("tree:" + dir))
				out = append(out, github.TreeEntry{Path: dir, Mode: github.ModeDir, Type: "tree", SHA: &sha})
			}
		}
		if !recursive && len(parts) > 1 {
			continue
		}
		e := github.BlobEntry(p, f.mode, f.sha)
		e.Size = int64(len(rp.blobs[f.sha]))
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Server) createBlob(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	content := []byte(in.Content)
	if in.Encoding == "base64" {
		var err error
		if content, err = decodeBase64(in.Content); err != nil {
			fail(w, http.StatusUnprocessableEntity, "Invalid base64 content")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpCreateBlob]++
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.failBlob != nil && s.failBlob(content) {
		fail(w, http.StatusInternalServerError, "Server Error")
		return
	}
	sha := github.BlobSHA(content)
	rp.blobs[sha] = content
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (s *Server) createTree(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BaseTree string             `json:"base_tree"`
		Tree     []github.TreeEntry `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpCreateTree]++
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	next := map[string]file{}
	if in.BaseTree != "" {
		base, ok := rp.trees[in.BaseTree]
		if !ok {
			fail(w, http.StatusUnprocessableEntity, "Invalid tree info")
			return
		}
		for p, f := range base {
			next[p] = f
		}
	}
	for _, e := range in.Tree {
		if e.SHA == nil {
			delete(next, e.Path)
			continue
		}
		if e.Mode != github.ModeFile && e.Mode != github.ModeExecutable {
			fail(w, http.StatusUnprocessableEntity, "Invalid tree info")
			return
		}
		if _, ok := rp.blobs[*e.SHA]; !ok {
			fail(w, http.StatusUnprocessableEntity, "tree.sha "+*e.SHA+" is not a valid blob")
			return
		}
		next[e.Path] = file{mode: e.Mode, sha: *e.SHA}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": rp.putTree(next)})
}

func (s *Server) createCommit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpCreateCommit]++
	rp, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if _, ok := rp.trees[in.Tree]; !ok {
		fail(w, http.StatusUnprocessableEntity, "Tree SHA does not exist")
		return
	}
	for _, p := range in.Parents {
		if _, ok := rp.commits[p]; !ok {
			fail(w, http.StatusUnprocessableEntity, "Parent SHA does not exist or is not a commit object")
			return
		}
	}
	sha := s.putCommit(rp, commit{tree: in.Tree, parents: in.Parents, message: in.Message})
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}
