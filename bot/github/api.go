package github

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"

	"github.com/m3rciful/gitpush/bot/apperr"
)

// repoPath is unescaped; Client.do assigns it to url.URL.Path.
func repoPath(r RepoRef, suffix string) string {
	return "/repos/" + r.Owner + "/" + r.Name + suffix
}

// User probes the identity behind token.
func (c *Client) User(ctx context.Context, token string) (User, error) {
	var u User
	err := c.do(ctx, call{op: "get user", method: http.MethodGet, path: "/user", token: token, out: &u})
	return u, err
}

// Repos lists repositories the token can access, most recently pushed first.
func (c *Client) Repos(ctx context.Context, token string, page, perPage int) ([]Repo, error) {
	q := url.Values{
		"sort":     {"pushed"},
		"page":     {strconv.Itoa(max(page, 1))},
		"per_page": {strconv.Itoa(min(max(perPage, 1), 100))},
	}
	var repos []Repo
	err := c.do(ctx, call{op: "list repositories", method: http.MethodGet, path: "/user/repos", query: q, token: token, out: &repos})
	return repos, err
}

// Repo reads repository metadata.
func (c *Client) Repo(ctx context.Context, token string, r RepoRef) (Repo, error) {
	var repo Repo
	err := c.do(ctx, call{op: "get repository " + r.String(), method: http.MethodGet, path: repoPath(r, ""), token: token, out: &repo})
	return repo, err
}

// DeleteRepo permanently removes a repository.
func (c *Client) DeleteRepo(ctx context.Context, token string, r RepoRef) error {
	return c.do(ctx, call{op: "delete repository " + r.String(), method: http.MethodDelete, path: repoPath(r, ""), token: token})
}

// BranchTip returns the commit sha a branch points at. An empty repository
// (409 from GitHub) reports NotFound.
func (c *Client) BranchTip(ctx context.Context, token string, r RepoRef, branch string) (string, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := c.do(ctx, call{
		op:     "read branch " + branch,
		method: http.MethodGet,
		path:   repoPath(r, "/git/ref/heads/"+branch),
		token:  token,
		out:    &ref,
	})
	if err != nil {
		return "", remap(err, http.StatusConflict, apperr.ErrNotFound)
	}
	return ref.Object.SHA, nil
}

// Commit reads a commit object.
func (c *Client) Commit(ctx context.Context, token string, r RepoRef, sha string) (Commit, error) {
	var cm Commit
	err := c.do(ctx, call{op: "read commit", method: http.MethodGet, path: repoPath(r, "/git/commits/"+sha), token: token, out: &cm})
	return cm, err
}

// Tree reads a tree object, optionally with every nested entry.
func (c *Client) Tree(ctx context.Context, token string, r RepoRef, sha string, recursive bool) (Tree, error) {
	var q url.Values
	if recursive {
		q = url.Values{"recursive": {"1"}}
	}
	var t Tree
	err := c.do(ctx, call{op: "read tree", method: http.MethodGet, path: repoPath(r, "/git/trees/"+sha), query: q, token: token, out: &t})
	return t, err
}

// CreateBlob uploads content and returns its blob sha.
func (c *Client) CreateBlob(ctx context.Context, token string, r RepoRef, content []byte) (string, error) {
	in := struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}{base64.StdEncoding.EncodeToString(content), "base64"}
	var out struct {
		SHA string `json:"sha"`
	}
	err := c.do(ctx, call{op: "create blob", method: http.MethodPost, path: repoPath(r, "/git/blobs"), token: token, body: in, out: &out})
	return out.SHA, err
}

// CreateTree creates a tree from base plus entries in a single request.
func (c *Client) CreateTree(ctx context.Context, token string, r RepoRef, base string, entries []TreeEntry) (string, error) {
	in := struct {
		BaseTree string      `json:"base_tree,omitempty"`
		Tree     []TreeEntry `json:"tree"`
	}{base, entries}
	var out struct {
		SHA string `json:"sha"`
	}
	err := c.do(ctx, call{op: "create tree", method: http.MethodPost, path: repoPath(r, "/git/trees"), token: token, body: in, out: &out})
	return out.SHA, err
}

// CreateCommit creates a commit object and returns its sha.
func (c *Client) CreateCommit(ctx context.Context, token string, r RepoRef, message, tree string, parents []string) (string, error) {
	in := struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}{message, tree, parents}
	var out struct {
		SHA string `json:"sha"`
	}
	err := c.do(ctx, call{op: "create commit", method: http.MethodPost, path: repoPath(r, "/git/commits"), token: token, body: in, out: &out})
	return out.SHA, err
}

// UpdateBranch moves a branch to sha. With force unset GitHub accepts only a
// fast-forward; a rejection is reported as Conflict.
func (c *Client) UpdateBranch(ctx context.Context, token string, r RepoRef, branch, sha string, force bool) error {
	in := struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}{sha, force}
	err := c.do(ctx, call{
		op:     "update branch " + branch,
		method: http.MethodPatch,
		path:   repoPath(r, "/git/refs/heads/"+branch),
		token:  token,
		body:   in,
	})
	return remap(err, http.StatusUnprocessableEntity, apperr.ErrConflict)
}
