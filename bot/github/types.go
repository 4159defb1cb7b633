package github

import (
	"fmt"
	"strings"
)

// RepoRef identifies a repository as owner/name.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

// ParseRepo accepts "owner/name", with optional surrounding spaces, a trailing
// ".git", or a github.com URL prefix.
func ParseRepo(s string) (RepoRef, error) {
	s = strings.TrimSpace(s)
	for _, p := range []string{"https://github.com/", "http://github.com/", "github.com/"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	owner, name, ok := strings.Cut(s, "/")
	if !ok || !validSegment(owner) || !validSegment(name) {
		return RepoRef{}, fmt.Errorf("expected owner/repository, got %q", s)
	}
	return RepoRef{Owner: owner, Name: name}, nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." || len(s) > 100 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// User is the identity behind a token.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
	Name  string `json:"name"`
}

// Repo is the repository metadata the bot needs.
type Repo struct {
	FullName      string `json:"full_name"`
	Name          string `json:"name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// Ref returns the coordinate of r.
func (r Repo) Ref() RepoRef {
	return RepoRef{Owner: r.Owner.Login, Name: r.Name}
}

// Commit is a git commit object.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Tree    struct {
		SHA string `json:"sha"`
	} `json:"tree"`
	Parents []struct {
		SHA string `json:"sha"`
	} `json:"parents"`
}

// Git file modes.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeDir        = "040000"
)

// TreeEntry is one record of a git tree. A nil SHA in a create-tree request deletes the path.
type TreeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
	Size int64   `json:"size,omitempty"`
}

// Tree is a git tree listing.
type Tree struct {
	SHA       string      `json:"sha"`
	Entries   []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// BlobEntry builds a tree entry pointing path at blob sha.
func BlobEntry(path, mode, sha string) TreeEntry {
	return TreeEntry{Path: path, Mode: mode, Type: "blob", SHA: &sha}
}
