// Package archive turns an uploaded ZIP into a checked list of files.
//
// Archives are extracted into a private scratch directory owned by the
// returned Handle. Every failure path removes that directory; on success the
// caller releases it with Handle.Release.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/gitpush/bot/apperr"
	"github.com/m3rciful/gitpush/core/logger"
)

const component = "archive"

// Defaults applied to zero Options.
const (
	DefaultMaxFiles      = 5000
	DefaultMaxTotalBytes = 200 << 20
)

// Entry is one file ready for publishing.
type Entry struct {
	Path       string
	Content    []byte
	Executable bool
}

type member struct {
	path       string
	size       int64
	executable bool
}

// Handle owns an extracted archive.
type Handle struct {
	dir     string
	members []member
	total   int64

	mu       sync.Mutex
	released bool
}

// Dir is the scratch directory holding the extracted files.
func (h *Handle) Dir() string { return h.dir }

// Len reports the number of files.
func (h *Handle) Len() int { return len(h.members) }

// Size reports the total uncompressed size.
func (h *Handle) Size() int64 { return h.total }

// Files lists the relative paths in sorted order.
func (h *Handle) Files() []string {
	out := make([]string, len(h.members))
	for i, m := range h.members {
		out[i] = m.path
	}
	return out
}

// Entries reads every file back from scratch storage.
func (h *Handle) Entries(ctx context.Context) ([]Entry, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return nil, apperr.New(apperr.ErrInternal, "read archive", "archive already released")
	}
	out := make([]Entry, 0, len(h.members))
	for _, m := range h.members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(h.dir, filepath.FromSlash(m.path)))
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrInternal, "read archive", err)
		}
		out = append(out, Entry{Path: m.path, Content: data, Executable: m.executable})
	}
	return out, nil
}

// Release removes the scratch directory. Later calls are no-ops.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return os.RemoveAll(h.dir)
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Options bounds extraction.
type Options struct {
	ScratchDir    string
	MaxFiles      int
	MaxTotalBytes int64
}

// Normalizer extracts archives according to Options.
type Normalizer struct {
	opts Options
}

// New returns a Normalizer. An empty ScratchDir uses the system temp directory.
func New(opts Options) *Normalizer {
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = DefaultMaxTotalBytes
	}
	return &Normalizer{opts: opts}
}

// NormalizeFile extracts the ZIP stored at name.
func (n *Normalizer) NormalizeFile(ctx context.Context, name string) (*Handle, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "open archive", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "open archive", err)
	}
	zr, err := zip.NewReader(f, st.Size())
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, apperr.Validation("open archive", "the file is not a valid ZIP archive")
	}
	return n.extract(ctx, zr)
}

// Normalize extracts a ZIP held in memory.
func (n *Normalizer) Normalize(ctx context.Context, data []byte) (*Handle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, apperr.Validation("open archive", "the file is not a valid ZIP archive")
	}
	return n.extract(ctx, zr)
}

func (n *Normalizer) extract(ctx context.Context, zr *zip.Reader) (_ *Handle, err error) {
	start := time.Now()
	plan, err := n.plan(zr.File)
	if err != nil {
		logger.Warn(ctx, component, "rejected", slog.String("status", "fail"), slog.String("err", err.Error()))
		return nil, err
	}

	if err := os.MkdirAll(n.opts.ScratchDir, 0o700); err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "extract archive", err)
	}
	dir := filepath.Join(n.opts.ScratchDir, "gitpush-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "extract archive", err)
	}
	h := &Handle{dir: dir}
	defer func() {
		if err != nil {
			_ = h.Release()
		}
	}()

	budget := n.opts.MaxTotalBytes
	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		written, err := writeMember(dir, p, budget)
		if err != nil {
			return nil, err
		}
		budget -= written
		h.total += written
		h.members = append(h.members, member{path: p.path, size: written, executable: p.file.Mode()&0o111 != 0})
	}

	logger.Info(ctx, component, "extracted",
		slog.String("status", "ok"),
		slog.Int("files", len(h.members)),
		slog.Int64("bytes", h.total),
		slog.Duration("duration", time.Since(start)),
	)
	return h, nil
}

type planned struct {
	path string
	file *zip.File
}

// plan validates every member and resolves the effective paths.
func (n *Normalizer) plan(files []*zip.File) ([]planned, error) {
	const op = "read archive"
	var (
		out      []planned
		declared uint64
	)
	for _, f := range files {
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") || skipped(name) {
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil, apperr.Validation(op, "%q is a symbolic link", f.Name)
		}
		if !f.Mode().IsRegular() {
			return nil, apperr.Validation(op, "%q is not a regular file", f.Name)
		}
		clean, err := CleanPath(name)
		if err != nil {
			return nil, err
		}
		out = append(out, planned{path: clean, file: f})
		if len(out) > n.opts.MaxFiles {
			return nil, apperr.Validation(op, "the archive holds more than %d files", n.opts.MaxFiles)
		}
		declared += f.UncompressedSize64
		if declared > uint64(n.opts.MaxTotalBytes) {
			return nil, apperr.Validation(op, "the archive expands beyond %d bytes", n.opts.MaxTotalBytes)
		}
	}
	if len(out) == 0 {
		return nil, apperr.Validation(op, "the archive contains no files")
	}

	if root, ok := singleRoot(out); ok {
		for i := range out {
			out[i].path = strings.TrimPrefix(out[i].path, root+"/")
		}
	}

	seen := make(map[string]struct{}, len(out))
	for _, p := range out {
		if _, dup := seen[p.path]; dup {
			return nil, apperr.Validation(op, "duplicate path %q", p.path)
		}
		seen[p.path] = struct{}{}
	}
	for _, p := range out {
		for dir := path.Dir(p.path); dir != "."; dir = path.Dir(dir) {
			if _, clash := seen[dir]; clash {
				return nil, apperr.Validation(op, "%q is both a file and a directory", dir)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// singleRoot reports the wrapping directory when every file sits below the
// same top-level directory.
func singleRoot(files []planned) (string, bool) {
	var root string
	for _, p := range files {
		top, _, nested := strings.Cut(p.path, "/")
		if !nested {
			return "", false
		}
		if root == "" {
			root = top
		} else if top != root {
			return "", false
		}
	}
	return root, root != ""
}

// skipped filters metadata that archivers add on their own.
func skipped(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || path.Base(name) == ".DS_Store"
}

func writeMember(dir string, p planned, budget int64) (int64, error) {
	target := filepath.Join(dir, filepath.FromSlash(p.path))
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, apperr.Wrap(apperr.ErrInternal, "extract archive", err)
	}
	rc, err := p.file.Open()
	if err != nil {
		return 0, apperr.Validation("extract archive", "cannot read %q: %v", p.path, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrInternal, "extract archive", err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	switch {
	case errors.Is(err, zip.ErrChecksum), errors.Is(err, zip.ErrFormat):
		return 0, apperr.Validation("extract archive", "%q is corrupt", p.path)
	case err != nil:
		return 0, apperr.Wrap(apperr.ErrInternal, "extract archive", err)
	case n > budget:
		return 0, apperr.Validation("extract archive", "the archive expands beyond its size limit")
	}
	return n, nil
}

// CleanPath normalizes a slash separated relative path. Absolute paths,
// parent traversal and .git segments are rejected.
func CleanPath(p string) (string, error) {
	const op = "check path"
	raw := strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if raw == "" {
		return "", apperr.Validation(op, "empty path")
	}
	if strings.HasPrefix(raw, "/") || (len(raw) > 1 && raw[1] == ':') {
		return "", apperr.Validation(op, "%q is an absolute path", p)
	}
	if strings.ContainsRune(raw, 0) {
		return "", apperr.Validation(op, "%q contains a NUL byte", p)
	}
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "..":
			return "", apperr.Validation(op, "%q escapes the destination", p)
		case ".git":
			return "", apperr.Validation(op, "%q points inside .git", p)
		}
	}
	clean := path.Clean(raw)
	if clean == "." {
		return "", apperr.Validation(op, "%q names no file", p)
	}
	return clean, nil
}

// CleanDir normalizes a destination directory. "", "/" and "." mean the root
// and yield "".
func CleanDir(dir string) (string, error) {
	d := strings.Trim(strings.TrimSpace(strings.ReplaceAll(dir, `\`, "/")), "/")
	if d == "" || d == "." {
		return "", nil
	}
	return CleanPath(d)
}

// Prefix places entries below dir.
func Prefix(entries []Entry, dir string) ([]Entry, error) {
	d, err := CleanDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e
		if d != "" {
			out[i].Path = d + "/" + e.Path
		}
	}
	return out, nil
}

// Describe returns a short human summary such as "12 files, 3.4 KiB".
func (h *Handle) Describe() string {
	return fmt.Sprintf("%d files, %s", h.Len(), HumanBytes(h.total))
}

// HumanBytes formats n with a binary unit.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
