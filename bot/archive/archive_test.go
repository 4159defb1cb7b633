package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/gitpush/bot/apperr"
)

type zipFile struct {
	name string
	body string
	mode fs.FileMode
}

func makeZip(t *testing.T, files ...zipFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.name, Method: zip.Deflate}
		if f.mode != 0 {
			hdr.SetMode(f.mode)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func scratchEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	list, err := os.ReadDir(dir)
	require.NoError(t, err)
	return list
}

func TestNormalizeFlattensSingleRoot(t *testing.T) {
	scratch := t.TempDir()
	n := New(Options{ScratchDir: scratch})
	data := makeZip(t,
		zipFile{name: "project-main/"},
		zipFile{name: "project-main/README.md", body: "# hi\n"},
		zipFile{name: "project-main/cmd/run.sh", body: "#!/bin/sh\n", mode: 0o755},
		zipFile{name: "__MACOSX/project-main/._README.md", body: "junk"},
	)

	h, err := n.Normalize(context.Background(), data)
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, []string{"README.md", "cmd/run.sh"}, h.Files())
	entries, err := h.Entries(context.Background())
	require.NoError(t, err)
	want := []Entry{
		{Path: "README.md", Content: []byte("# hi\n")},
		{Path: "cmd/run.sh", Content: []byte("#!/bin/sh\n"), Executable: true},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(15), h.Size())
	assert.Equal(t, "2 files, 15 B", h.Describe())
	assert.True(t, strings.HasPrefix(h.Dir(), scratch))
}

func TestNormalizeKeepsMixedRoot(t *testing.T) {
	n := New(Options{ScratchDir: t.TempDir()})
	h, err := n.Normalize(context.Background(), makeZip(t,
		zipFile{name: "src/a.go", body: "package a"},
		zipFile{name: "go.mod", body: "module a"},
	))
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, []string{"go.mod", "src/a.go"}, h.Files())
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name  string
		files []zipFile
		opts  Options
		msg   string
	}{
		{name: "traversal", files: []zipFile{{name: "a/../../etc/passwd", body: "x"}}, msg: "escapes"},
		{name: "absolute", files: []zipFile{{name: "/etc/passwd", body: "x"}}, msg: "absolute"},
		{name: "windows absolute", files: []zipFile{{name: `C:\evil.txt`, body: "x"}}, msg: "absolute"},
		{name: "git dir", files: []zipFile{{name: ".git/config", body: "x"}}, msg: ".git"},
		{name: "symlink", files: []zipFile{{name: "link", body: "/etc/passwd", mode: fs.ModeSymlink | 0o777}}, msg: "symbolic link"},
		{name: "duplicate", files: []zipFile{{name: "a.txt", body: "1"}, {name: "a.txt", body: "2"}}, msg: "duplicate"},
		{name: "file and dir", files: []zipFile{{name: "a", body: "1"}, {name: "a/b", body: "2"}}, msg: "both a file and a directory"},
		{name: "empty", files: []zipFile{{name: "dir/"}}, msg: "no files"},
		{name: "too many files", files: []zipFile{{name: "a", body: "1"}, {name: "b", body: "2"}}, opts: Options{MaxFiles: 1}, msg: "more than 1 files"},
		{name: "too large", files: []zipFile{{name: "a", body: strings.Repeat("x", 64)}}, opts: Options{MaxTotalBytes: 10}, msg: "beyond"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scratch := t.TempDir()
			tc.opts.ScratchDir = scratch
			h, err := New(tc.opts).Normalize(context.Background(), makeZip(t, tc.files...))
			require.Error(t, err)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Contains(t, err.Error(), tc.msg)
			assert.Empty(t, scratchEntries(t, scratch))
		})
	}
}

func TestNormalizeNotAZip(t *testing.T) {
	_, err := New(Options{ScratchDir: t.TempDir()}).Normalize(context.Background(), []byte("plain text"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNormalizeCancelledCleansUp(t *testing.T) {
	scratch := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{ScratchDir: scratch}).Normalize(ctx, makeZip(t, zipFile{name: "a", body: "1"}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, scratchEntries(t, scratch))
}

func TestNormalizeFileAndRelease(t *testing.T) {
	scratch := t.TempDir()
	src := filepath.Join(t.TempDir(), "upload.zip")
	require.NoError(t, os.WriteFile(src, makeZip(t, zipFile{name: "x.txt", body: "x"}), 0o600))

	h, err := New(Options{ScratchDir: scratch}).NormalizeFile(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, scratchEntries(t, scratch), 1)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	assert.True(t, h.Released())
	assert.Empty(t, scratchEntries(t, scratch))

	_, err = h.Entries(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInternal)
}

func TestCleanPath(t *testing.T) {
	ok := map[string]string{
		"a.txt":       "a.txt",
		"./a/b.txt":   "a/b.txt",
		`dir\file.go`: "dir/file.go",
		"a//b/./c":    "a/b/c",
		" docs/x.md ": "docs/x.md",
	}
	for in, want := range ok {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", ".", "/abs", "../up", "a/../../b", "a/.git/hooks", "D:/x"} {
		_, err := CleanPath(in)
		assert.ErrorIs(t, err, apperr.ErrValidation, in)
	}
}

func TestPrefix(t *testing.T) {
	in := []Entry{{Path: "a.txt"}, {Path: "src/b.go"}}

	got, err := Prefix(in, "/")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	got, err = Prefix(in, "/deploy/site/")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Path: "deploy/site/a.txt"}, {Path: "deploy/site/src/b.go"}}, got)
	assert.Equal(t, "a.txt", in[0].Path)

	_, err = Prefix(in, "../x")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", HumanBytes(512))
	assert.Equal(t, "1.5 KiB", HumanBytes(1536))
	assert.Equal(t, "2.0 MiB", HumanBytes(2<<20))
}
