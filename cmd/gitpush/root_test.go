package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/gitpush/core/buildinfo"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "gitpush "+buildinfo.String()+"\n", out)
}

func TestMigrateWithBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telegram:\n  token: \"1:x\"\nstorage:\n  driver: bolt\n"), 0o600))

	out, err := execute(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "storage driver \"bolt\" has no migrations\n", out)
}

func TestMigrateMissingConfig(t *testing.T) {
	_, err := execute(t, "migrate", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRunRejectsArgs(t *testing.T) {
	_, err := execute(t, "run", "extra")
	assert.Error(t, err)
}
