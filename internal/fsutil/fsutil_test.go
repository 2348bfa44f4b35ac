package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")

	require.NoError(t, AtomicWriteJSON(path, map[string]int{"a": 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/w", "/w", true},
		{"/w", "/w/a/b.txt", true},
		{"/w", "/w/../x", false},
		{"/w", "/wx/file", false},
		{"/w", "/other", false},
		{"/w", "/w/..foo", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Within(tt.root, tt.path), "%s in %s", tt.path, tt.root)
	}
}

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "link")))

	_, err := ResolveWithin(root, "../escape")
	assert.Error(t, err)

	_, err = ResolveWithin(root, "/etc/passwd")
	assert.Error(t, err)

	_, err = ResolveWithin(root, "link")
	assert.Error(t, err, "symlink pointing outside is rejected")

	got, err := ResolveWithin(root, "new/file.txt")
	require.NoError(t, err)
	resolvedRoot, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, filepath.Join(resolvedRoot, "new", "file.txt"), got)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755))

	dst := filepath.Join(dir, "a", "b", "dst.sh")
	require.NoError(t, CopyFile(src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	assert.Error(t, CopyFile(dir, filepath.Join(dir, "copy")), "directories are rejected")
}
