package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddHeader(t *testing.T) {
	header := Header("GoMLX")

	got, changed := AddHeader([]byte("package foo\n"), header)
	assert.True(t, changed)
	assert.Equal(t, header+"\n\npackage foo\n", string(got))

	got, changed = AddHeader([]byte("//go:build !nogpu\n\npackage foo\n"), header)
	assert.True(t, changed)
	assert.Equal(t, "//go:build !nogpu\n\n"+header+"\n\npackage foo\n", string(got))

	_, changed = AddHeader(got, header)
	assert.False(t, changed)
}

func TestSourceFiles(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.go", "a_test.go", "gen_register.go", "notes.md", "_skip/b.go", "sub/c.go"} {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("package x\n"), 0644))
	}
	files, err := SourceFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.go"), filepath.Join(root, "sub", "c.go")}, files)
}
