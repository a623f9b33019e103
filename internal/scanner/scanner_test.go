package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byronwade/wormhole/internal/wire"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestScanListsFilesAndDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("hello, world\n"))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	writeFile(t, filepath.Join(root, "sub", "b.txt"), []byte("x"))
	writeFile(t, filepath.Join(root, ".hidden"), []byte("y"))

	tree, err := Scan(root, Options{})
	require.NoError(t, err)

	names := map[string]wire.FileType{}
	for _, c := range tree.Children {
		names[c.Name] = c.Type
	}

	assert.Equal(t, wire.FileTypeRegular, names["a.txt"])
	assert.Equal(t, wire.FileTypeDirectory, names["sub"])
	assert.Contains(t, names, ".hidden", "hidden files are included")
}

func TestScanAppliesExcludeGlobs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), []byte("a"))
	writeFile(t, filepath.Join(root, "skip.tmp"), []byte("b"))

	tree, err := Scan(root, Options{ExcludeGlobs: []string{"*.tmp"}})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, c := range tree.Children {
		names[c.Name] = true
	}
	assert.True(t, names["keep.txt"])
	assert.False(t, names["skip.tmp"])
}

func TestScanSkipsSymlinksByDefault(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	writeFile(t, target, []byte("a"))
	link := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(target, link))

	tree, err := Scan(root, Options{})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, c := range tree.Children {
		names[c.Name] = true
	}
	assert.True(t, names["real.txt"])
	assert.False(t, names["link.txt"], "symlinks are skipped by default")
}

func TestScanFollowsSymlinkWithinRoot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	writeFile(t, target, []byte("a"))
	link := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(target, link))

	tree, err := Scan(root, Options{FollowSymlinks: true})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, c := range tree.Children {
		names[c.Name] = true
	}
	assert.True(t, names["link.txt"])
}

func TestScanRecursesIntoSiblingSubdirectoriesConcurrently(t *testing.T) {
	root := t.TempDir()
	for _, sub := range []string{"a", "b", "c"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, sub), 0o755))
		writeFile(t, filepath.Join(root, sub, "leaf.txt"), []byte(sub))
	}

	tree, err := Scan(root, Options{})
	require.NoError(t, err)

	require.Len(t, tree.Children, 3)
	for _, c := range tree.Children {
		assert.Equal(t, wire.FileTypeDirectory, c.Type)
		require.Len(t, c.Children, 1)
		assert.Equal(t, "leaf.txt", c.Children[0].Name)
	}
}

func TestScanDropsSymlinkEscapingRoot(t *testing.T) {
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.txt")
	writeFile(t, outsideFile, []byte("a"))

	root := t.TempDir()
	link := filepath.Join(root, "escape.txt")
	require.NoError(t, os.Symlink(outsideFile, link))

	tree, err := Scan(root, Options{FollowSymlinks: true})
	require.NoError(t, err)

	for _, c := range tree.Children {
		assert.NotEqual(t, "escape.txt", c.Name)
	}
}
