// Package scanner walks a shared root and yields the (name, type, size,
// mtime) tree the VFS map bootstraps itself from, applying the symlink and
// glob-exclude policy before anything reaches the caller.
package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/byronwade/wormhole/internal/logger"
	"github.com/byronwade/wormhole/internal/pathsafety"
	"github.com/byronwade/wormhole/internal/wire"
)

// Entry is one node in the scanned tree.
type Entry struct {
	Name    string
	RelPath string
	Type    wire.FileType
	Size    int64
	ModTime int64 // unix seconds
	Children []Entry
}

// Options controls symlink handling and exclusion globs.
type Options struct {
	// FollowSymlinks, when true, resolves a symlink target and keeps the
	// entry only if the target is still within the canonicalized root.
	// Default (false) skips symlinks outright.
	FollowSymlinks bool
	// ExcludeGlobs are matched against the entry's name (not full path),
	// using filepath.Match semantics.
	ExcludeGlobs []string
}

// Scan walks root and returns the tree of entries beneath it. Hidden files
// (dotfiles) are included; entries matching an exclude glob are omitted.
// Symlinks are omitted unless FollowSymlinks is set, and then only those
// whose target resolves outside the root are omitted.
func Scan(root string, opts Options) (Entry, error) {
	canonicalRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return Entry{}, err
	}

	rootInfo, err := filepath.EvalSymlinks(canonicalRoot)
	if err != nil {
		return Entry{}, err
	}
	canonicalRoot = rootInfo

	rootEntry := Entry{Name: filepath.Base(canonicalRoot), RelPath: ".", Type: wire.FileTypeDirectory}
	if err := scanDir(canonicalRoot, canonicalRoot, ".", &rootEntry, opts); err != nil {
		return Entry{}, err
	}
	return rootEntry, nil
}

func scanDir(canonicalRoot, dir, relDir string, parent *Entry, opts Options) error {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	children := make([]Entry, 0, len(dirEntries))
	fullPaths := make([]string, 0, len(dirEntries))

	for _, de := range dirEntries {
		name := de.Name()
		if excluded(name, opts.ExcludeGlobs) {
			continue
		}

		relPath := filepath.Join(relDir, name)
		fullPath := filepath.Join(dir, name)

		info, err := de.Info()
		if err != nil {
			logger.WithFields(logger.LevelWarn, "scanner: stat failed, skipping", logger.Fields{"path": relPath, "error": err.Error()})
			continue
		}

		entryType := classify(info.Mode())

		if info.Mode()&fs.ModeSymlink != 0 {
			resolved, ok := resolveSymlink(canonicalRoot, fullPath, opts.FollowSymlinks)
			if !ok {
				logger.WithFields(logger.LevelWarn, "scanner: symlink escapes root, dropping", logger.Fields{"path": relPath})
				continue
			}
			info, err = os.Stat(resolved)
			if err != nil {
				continue
			}
			entryType = classify(info.Mode())
		}

		children = append(children, Entry{
			Name:    name,
			RelPath: relPath,
			Type:    entryType,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
		fullPaths = append(fullPaths, fullPath)
	}

	// Subdirectories are scanned concurrently under an errgroup: each
	// goroutine owns a distinct slice index, so no synchronization beyond
	// g.Wait is needed before the slice is handed to the parent. A failed
	// subdirectory scan is logged and dropped, same as before the fan-out —
	// one unreadable subtree shouldn't fail the whole walk.
	var g errgroup.Group
	for i := range children {
		if children[i].Type != wire.FileTypeDirectory {
			continue
		}
		i := i
		g.Go(func() error {
			if err := scanDir(canonicalRoot, fullPaths[i], children[i].RelPath, &children[i], opts); err != nil {
				logger.WithFields(logger.LevelWarn, "scanner: subdirectory scan failed", logger.Fields{"path": children[i].RelPath, "error": err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	parent.Children = children
	return nil
}

func classify(mode fs.FileMode) wire.FileType {
	switch {
	case mode.IsDir():
		return wire.FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return wire.FileTypeSymlink
	default:
		return wire.FileTypeRegular
	}
}

func excluded(name string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

// resolveSymlink applies the follow-mode policy: if following is disabled,
// the symlink is always dropped; if enabled, the resolved target must still
// be contained within canonicalRoot.
func resolveSymlink(canonicalRoot, linkPath string, follow bool) (string, bool) {
	if !follow {
		return "", false
	}
	target, err := filepath.EvalSymlinks(linkPath)
	if err != nil {
		return "", false
	}
	if target != canonicalRoot && !strings.HasPrefix(target, canonicalRoot+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

// SafePath re-exports pathsafety.Resolve so callers that only import
// scanner for walking don't need a second import for the common case of
// validating a single requested path against the same root.
func SafePath(root, requested string) (string, error) {
	return pathsafety.Resolve(root, requested)
}
