// Package pathsafety implements safe_path, the single chokepoint every
// host-side read, write, and lock operation must route a client-supplied
// path through before it ever reaches disk.
package pathsafety

import (
	"path/filepath"
	"strings"

	"github.com/byronwade/wormhole/internal/werrors"
)

// Resolve canonicalizes requested against root and verifies the result is
// still contained within root. It never touches disk — canonicalization is
// purely lexical plus filepath.Abs — so a rejected path never causes a stat
// or open as a side effect, as the invariant requires.
//
// It fails with PathTraversal if requested is absolute, contains a ".."
// segment, contains a null byte, or if the joined-and-cleaned result does
// not have the canonical root as a prefix.
func Resolve(root, requested string) (string, error) {
	if strings.ContainsRune(requested, 0) {
		return "", werrors.New(werrors.PathTraversal, "path contains null byte")
	}
	if filepath.IsAbs(requested) {
		return "", werrors.New(werrors.PathTraversal, "absolute path rejected")
	}
	for _, seg := range strings.Split(requested, string(filepath.Separator)) {
		if seg == ".." {
			return "", werrors.New(werrors.PathTraversal, "path contains ..")
		}
	}

	canonicalRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", werrors.Wrap(werrors.PathTraversal, err, "canonicalizing root")
	}

	joined := filepath.Join(canonicalRoot, requested)
	cleaned := filepath.Clean(joined)

	if cleaned != canonicalRoot && !strings.HasPrefix(cleaned, canonicalRoot+string(filepath.Separator)) {
		return "", werrors.New(werrors.PathTraversal, "path escapes root")
	}

	return cleaned, nil
}

// ValidateName rejects a single path component that is empty, contains a
// path separator or null byte, or exceeds the 255-byte filename limit
// (§8's boundary behavior: 255 accepted, 256 rejected).
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return werrors.New(werrors.InvalidName, "invalid name")
	}
	if strings.ContainsRune(name, 0) || strings.ContainsRune(name, filepath.Separator) {
		return werrors.New(werrors.InvalidName, "name contains separator or null byte")
	}
	if len(name) > 255 {
		return werrors.New(werrors.NameTooLong, "name exceeds 255 bytes")
	}
	return nil
}
