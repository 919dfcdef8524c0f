// Package normalize implements path and name normalization and
// root-confinement checks shared by the walker, the deletion planner,
// and the diff projector.
//
// Unicode recomposition uses golang.org/x/text/unicode/norm, the same
// library mutagen-io/mutagen uses to recompose content names read back
// from decomposed-form (HFS+-style) filesystems.
package normalize

import (
	"errors"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrRootEscape is returned when a candidate path resolves outside the
// scan root.
var ErrRootEscape = errors.New("root_escape")

// Name returns s normalized to NFC. If caseInsensitive is set, the
// returned string is additionally lowercased for comparison purposes;
// callers that need to display the original casing must retain it
// separately.
func Name(s string, caseInsensitive bool) string {
	s = norm.NFC.String(s)
	if caseInsensitive {
		s = strings.ToLower(s)
	}
	return s
}

// Confine resolves symlinks in p's components and verifies the
// resolved absolute form is root or a descendant of root. It returns
// the resolved absolute path, or ErrRootEscape if p lies outside root.
func Confine(p, root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absRoot = filepath.Clean(absRoot)

	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		resolvedRoot = absRoot
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	absPath = filepath.Clean(absPath)

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Path may not exist yet (e.g. quarantine destination); fall
		// back to the lexical form for the confinement check.
		resolved = absPath
	}

	if resolved == resolvedRoot {
		return resolved, nil
	}
	if strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return resolved, nil
	}
	return "", ErrRootEscape
}

// Relative returns p's "/"-separated path relative to root, with no
// leading slash, or "." if p is root itself.
func Relative(p, root string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return ".", nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrRootEscape
	}
	return filepath.ToSlash(rel), nil
}
