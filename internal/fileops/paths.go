package fileops

import (
	"fmt"
	"path"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// Clean resolves a user-supplied path against the workspace root and returns
// it relative to the root ("." for the root itself). Absolute paths must lie
// under /workspace; relative paths may not climb out of it.
func Clean(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: path contains NUL byte", domain.ErrPathViolation)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ".", nil
	}

	var rel string
	if path.IsAbs(raw) {
		abs := path.Clean(raw)
		switch {
		case abs == domain.WorkspaceRoot:
			return ".", nil
		case strings.HasPrefix(abs, domain.WorkspaceRoot+"/"):
			rel = strings.TrimPrefix(abs, domain.WorkspaceRoot+"/")
		default:
			return "", fmt.Errorf("%w: %q is outside %s", domain.ErrPathViolation, raw, domain.WorkspaceRoot)
		}
	} else {
		rel = path.Clean(raw)
	}

	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q escapes %s", domain.ErrPathViolation, raw, domain.WorkspaceRoot)
	}
	return rel, nil
}

// Abs returns the in-sandbox absolute form of a cleaned relative path.
func Abs(rel string) string {
	return path.Join(domain.WorkspaceRoot, rel)
}

// isGitDir reports whether rel points at or into the repository metadata.
func isGitDir(rel string) bool {
	return rel == ".git" || strings.HasPrefix(rel, ".git/")
}

// argPath prefixes relative paths so they can never be parsed as flags.
func argPath(rel string) string {
	if rel == "." {
		return "."
	}
	return "./" + rel
}
