// Package staticfile maps request paths onto a sandboxed content root and
// renders what is found there: content types, directory listings.
package staticfile

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// IndexFile is served in place of a directory that contains it.
const IndexFile = "index.html"

// ErrInvalidPath is returned for request paths that cannot be decoded.
var ErrInvalidPath = errors.New("invalid request path")

// TargetKind classifies the result of Resolve.
type TargetKind int

const (
	// TargetFile is a candidate file. It may not exist.
	TargetFile TargetKind = iota
	// TargetDirectory is an existing directory without an index file.
	TargetDirectory
	// TargetForbidden is a path that escapes the root.
	TargetForbidden
)

func (k TargetKind) String() string {
	switch k {
	case TargetFile:
		return "file"
	case TargetDirectory:
		return "directory"
	case TargetForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target is a request path resolved against a root directory.
type Target struct {
	Kind TargetKind
	// Path is the canonical absolute filesystem path (empty when forbidden).
	Path string
	// RelPath is where the request landed relative to the root, slash
	// separated, without leading or trailing slash. It is "" for the root.
	RelPath string
}

// CleanRequestPath strips any query or fragment from rawPath, percent-decodes
// it once and turns backslashes into slashes. The result is not yet cleaned
// of dot segments.
func CleanRequestPath(rawPath string) (string, error) {
	p := rawPath
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidPath, rawPath, err)
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return "", fmt.Errorf("%w %q: contains NUL", ErrInvalidPath, rawPath)
	}
	return strings.ReplaceAll(decoded, `\`, "/"), nil
}

// Resolve maps rawPath onto rootDir. The containment check runs on canonical
// paths, after dot segments and symlinks are resolved. Existence of a
// TargetFile and the extension allow-list are left to the caller.
func Resolve(rootDir, rawPath string) (Target, error) {
	reqPath, err := CleanRequestPath(rawPath)
	if err != nil {
		return Target{}, err
	}

	root, err := canonicalize(rootDir)
	if err != nil {
		return Target{}, fmt.Errorf("cannot canonicalize root %s: %w", rootDir, err)
	}

	rel := strings.TrimPrefix(reqPath, "/")
	joined := filepath.Join(root, filepath.FromSlash(rel))
	canonicalPath, err := canonicalize(joined)
	if err != nil {
		return Target{}, fmt.Errorf("cannot canonicalize %s: %w", joined, err)
	}

	if !Within(root, canonicalPath) {
		return Target{Kind: TargetForbidden}, nil
	}

	relPath := relativeSlashPath(root, joined, canonicalPath)

	fi, err := os.Stat(canonicalPath)
	if err == nil && fi.IsDir() {
		// The index may itself be a symlink, so it gets the same check.
		joinedIndex := filepath.Join(canonicalPath, IndexFile)
		indexPath, err := canonicalize(joinedIndex)
		if err != nil {
			return Target{}, fmt.Errorf("cannot canonicalize %s: %w", joinedIndex, err)
		}
		if !Within(root, indexPath) {
			return Target{Kind: TargetForbidden}, nil
		}
		if indexFi, err := os.Stat(indexPath); err == nil && indexFi.Mode().IsRegular() {
			return Target{Kind: TargetFile, Path: indexPath, RelPath: path.Join(relPath, IndexFile)}, nil
		}
		return Target{Kind: TargetDirectory, Path: canonicalPath, RelPath: relPath}, nil
	}
	return Target{Kind: TargetFile, Path: canonicalPath, RelPath: relPath}, nil
}

// relativeSlashPath names the resolved location relative to root in URL
// form. The lexical join is preferred so symlinks inside the root keep the
// name they were requested by; a join that only reaches the root through a
// detour outside it falls back to the canonical location.
func relativeSlashPath(root, joined, canonicalPath string) string {
	p := canonicalPath
	if Within(root, joined) {
		p = joined
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Within reports whether p is root or lies beneath it. Both must be
// canonical. The comparison is per path segment, so "/srv/www" does not
// contain "/srv/www2".
func Within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return false
	}
	return true
}

// canonicalize returns the absolute form of p with every symlink resolved.
// Trailing components that do not exist are appended unchanged to the
// canonical form of their deepest existing ancestor.
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	var missing []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}
