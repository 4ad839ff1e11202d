package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ExtensionSet is a set of lowercased file extensions, each with its leading dot.
type ExtensionSet map[string]struct{}

// NewExtensionSet normalizes exts with NormalizeExtension and collects them.
func NewExtensionSet(exts []string) (ExtensionSet, error) {
	set := make(ExtensionSet, len(exts))
	for _, ext := range exts {
		norm, err := NormalizeExtension(ext)
		if err != nil {
			return nil, err
		}
		set[norm] = struct{}{}
	}
	return set, nil
}

// NormalizeExtension trims and lowercases ext and requires a leading dot.
func NormalizeExtension(ext string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(ext))
	if len(norm) < 2 || !strings.HasPrefix(norm, ".") {
		return "", fmt.Errorf("invalid extension %q: must start with a '.'", ext)
	}
	if strings.ContainsAny(norm[1:], "./\\") {
		return "", fmt.Errorf("invalid extension %q: must be a single suffix such as \".html\"", ext)
	}
	return norm, nil
}

// Contains reports whether ext (any case) is in the set.
func (s ExtensionSet) Contains(ext string) bool {
	if ext == "" {
		return false
	}
	_, ok := s[strings.ToLower(ext)]
	return ok
}

// Matches reports whether the extension of path is in the set.
func (s ExtensionSet) Matches(path string) bool {
	return s.Contains(filepath.Ext(path))
}

// Sorted returns the members in lexical order.
func (s ExtensionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for ext := range s {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
