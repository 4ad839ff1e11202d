package staticfile

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

const listingTimeFormat = "02-Jan-2006 15:04"

type listingEntry struct {
	name  string
	isDir bool
	info  os.FileInfo
}

// GenerateListing renders an HTML index of dirPath. relPath is the slash
// separated path of the directory relative to the content root ("" for the
// root itself) and is used to build the links.
func GenerateListing(dirPath, relPath string) ([]byte, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("could not read directory %s: %w", dirPath, err)
	}

	var dirs, files []listingEntry
	for _, entry := range entries {
		le := listingEntry{name: entry.Name()}
		// Follow symlinks so a link to a directory is listed as one.
		if fi, err := os.Stat(filepath.Join(dirPath, entry.Name())); err == nil {
			le.info = fi
			le.isDir = fi.IsDir()
		} else if fi, err := entry.Info(); err == nil {
			le.info = fi
		}
		if le.isDir {
			dirs = append(dirs, le)
		} else {
			files = append(files, le)
		}
	}
	sortEntries(dirs)
	sortEntries(files)

	relPath = strings.Trim(relPath, "/")
	title := "Index of /" + relPath

	var sb bytes.Buffer
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n", html.EscapeString(title))
	sb.WriteString("</head>\n<body>\n")

	if relPath != "" {
		fmt.Fprintf(&sb, "<h1>%s</h1>\n", html.EscapeString(title))
		parent := path.Dir(relPath)
		if parent == "." {
			parent = ""
		}
		fmt.Fprintf(&sb, "<p><a class=\"parent\" href=\"%s\">../</a></p>\n", html.EscapeString(linkHref(parent, "")))
	}

	sb.WriteString("<h2>Directories</h2>\n<ul class=\"directories\">\n")
	for _, d := range dirs {
		fmt.Fprintf(&sb, "<li><a href=\"%s\">%s/</a></li>\n",
			html.EscapeString(linkHref(relPath, d.name)), html.EscapeString(d.name))
	}
	sb.WriteString("</ul>\n")

	sb.WriteString("<h2>Files</h2>\n")
	if len(files) == 0 {
		sb.WriteString("<p class=\"empty\">No files in this directory.</p>\n")
	} else {
		sb.WriteString("<ul class=\"files\">\n")
		for _, f := range files {
			size, modTime := "-", "-"
			if f.info != nil {
				size = humanize.Bytes(uint64(f.info.Size()))
				modTime = f.info.ModTime().Format(listingTimeFormat)
			}
			fmt.Fprintf(&sb, "<li><a href=\"%s\">%s</a> <span class=\"size\">%s</span> <span class=\"modified\">%s</span></li>\n",
				html.EscapeString(linkHref(relPath, f.name)), html.EscapeString(f.name), size, modTime)
		}
		sb.WriteString("</ul>\n")
	}

	sb.WriteString("</body>\n</html>\n")
	return sb.Bytes(), nil
}

// sortEntries orders case-insensitively; ties fall back to byte order.
func sortEntries(entries []listingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		li, lj := strings.ToLower(entries[i].name), strings.ToLower(entries[j].name)
		if li != lj {
			return li < lj
		}
		return entries[i].name < entries[j].name
	})
}

// linkHref builds "/" + relPath + "/" + name with every segment escaped.
func linkHref(relPath, name string) string {
	var segments []string
	if relPath != "" {
		segments = strings.Split(relPath, "/")
	}
	if name != "" {
		segments = append(segments, name)
	}
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segments, "/")
}
