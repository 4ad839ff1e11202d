package staticfile

import (
	"path/filepath"
	"strings"
)

const defaultOctetStreamMimeType = "application/octet-stream"

// defaultMimeTypes is the built-in extension table. Anything not listed here
// (or in a server's custom mapping) is served as application/octet-stream.
var defaultMimeTypes = map[string]string{
	".html":  "text/html",
	".css":   "text/css",
	".js":    "application/javascript",
	".json":  "application/json",
	".xml":   "application/xml",
	".csv":   "text/csv",
	".txt":   "text/plain",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".ogg":   "audio/ogg",
	".mp3":   "audio/mpeg",
	".zip":   "application/zip",
	".tar":   "application/x-tar",
	".rar":   "application/vnd.rar",
	".7z":    "application/x-7z-compressed",
}

// ContentType maps the extension of filePath (any case) to a MIME type using
// the built-in table.
func ContentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if mimeType, ok := defaultMimeTypes[ext]; ok {
		return mimeType
	}
	return defaultOctetStreamMimeType
}

// MimeTypeResolver layers per-server custom mappings over the built-in table.
type MimeTypeResolver struct {
	customMimeTypes map[string]string
}

// NewMimeTypeResolver creates a MimeTypeResolver. Keys of custom are
// extensions with their leading dot; they are matched case-insensitively.
func NewMimeTypeResolver(custom map[string]string) *MimeTypeResolver {
	resolver := &MimeTypeResolver{
		customMimeTypes: make(map[string]string, len(custom)),
	}
	for ext, mimeType := range custom {
		resolver.customMimeTypes[strings.ToLower(ext)] = mimeType
	}
	return resolver
}

// GetMimeType determines the MIME type for filePath: custom mappings first,
// then the built-in table, then application/octet-stream.
func (r *MimeTypeResolver) GetMimeType(filePath string) string {
	if r != nil {
		ext := strings.ToLower(filepath.Ext(filePath))
		if mimeType, ok := r.customMimeTypes[ext]; ok && ext != "" {
			return mimeType
		}
	}
	return ContentType(filePath)
}
