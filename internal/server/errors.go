package server

import (
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/handlers/staticfile"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/logger"
)

// ErrorPagesDir is the directory under a server root holding {code}.html pages.
const ErrorPagesDir = "errorpages"

const errorPageContentType = "text/html"

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "Only GET and HEAD requests are supported by this server.",
	},
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
}

// ErrorPageResolver produces error bodies for one server root.
type ErrorPageResolver struct {
	rootDir     string
	redirectURL string
	mime        *staticfile.MimeTypeResolver
	log         *logger.Logger
}

// NewErrorPageResolver creates an ErrorPageResolver. When redirectURL is set,
// built-in pages redirect the browser to redirectURL followed by the status
// code. mime and lg may be nil.
func NewErrorPageResolver(rootDir, redirectURL string, mime *staticfile.MimeTypeResolver, lg *logger.Logger) *ErrorPageResolver {
	return &ErrorPageResolver{rootDir: rootDir, redirectURL: redirectURL, mime: mime, log: lg}
}

// Resolve returns the body and content type for statusCode. A readable
// {root}/errorpages/{code}.html wins over the built-in page.
func (r *ErrorPageResolver) Resolve(statusCode int) ([]byte, string) {
	pagePath := filepath.Join(r.rootDir, ErrorPagesDir, strconv.Itoa(statusCode)+".html")
	body, err := os.ReadFile(pagePath)
	if err == nil {
		return body, r.mime.GetMimeType(pagePath)
	}
	if !errors.Is(err, fs.ErrNotExist) && r.log != nil {
		r.log.Warn("Failed to read custom error page, using built-in page", logger.LogFields{
			"path":   pagePath,
			"status": statusCode,
			"error":  err.Error(),
		})
	}
	return GenerateErrorPage(statusCode, r.redirectURL), errorPageContentType
}

// ResolveErrorPage resolves statusCode against rootDir without redirect or logging.
func ResolveErrorPage(rootDir string, statusCode int) ([]byte, string) {
	return NewErrorPageResolver(rootDir, "", nil, nil).Resolve(statusCode)
}

// GenerateErrorPage renders the built-in HTML page for statusCode. A
// non-empty redirectBase adds a meta refresh to redirectBase + code.
func GenerateErrorPage(statusCode int, redirectBase string) []byte {
	title, heading, message := errorPageText(statusCode)

	refresh := ""
	if redirectBase != "" {
		refresh = fmt.Sprintf(`<meta http-equiv="refresh" content="0; url=%s">`,
			html.EscapeString(redirectBase+strconv.Itoa(statusCode)))
	}
	return []byte(fmt.Sprintf(`<!DOCTYPE html><html><head><meta charset="utf-8">%s<title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		refresh, html.EscapeString(title), html.EscapeString(heading), html.EscapeString(message)))
}

func errorPageText(statusCode int) (title, heading, message string) {
	if msg, ok := defaultHTMLMessages[statusCode]; ok {
		return msg.Title, msg.Heading, msg.Message
	}
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}
	return fmt.Sprintf("%d %s", statusCode, statusText), statusText, "The server encountered an error processing your request."
}
