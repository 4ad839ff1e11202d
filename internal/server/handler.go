package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/config"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/handlers/staticfile"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/logger"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/util"
)

// RequestBufferSize bounds the single read taken from each connection.
// Anything past it is never parsed.
const RequestBufferSize = 4096

const (
	listingContentType  = "text/html"
	maxLoggedRequestLen = 128
)

// ErrMalformedRequest is returned for a request line without a method, a
// target and a protocol.
var ErrMalformedRequest = errors.New("malformed request line")

// RequestLine is the first line of an HTTP request.
type RequestLine struct {
	Method string
	Target string
	Proto  string
}

// ParseRequestLine extracts the request line from the start of data. Header
// lines after it are ignored. Tokens are separated by single spaces, so
// "GET / " still has three (the last one empty) and a tab separates nothing.
func ParseRequestLine(data []byte) (RequestLine, error) {
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Split(strings.TrimSuffix(string(line), "\r"), " ")
	if len(fields) < 3 {
		if len(line) > maxLoggedRequestLen {
			line = line[:maxLoggedRequestLen]
		}
		return RequestLine{}, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	return RequestLine{Method: fields[0], Target: fields[1], Proto: fields[2]}, nil
}

// Handler answers exactly one request per connection from a server's root.
type Handler struct {
	cfg        *config.ServerConfig
	log        *logger.Logger
	mime       *staticfile.MimeTypeResolver
	errorPages *ErrorPageResolver
}

// NewHandler creates a Handler for a prepared server configuration.
func NewHandler(cfg *config.ServerConfig, lg *logger.Logger) (*Handler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	mime := staticfile.NewMimeTypeResolver(cfg.ResolvedMimeTypes)
	return &Handler{
		cfg:        cfg,
		log:        lg,
		mime:       mime,
		errorPages: NewErrorPageResolver(cfg.RootDir, cfg.ErrorRedirectURL, mime, lg),
	}, nil
}

// exchange tracks one request and its response.
type exchange struct {
	w      io.Writer
	req    RequestLine
	head   bool
	status int
	bytes  int64
}

// Handle reads one request from conn, writes at most one response and
// closes conn. It never panics.
func (h *Handler) Handle(conn net.Conn) {
	start := time.Now()
	ex := &exchange{w: conn}
	remoteAddr := "-"
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Panic while handling connection", logger.LogFields{
				"remote_addr": remoteAddr,
				"panic":       fmt.Sprint(r),
				"stack":       string(debug.Stack()),
			})
		}
		if ex.status != 0 {
			h.log.Access(logger.AccessEntry{
				RemoteAddr: remoteAddr,
				Port:       h.cfg.Port,
				Method:     ex.req.Method,
				URI:        ex.req.Target,
				Status:     ex.status,
				Bytes:      ex.bytes,
				Duration:   time.Since(start),
			})
		}
		if err := util.LingeringClose(conn, util.DefaultLingerTimeout); err != nil {
			h.log.Debug("Error closing connection", logger.LogFields{"remote_addr": remoteAddr, "error": err.Error()})
		}
	}()

	if d := h.cfg.ReadTimeoutDuration; d > 0 {
		conn.SetReadDeadline(start.Add(d))
	}
	buf := make([]byte, RequestBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			h.log.Debug("Failed to read request", logger.LogFields{"remote_addr": remoteAddr, "error": err.Error()})
		}
		return
	}
	if d := h.cfg.WriteTimeoutDuration; d > 0 {
		conn.SetWriteDeadline(time.Now().Add(d))
	}

	if err := h.serve(ex, buf[:n]); err != nil {
		fields := logger.LogFields{
			"remote_addr": remoteAddr,
			"method":      ex.req.Method,
			"uri":         ex.req.Target,
			"error":       err.Error(),
		}
		if ex.status == 0 {
			h.log.Error("Failed to serve request, closing without response", fields)
		} else {
			fields["status"] = ex.status
			h.log.Warn("Failed to complete response", fields)
		}
	}
}

func (h *Handler) serve(ex *exchange, data []byte) error {
	req, err := ParseRequestLine(data)
	if err != nil {
		h.log.Debug("Rejecting malformed request", logger.LogFields{"error": err.Error()})
		return h.sendError(ex, http.StatusBadRequest)
	}
	ex.req = req
	ex.head = req.Method == http.MethodHead
	h.log.Debug("Received request", logger.LogFields{
		"method": req.Method,
		"uri":    req.Target,
		"proto":  req.Proto,
	})

	if req.Method != http.MethodGet && !ex.head {
		return h.sendError(ex, http.StatusMethodNotAllowed)
	}

	target, err := staticfile.Resolve(h.cfg.RootDir, req.Target)
	if err != nil {
		if errors.Is(err, staticfile.ErrInvalidPath) {
			h.log.Debug("Rejecting undecodable request path", logger.LogFields{"uri": req.Target, "error": err.Error()})
			return h.sendError(ex, http.StatusBadRequest)
		}
		return fmt.Errorf("failed to resolve %q: %w", req.Target, err)
	}

	switch target.Kind {
	case staticfile.TargetForbidden:
		h.log.Warn("Attempt to access path outside document root (Path Traversal)", logger.LogFields{
			"uri":      req.Target,
			"root_dir": h.cfg.RootDir,
		})
		return h.sendError(ex, http.StatusForbidden)
	case staticfile.TargetDirectory:
		return h.serveDirectory(ex, target)
	default:
		return h.serveFile(ex, target.Path)
	}
}

func (h *Handler) serveDirectory(ex *exchange, target staticfile.Target) error {
	if !h.cfg.ListingEnabled() {
		h.log.Debug("Directory listing disabled", logger.LogFields{"path": target.Path})
		return h.sendError(ex, http.StatusForbidden)
	}
	body, err := staticfile.GenerateListing(target.Path, target.RelPath)
	if err != nil {
		return fmt.Errorf("failed to generate directory listing: %w", err)
	}
	return h.send(ex, ResponseHeader{StatusCode: http.StatusOK, ContentType: listingContentType}, body)
}

func (h *Handler) serveFile(ex *exchange, path string) error {
	if !h.cfg.Allowed.Matches(path) {
		h.log.Debug("Extension not allowed", logger.LogFields{"path": path})
		return h.sendError(ex, http.StatusNotFound)
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return h.sendError(ex, http.StatusNotFound)
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return h.sendError(ex, http.StatusNotFound)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	hdr := ResponseHeader{
		StatusCode:    http.StatusOK,
		ContentType:   h.mime.GetMimeType(path),
		ContentLength: fi.Size(),
		Attachment:    h.cfg.Downloadable.Matches(path),
	}
	ex.status = hdr.StatusCode
	if ex.head {
		return WriteHead(ex.w, hdr)
	}
	ex.bytes, err = WriteStream(ex.w, hdr, f)
	return err
}

func (h *Handler) sendError(ex *exchange, statusCode int) error {
	body, contentType := h.errorPages.Resolve(statusCode)
	return h.send(ex, ResponseHeader{StatusCode: statusCode, ContentType: contentType}, body)
}

// send writes a buffered response; HEAD gets the same header block only.
func (h *Handler) send(ex *exchange, hdr ResponseHeader, body []byte) error {
	ex.status = hdr.StatusCode
	if ex.head {
		hdr.ContentLength = int64(len(body))
		return WriteHead(ex.w, hdr)
	}
	n, err := Write(ex.w, hdr, body)
	ex.bytes = n
	return err
}
