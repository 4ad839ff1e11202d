package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/config"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/util"
)

// tsFormat is ISO 8601 in UTC with millisecond precision.
const tsFormat = "2006-01-02T15:04:05.000Z07:00"

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// AccessEntry describes one handled request.
type AccessEntry struct {
	RemoteAddr string
	Port       int
	Method     string
	URI        string
	Status     int
	Bytes      int64
	Duration   time.Duration
}

// swapWriter lets a log target be replaced (on reopen) underneath a zerolog.Logger.
type swapWriter struct {
	mu   sync.Mutex
	w    io.Writer
	path string // non-empty for file targets
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *swapWriter) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *swapWriter) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	if c, ok := s.w.(io.Closer); ok {
		c.Close()
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.w = os.Stderr
		return fmt.Errorf("failed to reopen log file %s: %w", s.path, err)
	}
	s.w = f
	return nil
}

// AccessLogger handles access logging.
type AccessLogger struct {
	zl     zerolog.Logger
	output *swapWriter
}

// ErrorLogger handles diagnostic logging, filtered by the configured level.
type ErrorLogger struct {
	zl     zerolog.Logger
	output *swapWriter
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

// NewLogger creates and configures a new Logger instance. cfg is expected to
// have been through config.LoggingConfig.Prepare.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errTarget, errFormat := "stderr", config.LogFormatJSON
	if cfg.ErrorLog != nil {
		errTarget, errFormat = cfg.ErrorLog.Target, cfg.ErrorLog.Format
	}
	errOut, err := openTarget(errTarget, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	l.errorLog = &ErrorLogger{
		zl:     newZerolog(errOut, errFormat).Level(toZerologLevel(cfg.LogLevel)),
		output: errOut,
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessOut, err := openTarget(cfg.AccessLog.Target, os.Stdout)
		if err != nil {
			errOut.close()
			return nil, fmt.Errorf("failed to open access log: %w", err)
		}
		l.accessLog = &AccessLogger{
			zl:     newZerolog(accessOut, cfg.AccessLog.Format),
			output: accessOut,
		}
	}

	return l, nil
}

// NewTestLogger returns a Logger writing both logs as JSON to out at DEBUG level.
func NewTestLogger(out io.Writer) *Logger {
	w := &swapWriter{w: out}
	return &Logger{
		accessLog: &AccessLogger{zl: newZerolog(w, config.LogFormatJSON), output: w},
		errorLog:  &ErrorLogger{zl: newZerolog(w, config.LogFormatJSON).Level(zerolog.DebugLevel), output: w},
	}
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return NewTestLogger(io.Discard)
}

func openTarget(target string, fallback *os.File) (*swapWriter, error) {
	switch target {
	case "":
		return &swapWriter{w: fallback}, nil
	case "stdout":
		return &swapWriter{w: os.Stdout}, nil
	case "stderr":
		return &swapWriter{w: os.Stderr}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return &swapWriter{w: f, path: target}, nil
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == config.LogFormatText {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: tsFormat})
	}
	return zerolog.New(w)
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogAccess writes one access log entry.
func (al *AccessLogger) LogAccess(e AccessEntry) {
	if al == nil {
		return
	}
	host, port := util.SplitRemoteAddr(e.RemoteAddr)
	al.zl.Log().
		Str("ts", time.Now().UTC().Format(tsFormat)).
		Str("remote_addr", host).
		Str("remote_port", port).
		Int("port", e.Port).
		Str("method", e.Method).
		Str("uri", e.URI).
		Int("status", e.Status).
		Int64("resp_bytes", e.Bytes).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Send()
}

// LogError writes a leveled diagnostic entry.
func (el *ErrorLogger) LogError(level zerolog.Level, msg string, fields LogFields) {
	if el == nil {
		return
	}
	ev := el.zl.WithLevel(level)
	if ev == nil {
		return
	}
	ev = ev.Str("ts", time.Now().UTC().Format(tsFormat))
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(msg)
}

// Convenience methods on the main Logger
func (l *Logger) Debug(msg string, fields LogFields) {
	l.errorLog.LogError(zerolog.DebugLevel, msg, fields)
}

func (l *Logger) Info(msg string, fields LogFields) {
	l.errorLog.LogError(zerolog.InfoLevel, msg, fields)
}

func (l *Logger) Warn(msg string, fields LogFields) {
	l.errorLog.LogError(zerolog.WarnLevel, msg, fields)
}

func (l *Logger) Error(msg string, fields LogFields) {
	l.errorLog.LogError(zerolog.ErrorLevel, msg, fields)
}

// Access records a handled request. It is a no-op when access logging is disabled.
func (l *Logger) Access(e AccessEntry) {
	l.accessLog.LogAccess(e)
}

// CloseLogFiles closes any open log files. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.accessLog != nil {
		firstErr = l.accessLog.output.close()
	}
	if l.errorLog != nil {
		if err := l.errorLog.output.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file-based targets, for use after log rotation.
func (l *Logger) ReopenLogFiles() error {
	if l.errorLog != nil {
		if err := l.errorLog.output.reopen(); err != nil {
			return err
		}
	}
	if l.accessLog != nil {
		if err := l.accessLog.output.reopen(); err != nil {
			return err
		}
	}
	return nil
}
