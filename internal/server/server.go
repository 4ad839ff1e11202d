package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/config"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/logger"
	"github.com/PiotrekPrezydent/SimpleWWWServer/internal/util"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server owns the listening socket of one configured port and hands every
// accepted connection to its own goroutine.
type Server struct {
	cfg             *config.ServerConfig
	log             *logger.Logger
	handler         *Handler
	shutdownTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// NewServer creates a Server for a prepared server configuration.
// shutdownTimeout bounds how long Serve waits for in-flight connections
// once its context is cancelled.
func NewServer(cfg *config.ServerConfig, lg *logger.Logger, shutdownTimeout time.Duration) (*Server, error) {
	handler, err := NewHandler(cfg, lg)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:             cfg,
		log:             lg,
		handler:         handler,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Listen creates the root directory if needed and binds the listening
// socket. Serve calls it when it has not been called yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	if err := os.MkdirAll(s.cfg.RootDir, 0o755); err != nil {
		return fmt.Errorf("failed to create root directory %s: %w", s.cfg.RootDir, err)
	}

	ln, err := util.CreateListener("tcp", util.ListenAddress(s.cfg.Address, s.cfg.Port), s.cfg.MaxConnections)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("Successfully created new listener", logger.LogFields{
		"address":            ln.Addr().String(),
		"root_dir":           s.cfg.RootDir,
		"allowed_extensions": s.cfg.Allowed.Sorted(),
		"max_connections":    s.cfg.MaxConnections,
	})
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then waits up to the
// shutdown timeout for in-flight connections. It returns nil after a
// cancellation and an error when the listener fails permanently; in both
// cases the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("Listener stopped, waiting for open connections", logger.LogFields{"address": ln.Addr().String()})
				s.waitForConnections()
				return nil
			}
			if util.IsTemporaryAcceptError(err) {
				if tempDelay == 0 {
					tempDelay = minAcceptDelay
				} else {
					tempDelay *= 2
				}
				if tempDelay > maxAcceptDelay {
					tempDelay = maxAcceptDelay
				}
				s.log.Warn("Temporary error accepting connection, retrying", logger.LogFields{
					"address":  ln.Addr().String(),
					"error":    err.Error(),
					"retry_in": tempDelay.String(),
				})
				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
				}
				continue
			}
			s.log.Error("Failed to accept connection, closing listener", logger.LogFields{
				"address": ln.Addr().String(),
				"error":   err.Error(),
			})
			ln.Close()
			s.waitForConnections()
			return fmt.Errorf("accept on %s failed: %w", ln.Addr(), err)
		}
		tempDelay = 0

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handler.Handle(conn)
		}()
	}
}

func (s *Server) waitForConnections() {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	if s.shutdownTimeout <= 0 {
		select {
		case <-done:
		default:
		}
		return
	}
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.log.Warn("Shutdown timeout reached with connections still open", logger.LogFields{
			"port":    s.cfg.Port,
			"timeout": s.shutdownTimeout.String(),
		})
	}
}
