package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/ghostmail/internal/metrics"
	"github.com/shineum/ghostmail/internal/notify"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Config holds the configuration shared by the server and its sessions.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Domain is announced in the greeting and EHLO responses.
	Domain string

	// Auth checks the credentials every client must present before MAIL.
	Auth *Authenticator

	// Store receives every successfully decoded message.
	Store MessageStore

	// Notifier, if set, is told about each committed message.
	Notifier notify.Notifier

	// IdleTimeout bounds every read from a client. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Domain == "" {
		c.Domain = "localhost"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Auth == nil {
		c.Auth = NewAuthenticator("", "")
	}
	return c
}

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config Config

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg Config) *Server {
	return &Server{
		config: cfg.withDefaults(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation it
// closes the listener and every live connection, then waits up to 30 seconds
// for the sessions to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"domain", s.config.Domain,
	)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			slog.Info("shutting down SMTP server")
			s.closeAll()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}
		metrics.SessionInc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			NewSession(conn, s.config).Handle(ctx)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeAll stops the listener and drops every live connection, which
// unblocks sessions waiting on a read.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, abandoning sessions")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
