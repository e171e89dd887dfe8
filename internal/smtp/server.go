package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the SMTP listener.
type ServerConfig struct {
	// Addr is the address to listen on (e.g. "0.0.0.0:2525").
	Addr string

	// Targets is the allow-list of recipient addresses; matching is
	// case-insensitive but the stored case is what payloads carry.
	Targets []string

	// HeaderPrefixes selects headers passed through to the payload.
	HeaderPrefixes []string

	// Forwarder receives every accepted message.
	Forwarder Forwarder

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server with the given configuration.
func New(cfg ServerConfig) *Server {
	return &Server{config: cfg}
}

// ListenAndServe starts the listener and blocks until the context is
// cancelled. On cancellation it stops accepting and waits up to 30 seconds
// for live sessions to finish. A bind failure is returned to the caller and
// is fatal at startup.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	slog.Info("smtp server listening",
		"addr", ln.Addr().String(),
		"targets", len(s.config.Targets),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	// Unblock Accept on shutdown.
	go func() {
		<-ctx.Done()
		slog.Info("shutting down smtp server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown.
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		id := newSessionID()
		slog.Info("connection accepted",
			"session", id,
			"remote", conn.RemoteAddr().String(),
		)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, id, s.config).Handle(ctx)
			slog.Debug("connection closed", "session", id)
		}()
	}
}

// waitForSessions waits for in-flight sessions with an upper bound so
// shutdown cannot hang on a silent peer.
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
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// newSessionID returns a ULID used to correlate log lines of one connection.
func newSessionID() string {
	now := time.Now()
	entropy := rand.New(rand.NewSource(now.UnixNano()))
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
