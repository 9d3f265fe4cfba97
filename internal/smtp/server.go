package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/inbound-reply/internal/email"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultMaxConnections bounds concurrent sessions when unset.
const defaultMaxConnections = 100

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Session is handed to every accepted connection.
	Session SessionConfig

	// MaxConnections bounds concurrent sessions. Connections over the
	// limit get a 421 and are closed. Zero selects 100.
	MaxConnections int

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string
}

// Server accepts SMTP connections and turns every accepted message into a
// processed email.Record.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	slots  chan struct{}

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	cfg.Session.applyDefaults()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		slots:  make(chan struct{}, cfg.MaxConnections),
	}
}

// ListenAndServe listens on ListenAddr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln
// and waits up to 30 seconds for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"processor", processorName(s.config.Session.Records.Processor),
		"max_message_size", s.config.Session.MaxMessageSize,
		"max_connections", s.config.MaxConnections,
		"accept_domains", s.config.Session.AcceptDomains,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.Session.TLSConfig != nil,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

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
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			slog.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			reject(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.slots
				s.wg.Done()
			}()
			NewSession(conn, s.auth, s.config.Session).Handle(ctx)
		}()
	}
}

// reject turns a connection away before the greeting.
func reject(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte("421 4.3.2 Too many connections, try again later\r\n"))
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
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

func processorName(p email.Processor) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}
