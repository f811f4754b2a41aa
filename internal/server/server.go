// Package server ties the HTTP listener, the WebSocket clients and the chat
// hub together and manages their lifecycle.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/zonechat/internal/chat"
)

// Server accepts WebSocket connections and feeds them to a chat hub.
type Server struct {
	cfg        *Config
	hub        *chat.Hub
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// New creates a Server for hub. The hub is closed when the server shuts down.
func New(cfg *Config, hub *chat.Hub, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "server").Logger()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	s := &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
	s.httpServer = CreateServer(cfg.Addr(), s.Routes())
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP, over TLS when a certificate is
// configured. It returns nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	var err error
	if s.cfg.TLSEnabled() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("WebSocket server ready on wss")
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	} else {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("WebSocket server ready on ws")
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "listen")
}

// Shutdown stops accepting requests, closes every client through the hub and
// waits for the client goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	httpErr := s.httpServer.Shutdown(ctx)
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Shutdown completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, some connections may still be open")
		return ctx.Err()
	}

	if httpErr != nil {
		return errors.Wrap(httpErr, "http shutdown")
	}
	return nil
}

// trackClient registers a new connection with the hub and reserves the pump
// goroutines in the WaitGroup. It fails once Shutdown has started, so no
// goroutine is added while Shutdown waits.
func (s *Server) trackClient(client *Client, remoteAddr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return "", chat.ErrHubClosed
	}
	id, err := s.hub.Connect(client, remoteAddr)
	if err != nil {
		return "", err
	}
	s.wg.Add(2)
	return id, nil
}

// Run serves until ctx is cancelled, then shuts down within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(s.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
