// Package server constructs, starts and stops the relay HTTP service with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/wsrelay/internal/logging"
)

// Server wires the registry, relay and listener of one relay instance.
type Server struct {
	cfg      Config
	registry *Registry
	relay    *Relay
	listener *Listener
	tunables *Tunables
	stats    *Stats
	log      zerolog.Logger
}

// New builds a relay from cfg. Nothing listens until the handler is served.
func New(cfg Config, log zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	tunables := NewTunables(cfg)
	stats := NewStats()
	registry := NewRegistry(logging.Component(log, "registry"))
	relay := NewRelay(registry, tunables, stats, logging.Component(log, "relay"))
	listener := NewListener(cfg, registry, relay, tunables, stats, logging.Component(log, "listener"))

	return &Server{
		cfg:      cfg,
		registry: registry,
		relay:    relay,
		listener: listener,
		tunables: tunables,
		stats:    stats,
		log:      log,
	}
}

// Registry returns the live connection set.
func (s *Server) Registry() *Registry { return s.registry }

// Relay returns the broadcaster.
func (s *Server) Relay() *Relay { return s.relay }

// Listener returns the WebSocket accept handler.
func (s *Server) Listener() *Listener { return s.listener }

// Stats returns the relay counters.
func (s *Server) Stats() *Stats { return s.stats }

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler { return SetupRoutes(s) }

// ApplyConfig applies the runtime-tunable settings of cfg to the running
// relay. Other fields only take effect on restart.
func (s *Server) ApplyConfig(cfg Config) {
	s.tunables.Apply(cfg)
	s.log.Info().
		Bool("echo_to_sender", cfg.EchoToSender).
		Dur("send_timeout", cfg.SendTimeout).
		Msg("applied runtime settings")
}

// Shutdown closes every connection and waits for their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.listener.Shutdown(ctx)
}

// CreateServer creates and configures an HTTP server with the specified
// address and handler. It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve binds srv.Addr and serves until ctx is done, then shuts srv down
// within timeout. A bind failure is returned as a *TransportError before
// anything is served; ready, if set, runs once the port is bound.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, ready func(net.Addr), log zerolog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return &TransportError{Op: "listen", Addr: srv.Addr, Err: err}
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	if ready != nil {
		ready(ln.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return &TransportError{Op: "serve", Addr: srv.Addr, Err: err}
	case <-ctx.Done():
		err := ShutdownServer(srv, timeout, log)
		<-errCh
		return err
	}
}

// ShutdownServer gracefully shuts down the HTTP server. Hijacked WebSocket
// connections are not tracked by http.Server; close them with
// Server.Shutdown.
func ShutdownServer(srv *http.Server, timeout time.Duration, log zerolog.Logger) error {
	log.Info().Str("addr", srv.Addr).Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	log.Info().Str("addr", srv.Addr).Msg("HTTP server shutdown completed")
	return nil
}
