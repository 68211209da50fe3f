// Package server accepts WebSocket upgrades and turns them into registered,
// running connections via the Listener type.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Listener upgrades HTTP requests into Connections, registers them and runs
// their pumps. Every inbound message is handed to the Relay.
type Listener struct {
	cfg      Config
	registry *Registry
	relay    *Relay
	tunables *Tunables
	stats    *Stats
	upgrader websocket.Upgrader
	newID    func() string
	log      zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewListener creates a listener feeding relay and registering into registry.
func NewListener(cfg Config, registry *Registry, relay *Relay, tunables *Tunables, stats *Stats, log zerolog.Logger) *Listener {
	cfg = cfg.withDefaults()
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Listener{
		cfg:      cfg,
		registry: registry,
		relay:    relay,
		tunables: tunables,
		stats:    stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		newID: uuid.NewString,
		log:   log,
	}
}

// ServeHTTP validates that the request uses the GET method and accepts it.
// Upgrade failures have already been answered by the upgrader and are only
// logged here.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if _, err := l.Accept(w, r); err != nil {
		l.log.Warn().Err(err).Msg("websocket accept failed")
	}
}

// Accept upgrades the request, registers the new Connection and starts its
// receive loop and write pump. On failure no Connection exists and the raw
// transport is closed; the returned error is a *TransportError.
func (l *Listener) Accept(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	if l.isClosed() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return nil, &TransportError{Op: "accept", Addr: r.RemoteAddr, Err: ErrListenerClosed}
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.stats.addUpgradeFailure()
		return nil, &TransportError{Op: "upgrade", Addr: r.RemoteAddr, Err: err}
	}

	conn := NewConnection(l.newID(), ws, r.RemoteAddr, ConnectionOptions{
		Config:   l.cfg,
		Tunables: l.tunables,
		Stats:    l.stats,
		Logger:   l.log,
		OnClose:  func(id string) { l.registry.Remove(id) },
	})

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.abort()
		return nil, &TransportError{Op: "accept", Addr: r.RemoteAddr, Err: ErrListenerClosed}
	}
	if !l.registry.Add(conn) {
		l.mu.Unlock()
		_ = conn.abort()
		return nil, &TransportError{Op: "register", Addr: r.RemoteAddr, Err: ErrClosed}
	}
	l.wg.Add(2)
	l.mu.Unlock()

	l.stats.addAccepted()
	go func() {
		defer l.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer l.wg.Done()
		conn.readPump(func(msg Message) { l.relay.Broadcast(msg) })
	}()
	return conn, nil
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Shutdown stops accepting, closes every registered connection and waits for
// all pumps to exit or ctx to end.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.log.Info().Msg("shutting down all client connections")
	closed := l.registry.CloseAll()
	l.log.Info().Int("closed", closed).Msg("closed client connections")

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.log.Info().Msg("listener shutdown completed")
		return nil
	case <-ctx.Done():
		l.log.Warn().Msg("listener shutdown timeout reached, some goroutines may still be running")
		return ctx.Err()
	}
}
