package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:8080"

// fakePeer records delivered messages and can be told to fail sends.
type fakePeer struct {
	id string

	mu       sync.Mutex
	received []Message
	sendErr  error

	done       chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, done: make(chan struct{})}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.received = append(p.received, msg)
	return nil
}

func (p *fakePeer) Close() error {
	p.closeCalls.Add(1)
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakePeer) Done() <-chan struct{} { return p.done }

func (p *fakePeer) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

func (p *fakePeer) payloads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	for i, msg := range p.received {
		out[i] = string(msg.Payload)
	}
	return out
}

// testConfig returns a config suited to tests: no stats schedule and a
// permissive origin policy.
func testConfig(mutate func(*Config)) Config {
	cfg := DefaultConfig()
	cfg.StatsSchedule = ""
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

// startTestServer runs a relay behind an httptest server and tears both down
// when the test ends.
func startTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	s := New(testConfig(mutate), zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dial connects a WebSocket client with a browser-like Origin header.
func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialN connects n clients and waits until all of them are registered.
func dialN(t *testing.T, s *Server, url string, n int) []*websocket.Conn {
	t.Helper()

	base := s.Registry().Len()
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = dial(t, url)
	}
	waitForClients(t, s, base+n)
	return conns
}

func waitForClients(t *testing.T, s *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Registry().Len() == want
	}, 5*time.Second, 5*time.Millisecond, "registry never reached %d clients", want)
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// readText reads the next frame, failing the test after timeout.
func readText(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// expectNoMessage asserts nothing arrives within d. The connection is unusable
// for reads afterwards because the deadline expires.
func expectNoMessage(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %q", data)
	}
}
