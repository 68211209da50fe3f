// Package server manages individual WebSocket connections, handling the
// receive loop, the write pump, rate limiting and lifecycle control for each
// session.
package server

import (
	"errors"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// closeFrameWait bounds how long Close spends on the courtesy close frame, so
// closing a stalled client never stalls the caller.
const closeFrameWait = 100 * time.Millisecond

// State is the liveness state of a Connection.
type State int32

// Connection states. Transitions only move forward.
const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionOptions carries the collaborators and settings of a Connection.
type ConnectionOptions struct {
	Config   Config
	Tunables *Tunables
	Stats    *Stats
	Logger   zerolog.Logger
	// OnClose runs once when the connection leaves the open state.
	OnClose func(id string)
}

// Connection is one accepted client session. It exclusively owns its
// WebSocket; reads happen on the receive loop and writes on the write pump.
type Connection struct {
	id       string
	addr     string
	ws       *websocket.Conn
	queue    chan Message
	done     chan struct{}
	state    atomic.Int32
	limiter  *rate.Limiter
	tunables *Tunables
	stats    *Stats
	onClose  func(id string)
	log      zerolog.Logger

	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
	writeWait      time.Duration
}

// NewConnection wraps an upgraded WebSocket. The id must be unique for the
// lifetime of the process; it never changes.
func NewConnection(id string, ws *websocket.Conn, addr string, opts ConnectionOptions) *Connection {
	cfg := opts.Config.withDefaults()
	tunables := opts.Tunables
	if tunables == nil {
		tunables = NewTunables(cfg)
	}
	stats := opts.Stats
	if stats == nil {
		stats = NewStats()
	}

	c := &Connection{
		id:             id,
		addr:           addr,
		ws:             ws,
		queue:          make(chan Message, cfg.SendQueueSize),
		done:           make(chan struct{}),
		limiter:        newRateLimiter(cfg.RateLimit),
		tunables:       tunables,
		stats:          stats,
		onClose:        opts.OnClose,
		log:            opts.Logger.With().Str("conn_id", id).Str("remote_addr", addr).Logger(),
		maxMessageSize: cfg.MaxMessageSize,
		pingInterval:   cfg.PingInterval,
		pongWait:       cfg.PongWait,
		writeWait:      cfg.WriteWait,
	}
	if ws != nil {
		ws.SetReadLimit(c.maxMessageSize)
		c.setupReadConnection()
	}
	return c
}

// ID returns the session identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the client address the session was accepted from.
func (c *Connection) RemoteAddr() string { return c.addr }

// State returns the current liveness state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed when the connection leaves the open state.
func (c *Connection) Done() <-chan struct{} { return c.done }

// setupReadConnection configures read deadlines and the pong handler.
func (c *Connection) setupReadConnection() {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
}

// Send queues msg for delivery. It waits at most the configured send timeout
// for queue space and never retries; any error is terminal for the caller's
// view of this connection.
func (c *Connection) Send(msg Message) error {
	timeout := c.tunables.SendTimeout()
	if timeout <= 0 {
		return c.trySend(msg, ErrBackpressure)
	}
	return c.SendBefore(msg, time.Now().Add(timeout))
}

// SendBefore queues msg, waiting for queue space until deadline. A deadline
// that has already passed still gets one non-blocking attempt.
func (c *Connection) SendBefore(msg Message, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return c.trySend(msg, ErrSendTimeout)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.queue <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// trySend enqueues without waiting, returning full when the queue has no room.
func (c *Connection) trySend(msg Message, full error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.queue <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return full
	}
}

// Receive blocks for the next inbound message. Once the transport closes or
// fails the connection is closed and Receive returns ErrClosed. Receive must
// only be called from one goroutine.
func (c *Connection) Receive() (Message, error) {
	for {
		if c.ws == nil || c.State() != StateOpen {
			return Message{}, ErrClosed
		}

		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			_ = c.Close()
			return Message{}, ErrClosed
		}
		if !isDataFrame(messageType) {
			continue
		}

		c.stats.addReceived()
		if !c.checkRateLimit() {
			continue
		}
		return Message{SenderID: c.id, Type: messageType, Payload: payload}, nil
	}
}

// Messages returns the lazy sequence of inbound messages, ending when the
// connection closes.
func (c *Connection) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			msg, err := c.Receive()
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// checkRateLimit reports whether the message may be relayed.
func (c *Connection) checkRateLimit() bool {
	if c.limiter == nil || c.limiter.Allow() {
		return true
	}
	c.stats.addRateLimited()
	c.log.Warn().Int("burst", c.limiter.Burst()).Msg("rate limit exceeded; discarding message")
	return false
}

// handleReadError logs the read failure at a level matching how expected it is.
func (c *Connection) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.log.Info().Err(err).Msg("websocket read error")
	}
}

// readPump hands every inbound message to handle until the connection
// closes.
func (c *Connection) readPump(handle func(Message)) {
	defer func() { _ = c.Close() }()

	for msg := range c.Messages() {
		handle(msg)
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. A write error closes the connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				c.logWriteError("error writing message", err)
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.logWriteError("error writing ping", err)
				return
			}
		}
	}
}

func (c *Connection) write(msg Message) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	messageType := msg.Type
	if !isDataFrame(messageType) {
		messageType = websocket.TextMessage
	}
	return c.ws.WriteMessage(messageType, msg.Payload)
}

func (c *Connection) ping() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *Connection) logWriteError(msg string, err error) {
	if isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg(msg)
		return
	}
	c.log.Warn().Err(err).Msg(msg)
}

// Close moves the connection to closing, deregisters it, sends a close frame
// best effort and releases the transport, which unblocks any in-flight read or
// write. Only the first call has an effect.
func (c *Connection) Close() error { return c.close(true) }

// abort closes a connection that was never registered or counted as
// accepted: OnClose does not run and the close is not counted.
func (c *Connection) abort() error { return c.close(false) }

func (c *Connection) close(accepted bool) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	close(c.done)
	if accepted && c.onClose != nil {
		c.onClose(c.id)
	}

	var err error
	if c.ws != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeFrameWait))
		err = c.ws.Close()
	}

	c.state.Store(int32(StateClosed))
	if accepted {
		c.stats.addClosed()
	}
	c.log.Debug().Bool("accepted", accepted).Msg("connection closed")
	if isExpectedCloseError(err) {
		return nil
	}
	return err
}
