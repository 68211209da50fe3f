package server

import (
	"sync/atomic"
	"time"
)

// Tunables holds the settings that may change while the relay is running.
// A config reload applies new values without touching live connections.
type Tunables struct {
	echoToSender atomic.Bool
	sendTimeout  atomic.Int64
}

// NewTunables returns tunables initialised from cfg.
func NewTunables(cfg Config) *Tunables {
	t := &Tunables{}
	t.Apply(cfg)
	return t
}

// Apply copies the runtime-tunable fields of cfg.
func (t *Tunables) Apply(cfg Config) {
	t.echoToSender.Store(cfg.EchoToSender)
	t.sendTimeout.Store(int64(cfg.SendTimeout))
}

// EchoToSender reports whether a sender receives its own broadcasts.
func (t *Tunables) EchoToSender() bool { return t.echoToSender.Load() }

// SetEchoToSender toggles delivery of a message back to its sender.
func (t *Tunables) SetEchoToSender(v bool) { t.echoToSender.Store(v) }

// SendTimeout is how long Send waits for queue space. Zero means Send fails
// immediately when the queue is full.
func (t *Tunables) SendTimeout() time.Duration { return time.Duration(t.sendTimeout.Load()) }

// SetSendTimeout changes the per-send timeout.
func (t *Tunables) SetSendTimeout(d time.Duration) { t.sendTimeout.Store(int64(d)) }
