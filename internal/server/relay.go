// Package server fans inbound messages out to every registered connection via
// the Relay type.
package server

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// deadlineSender is implemented by peers that can wait for queue space until
// a shared deadline. *Connection implements it.
type deadlineSender interface {
	SendBefore(msg Message, deadline time.Time) error
}

// Relay publishes each message to every peer in a registry snapshot. A failed
// delivery only affects the recipient it failed for.
type Relay struct {
	registry *Registry
	tunables *Tunables
	stats    *Stats
	log      zerolog.Logger
}

// NewRelay creates a relay over registry. A nil stats disables counting.
func NewRelay(registry *Registry, tunables *Tunables, stats *Stats, log zerolog.Logger) *Relay {
	if stats == nil {
		stats = NewStats()
	}
	return &Relay{
		registry: registry,
		tunables: tunables,
		stats:    stats,
		log:      log,
	}
}

// Broadcast sends msg to every peer registered at call time, skipping the
// sender unless echo-to-sender is enabled. It returns the number of peers the
// message was handed to. Per-recipient failures remove that recipient from the
// registry and close it; they are never returned.
//
// With a send timeout configured, the whole fan-out shares one deadline:
// waiting for queue space across all stalled recipients is bounded by one
// timeout, not one per recipient.
func (r *Relay) Broadcast(msg Message) int {
	peers := r.registry.Snapshot()
	echo := r.tunables.EchoToSender()

	var deadline time.Time
	if timeout := r.tunables.SendTimeout(); timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	delivered := 0
	for _, p := range peers {
		if !echo && p.ID() == msg.SenderID {
			continue
		}
		if err := r.send(p, msg, deadline); err != nil {
			r.dropPeer(p, &SendError{ConnID: p.ID(), Err: err})
			continue
		}
		delivered++
	}

	r.stats.addDelivered(delivered)
	r.log.Debug().
		Str("sender", msg.SenderID).
		Int("bytes", len(msg.Payload)).
		Int("recipients", delivered).
		Msg("broadcast message")
	return delivered
}

func (r *Relay) send(p Peer, msg Message, deadline time.Time) error {
	if ds, ok := p.(deadlineSender); ok && !deadline.IsZero() {
		return ds.SendBefore(msg, deadline)
	}
	return p.Send(msg)
}

// dropPeer removes a recipient whose send failed and closes it.
func (r *Relay) dropPeer(p Peer, err *SendError) {
	r.stats.addSendFailure()
	r.registry.Remove(p.ID())

	event := r.log.Warn()
	if errors.Is(err, ErrClosed) {
		event = r.log.Debug()
	}
	event.Err(err).Str("conn_id", p.ID()).Msg("removing client after failed send")

	if cerr := p.Close(); cerr != nil && !isExpectedCloseError(cerr) {
		r.log.Warn().Err(cerr).Str("conn_id", p.ID()).Msg("error closing client connection")
	}
}
