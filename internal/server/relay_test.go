package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(echo bool) (*Relay, *Registry, *Stats) {
	registry := NewRegistry(zerolog.Nop())
	tunables := NewTunables(testConfig(func(c *Config) { c.EchoToSender = echo }))
	stats := NewStats()
	return NewRelay(registry, tunables, stats, zerolog.Nop()), registry, stats
}

func TestRelayBroadcast(t *testing.T) {
	tests := []struct {
		name          string
		echo          bool
		wantDelivered int
		wantSender    []string
	}{
		{name: "echo to sender", echo: true, wantDelivered: 3, wantSender: []string{"hello"}},
		{name: "exclude sender", echo: false, wantDelivered: 2, wantSender: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, registry, stats := newTestRelay(tt.echo)
			a, b, c := newFakePeer("a"), newFakePeer("b"), newFakePeer("c")
			for _, p := range []*fakePeer{a, b, c} {
				require.True(t, registry.Add(p))
			}

			delivered := relay.Broadcast(NewTextMessage("a", []byte("hello")))

			assert.Equal(t, tt.wantDelivered, delivered)
			assert.Equal(t, []string{"hello"}, b.payloads())
			assert.Equal(t, []string{"hello"}, c.payloads())
			assert.Equal(t, tt.wantSender, a.payloads())
			assert.EqualValues(t, tt.wantDelivered, stats.Snapshot(0).Delivered)
		})
	}
}

func TestRelayEchoToggleAtRuntime(t *testing.T) {
	relay, registry, _ := newTestRelay(true)
	a := newFakePeer("a")
	require.True(t, registry.Add(a))

	relay.Broadcast(NewTextMessage("a", []byte("one")))
	relay.tunables.SetEchoToSender(false)
	relay.Broadcast(NewTextMessage("a", []byte("two")))

	assert.Equal(t, []string{"one"}, a.payloads())
}

func TestRelayIsolatesFailedRecipient(t *testing.T) {
	relay, registry, stats := newTestRelay(false)
	sender, ok1, bad, ok2 := newFakePeer("sender"), newFakePeer("ok1"), newFakePeer("bad"), newFakePeer("ok2")
	for _, p := range []*fakePeer{sender, ok1, bad, ok2} {
		require.True(t, registry.Add(p))
	}
	bad.failWith(ErrBackpressure)

	delivered := relay.Broadcast(NewTextMessage("sender", []byte("first")))

	assert.Equal(t, 2, delivered)
	_, present := registry.Get("bad")
	assert.False(t, present, "failed recipient must be removed")
	assert.EqualValues(t, 1, bad.closeCalls.Load(), "failed recipient must be closed")
	assert.EqualValues(t, 1, stats.Snapshot(0).SendFailures)

	relay.Broadcast(NewTextMessage("sender", []byte("second")))

	assert.Equal(t, []string{"first", "second"}, ok1.payloads())
	assert.Equal(t, []string{"first", "second"}, ok2.payloads())
	assert.Empty(t, bad.payloads(), "removed recipient receives nothing further")
}

func TestRelayAllRecipientsFailing(t *testing.T) {
	relay, registry, _ := newTestRelay(true)
	for i := 0; i < 5; i++ {
		p := newFakePeer(fmt.Sprintf("p%d", i))
		p.failWith(errors.New("broken pipe"))
		require.True(t, registry.Add(p))
	}

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, relay.Broadcast(NewTextMessage("p0", []byte("x"))))
	})
	assert.Equal(t, 0, registry.Len())

	assert.Equal(t, 0, relay.Broadcast(NewTextMessage("p0", []byte("y"))), "broadcast to nobody does not fail")
}

func TestRelayPreservesPerSenderOrder(t *testing.T) {
	relay, registry, _ := newTestRelay(false)
	recipients := []*fakePeer{newFakePeer("r1"), newFakePeer("r2"), newFakePeer("r3")}
	for _, p := range recipients {
		require.True(t, registry.Add(p))
	}

	const perSender = 100
	senders := []string{"s1", "s2", "s3"}

	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				relay.Broadcast(NewTextMessage(sender, []byte(fmt.Sprintf("%s:%03d", sender, i))))
			}
		}(s)
	}
	wg.Wait()

	for _, r := range recipients {
		got := r.payloads()
		require.Len(t, got, perSender*len(senders))

		next := make(map[string]int)
		for _, payload := range got {
			sender, rawSeq, ok := strings.Cut(payload, ":")
			require.True(t, ok)
			seq, err := strconv.Atoi(rawSeq)
			require.NoError(t, err)
			assert.Equal(t, next[sender], seq, "recipient %s saw %s out of order", r.ID(), payload)
			next[sender] = seq + 1
		}
	}
}

func TestRelaySharesSendDeadlineAcrossRecipients(t *testing.T) {
	const (
		timeout  = 60 * time.Millisecond
		numStuck = 5
	)
	relay, registry, _ := newTestRelay(false)
	relay.tunables.SetSendTimeout(timeout)

	for i := 0; i < numStuck; i++ {
		c := NewConnection(fmt.Sprintf("stuck-%d", i), nil, "", ConnectionOptions{
			Config:  testConfig(func(cfg *Config) { cfg.SendQueueSize = 1 }),
			Logger:  zerolog.Nop(),
			OnClose: func(id string) { registry.Remove(id) },
		})
		require.NoError(t, c.Send(NewTextMessage("x", []byte("fill"))))
		require.True(t, registry.Add(c))
	}
	healthy := newFakePeer("healthy")
	require.True(t, registry.Add(healthy))

	start := time.Now()
	delivered := relay.Broadcast(NewTextMessage("sender", []byte("hi")))
	elapsed := time.Since(start)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"hi"}, healthy.payloads())
	assert.Equal(t, 1, registry.Len(), "stalled recipients are dropped")
	assert.Less(t, elapsed, 3*timeout, "stalled recipients must share one deadline")
}

func TestConnectionSendBeforePastDeadline(t *testing.T) {
	c := newDetachedConnection(t, func(cfg *Config) { cfg.SendQueueSize = 1 }, nil)

	require.NoError(t, c.SendBefore(NewTextMessage("x", []byte("1")), time.Now().Add(-time.Second)),
		"an expired deadline still gets one attempt")
	assert.ErrorIs(t, c.SendBefore(NewTextMessage("x", []byte("2")), time.Now().Add(-time.Second)), ErrSendTimeout)
}
