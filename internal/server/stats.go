package server

import (
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Stats counts relay activity. All methods are safe for concurrent use.
type Stats struct {
	accepted        atomic.Int64
	closed          atomic.Int64
	upgradeFailures atomic.Int64
	received        atomic.Int64
	rateLimited     atomic.Int64
	delivered       atomic.Int64
	sendFailures    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Clients         int   `json:"clients"`
	Accepted        int64 `json:"connections_accepted"`
	Closed          int64 `json:"connections_closed"`
	UpgradeFailures int64 `json:"upgrade_failures"`
	Received        int64 `json:"messages_received"`
	RateLimited     int64 `json:"messages_rate_limited"`
	Delivered       int64 `json:"deliveries"`
	SendFailures    int64 `json:"send_failures"`
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) addAccepted()       { s.accepted.Add(1) }
func (s *Stats) addClosed()         { s.closed.Add(1) }
func (s *Stats) addUpgradeFailure() { s.upgradeFailures.Add(1) }
func (s *Stats) addReceived()       { s.received.Add(1) }
func (s *Stats) addRateLimited()    { s.rateLimited.Add(1) }
func (s *Stats) addDelivered(n int) { s.delivered.Add(int64(n)) }
func (s *Stats) addSendFailure()    { s.sendFailures.Add(1) }

// Snapshot returns the current counters together with the live client count.
func (s *Stats) Snapshot(clients int) StatsSnapshot {
	return StatsSnapshot{
		Clients:         clients,
		Accepted:        s.accepted.Load(),
		Closed:          s.closed.Load(),
		UpgradeFailures: s.upgradeFailures.Load(),
		Received:        s.received.Load(),
		RateLimited:     s.rateLimited.Load(),
		Delivered:       s.delivered.Load(),
		SendFailures:    s.sendFailures.Load(),
	}
}

// StatsReporter logs a stats snapshot on a cron schedule.
type StatsReporter struct {
	c   *cron.Cron
	log zerolog.Logger
}

// NewStatsReporter schedules report to run on schedule, a standard cron
// expression or descriptor such as "@every 1m".
func NewStatsReporter(schedule string, stats *Stats, registry *Registry, log zerolog.Logger) (*StatsReporter, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	r := &StatsReporter{c: c, log: log}
	if _, err := c.AddFunc(schedule, func() {
		r.report(stats.Snapshot(registry.Len()))
	}); err != nil {
		return nil, fmt.Errorf("parse stats schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *StatsReporter) report(s StatsSnapshot) {
	r.log.Info().
		Int("clients", s.Clients).
		Int64("accepted", s.Accepted).
		Int64("closed", s.Closed).
		Int64("upgrade_failures", s.UpgradeFailures).
		Int64("received", s.Received).
		Int64("rate_limited", s.RateLimited).
		Int64("delivered", s.Delivered).
		Int64("send_failures", s.SendFailures).
		Msg("relay stats")
}

// Start begins the schedule; it returns immediately.
func (r *StatsReporter) Start() { r.c.Start() }

// Stop halts the schedule and waits for a running report to finish.
func (r *StatsReporter) Stop() { <-r.c.Stop().Done() }
