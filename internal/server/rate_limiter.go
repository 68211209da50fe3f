// Package server builds the per-connection inbound rate limiter that protects
// the relay from message floods.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines per-connection inbound message rate limiting.
// A Burst of zero disables limiting.
type RateLimitConfig struct {
	Burst    int           `yaml:"burst"`
	Interval time.Duration `yaml:"interval"`
}

// Enabled reports whether the config limits anything.
func (c RateLimitConfig) Enabled() bool { return c.Burst > 0 }

// newRateLimiter allows burst messages per interval, refilling continuously.
// It returns nil when limiting is disabled.
func newRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	if !cfg.Enabled() {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(cfg.Burst)/interval.Seconds()), cfg.Burst)
}
