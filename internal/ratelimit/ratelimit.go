// Package ratelimit protects the session accept loop against connection
// floods using two-level token bucket limiting (per-IP and global),
// adapted from the teacher's ConnectionRateLimiter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/odin-labs/eventcore/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config configures both rate-limiting tiers.
type Config struct {
	IPBurst int           // Max burst connections per IP
	IPRate  float64       // Sustained connections/sec per IP
	IPTTL   time.Duration // Evict an IP's limiter after this much inactivity

	GlobalBurst int     // Max burst connections system-wide
	GlobalRate  float64 // Sustained connections/sec system-wide
}

func (c Config) withDefaults() Config {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
	return c
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter gates new session attempts: a global token bucket protects the
// process against a distributed flood, and a per-IP bucket protects
// against any single client hammering the accept loop.
type Limiter struct {
	cfg Config

	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry

	global *rate.Limiter
	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// New constructs a Limiter and starts its stale-entry cleanup loop.
// Call Stop when done.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:           cfg,
		ipLimiters:    make(map[string]*ipLimiterEntry),
		global:        rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        logger.With().Str("component", "ratelimit").Logger(),
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
	}
	go l.cleanupLoop()

	l.logger.Info().
		Int("ip_burst", cfg.IPBurst).
		Float64("ip_rate", cfg.IPRate).
		Int("global_burst", cfg.GlobalBurst).
		Float64("global_rate", cfg.GlobalRate).
		Msg("ratelimit: initialized")
	return l
}

// Allow checks the global bucket first, then the per-IP bucket, and
// returns false on whichever limit is exhausted first.
func (l *Limiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("ratelimit: global limit exceeded")
		telemetry.RateLimitedConnections.Inc()
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("ratelimit: per-ip limit exceeded")
		telemetry.RateLimitedConnections.Inc()
		return false
	}
	return true
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst)
	l.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.cfg.IPTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// TrackedIPs reports how many per-IP limiters are currently live, for
// diagnostics.
func (l *Limiter) TrackedIPs() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	return len(l.ipLimiters)
}

// Stop ends the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stopCleanup)
}
