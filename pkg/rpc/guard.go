package rpc

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
)

// ErrRateLimited is returned by Allow when a host exceeds its rate
var ErrRateLimited = errors.New("rpc: rate limit exceeded")

// GuardConfig holds guard configuration
type GuardConfig struct {
	Rate              rate.Limit    // Sustained requests per second per host
	Burst             int           // Maximum burst per host
	BlacklistDuration time.Duration // How long a malfactor stays blacklisted
	Cleanup           time.Duration // How often to drop idle limiters
	Clock             clock.Clock
}

// DefaultGuardConfig returns the default guard configuration
func DefaultGuardConfig() *GuardConfig {
	return &GuardConfig{
		Rate:              50,
		Burst:             100,
		BlacklistDuration: constants.BlacklistDuration,
		Cleanup:           10 * time.Minute,
	}
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard keeps per-host rate limiters and the endpoint blacklist. Several
// nodes may share a host, so a malfactor verdict only excludes the host:port
// it was reached at.
type Guard struct {
	config *GuardConfig
	clock  clock.Clock

	mu          sync.Mutex
	limiters    map[string]*hostLimiter
	blacklist   map[string]time.Time // endpoint -> expiry time
	lastCleanup time.Time
}

// NewGuard creates a new guard
func NewGuard(config *GuardConfig) *Guard {
	defaults := DefaultGuardConfig()
	if config == nil {
		config = defaults
	}
	if config.Rate <= 0 {
		config.Rate = defaults.Rate
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.BlacklistDuration <= 0 {
		config.BlacklistDuration = defaults.BlacklistDuration
	}
	if config.Cleanup <= 0 {
		config.Cleanup = defaults.Cleanup
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &Guard{
		config:      config,
		clock:       config.Clock,
		limiters:    make(map[string]*hostLimiter),
		blacklist:   make(map[string]time.Time),
		lastCleanup: config.Clock.Now(),
	}
}

// Allow checks whether host is within its request rate
func (g *Guard) Allow(host string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if now.Sub(g.lastCleanup) > g.config.Cleanup {
		g.cleanupLocked(now)
		g.lastCleanup = now
	}

	l, ok := g.limiters[host]
	if !ok {
		l = &hostLimiter{limiter: rate.NewLimiter(g.config.Rate, g.config.Burst)}
		g.limiters[host] = l
	}
	l.lastSeen = now

	if !l.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// RetryAfter suggests how many seconds a rate-limited host should wait
func (g *Guard) RetryAfter() uint32 {
	secs := uint32(math.Ceil(1 / float64(g.config.Rate)))
	if secs == 0 {
		return 1
	}
	return secs
}

// Blacklist blocks endpoint (host:port) for the configured duration
func (g *Guard) Blacklist(endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blacklist[endpoint] = g.clock.Now().Add(g.config.BlacklistDuration)
}

// IsBlacklisted checks if endpoint is currently blacklisted
func (g *Guard) IsBlacklisted(endpoint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.blacklist[endpoint]
	if !ok {
		return false
	}
	if g.clock.Now().After(expiry) {
		delete(g.blacklist, endpoint)
		return false
	}
	return true
}

// Blacklisted returns the number of endpoints currently blacklisted
func (g *Guard) Blacklisted() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	n := 0
	for _, expiry := range g.blacklist {
		if now.Before(expiry) {
			n++
		}
	}
	return n
}

// cleanupLocked drops expired blacklist entries and limiters idle for an hour
func (g *Guard) cleanupLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	for host, l := range g.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(g.limiters, host)
		}
	}
	for endpoint, expiry := range g.blacklist {
		if now.After(expiry) {
			delete(g.blacklist, endpoint)
		}
	}
}
