package ws

import (
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnRatePerMinute bounds new connections per source IP.
const ConnRatePerMinute = 3

// Gate applies the pre-handshake checks: origin validation and the per-IP
// connection rate.
type Gate struct {
	patterns []string

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewGate builds a gate from allowed-origin patterns: an exact origin or
// host, or a wildcarded subdomain like "*.example.com". Localhost origins
// are always allowed.
func NewGate(patterns []string) *Gate {
	return &Gate{
		patterns: patterns,
		limiters: make(map[string]*ipLimiter),
	}
}

// OriginAllowed validates an Origin header value. An absent origin passes;
// non-browser clients do not send one.
func (g *Gate) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	for _, pattern := range g.patterns {
		pattern = strings.ToLower(pattern)
		if pattern == origin || pattern == strings.ToLower(origin) || pattern == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

// AllowIP enforces the sliding connection budget for one source address.
func (g *Gate) AllowIP(remoteAddr string) bool {
	ip := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = h
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.limiters[ip]
	if !ok {
		entry = &ipLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/ConnRatePerMinute), ConnRatePerMinute)}
		g.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()

	// Opportunistic cleanup of idle sources.
	if len(g.limiters) > 1024 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for key, e := range g.limiters {
			if e.lastSeen.Before(cutoff) {
				delete(g.limiters, key)
			}
		}
	}

	return entry.lim.Allow()
}
