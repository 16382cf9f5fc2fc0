package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/grantoor/pkg/config"
	"github.com/ethpandaops/grantoor/pkg/dispatch"
	"golang.org/x/time/rate"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter keeps one token bucket per key. A nil *keyedLimiter allows
// everything.
type keyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// newKeyedLimiter returns nil when the tier sets no limit. Idle keys are
// dropped until done is closed.
func newKeyedLimiter(tier config.RateLimitTier, done <-chan struct{}) *keyedLimiter {
	if tier.RequestsPerMinute <= 0 {
		return nil
	}

	kl := &keyedLimiter{
		entries: make(map[string]*limiterEntry, 64),
		limit:   rate.Limit(float64(tier.RequestsPerMinute) / 60.0),
		burst:   tier.RequestsPerMinute,
		now:     time.Now,
	}

	go kl.run(done)

	return kl
}

func (kl *keyedLimiter) allow(key string) bool {
	if kl == nil {
		return true
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()

	entry, ok := kl.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.entries[key] = entry
	}

	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// sweep forgets keys idle for longer than rateLimitEntryTTL.
func (kl *keyedLimiter) sweep() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()
	removed := 0

	for key, entry := range kl.entries {
		if now.Sub(entry.lastSeen) > rateLimitEntryTTL {
			delete(kl.entries, key)
			removed++
		}
	}

	return removed
}

func (kl *keyedLimiter) run(done <-chan struct{}) {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kl.sweep()
		case <-done:
			return
		}
	}
}

// rateLimitByIP returns a per-client-IP rate limiting middleware for the
// given tier.
func (s *server) rateLimitByIP(
	tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	kl := newKeyedLimiter(tier, s.done)
	if kl == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !kl.allow(extractIP(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// eventKey buckets gateway events by principal. Every event arrives from
// the same gateway address, so the IP only keys events without one.
func eventKey(r *http.Request, ev dispatch.Event) string {
	if ev.PrincipalID != 0 {
		return "principal:" + strconv.FormatInt(ev.PrincipalID, 10)
	}

	return "ip:" + extractIP(r)
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For first (common with reverse proxies).
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
