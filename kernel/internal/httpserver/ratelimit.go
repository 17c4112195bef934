package httpserver

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/VERAXIS/Core/kernel/internal/auth"
)

// rateLimiter keeps a token bucket per principal. Stale buckets are evicted
// so the map does not grow with every identity ever seen.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.evictLoop()
	return rl
}

func (rl *rateLimiter) allow(principal string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[principal]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[principal] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *rateLimiter) evictLoop() {
	for {
		time.Sleep(time.Minute)
		cutoff := time.Now().Add(-3 * time.Minute)
		rl.mu.Lock()
		for id, v := range rl.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(rl.visitors, id)
			}
		}
		rl.mu.Unlock()
	}
}

// middleware applies the per-principal limit. It runs after auth so the
// bucket key is the authenticated identity, not the remote address.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		if p == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(p.ID) {
			w.Header().Set("Retry-After", "1")
			respondKind(w, r, KindRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
