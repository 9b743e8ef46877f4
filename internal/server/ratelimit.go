// ratelimit.go - Per-IP sliding-window limiter for the upload route.
//
// Each upload can hold a staging directory's worth of disk and several store
// connections, so a single client is capped independently of any proxy limit.
package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter tracks request timestamps per IP with periodic cleanup.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests allowed per window
	window   time.Duration // time window for rate limiting
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// visitor tracks request timestamps for a single IP address
type visitor struct {
	mu       sync.Mutex
	requests []time.Time
}

// newRateLimiter creates a rate limiter that allows 'rate' requests per 'window'.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// middleware answers 429 with a JSON envelope once the caller is over limit.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(getClientIP(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", "too many uploads, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow checks if a request from the given IP should be allowed
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{requests: make([]time.Time, 0, rl.rate)}
		rl.visitors[ip] = v
	}
	rl.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	valid := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	v.requests = valid

	if len(v.requests) >= rl.rate {
		return false
	}
	v.requests = append(v.requests, now)
	return true
}

// cleanup periodically removes visitors with no recent requests
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

func (rl *rateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window * 2)
	for ip, v := range rl.visitors {
		v.mu.Lock()
		if len(v.requests) == 0 || v.requests[len(v.requests)-1].Before(cutoff) {
			delete(rl.visitors, ip)
		}
		v.mu.Unlock()
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}
