package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/semesterpass/backend/internal/contextkeys"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/handler"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

// RateLimiter implements a keyed token bucket rate limiter.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	key      KeyFunc
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP rate limiter with the given requests per second and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return newRateLimiter(rps, burst, ClientIP)
}

func newRateLimiter(rps float64, burst int, key KeyFunc) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		key:      key,
	}
	go rl.cleanup()
	return rl
}

// Middleware returns an HTTP middleware that rate limits by the limiter's key.
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(rl.key(r)) {
				w.Header().Set("Retry-After", "1")
				handler.JSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded, try again later",
					"kind":  domain.KindRateLimited,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// StrictRateLimiter limits gateway-backed endpoints per authenticated user
// (1 req/sec, burst of 5), falling back to the client IP.
func StrictRateLimiter() func(next http.Handler) http.Handler {
	return newRateLimiter(1, 5, userOrIP).Middleware()
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

func userOrIP(r *http.Request) string {
	if id := contextkeys.UserIDFrom(r.Context()); id != "" {
		return "user:" + id
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the client IP, preferring proxy headers if available.
func ClientIP(r *http.Request) string {
	// X-Real-IP is set by the reverse proxy
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// first X-Forwarded-For entry is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
