package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenBucket implements token bucket rate limiting
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	perSecond  float64
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket refills a full bucket of capacity tokens every refill.
func NewTokenBucket(capacity int, refill time.Duration) *TokenBucket {
	if refill <= 0 {
		refill = time.Second
	}
	now := time.Now()
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		perSecond:  float64(capacity) / refill.Seconds(),
		lastRefill: now,
		lastUsed:   now,
	}
}

func (tb *TokenBucket) Allow() bool {
	return tb.allowAt(time.Now())
}

func (tb *TokenBucket) allowAt(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.perSecond
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	tb.lastUsed = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RetryAfter is the wait until the next token, rounded up to seconds.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.perSecond <= 0 {
		return time.Minute
	}
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	secs := int(missing/tb.perSecond) + 1
	return time.Duration(secs) * time.Second
}

// RateLimiter manages one bucket per project
type RateLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*TokenBucket
	capacity int
	refill   time.Duration
}

func NewRateLimiter(capacity int, refill time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*TokenBucket),
		capacity: capacity,
		refill:   refill,
	}

	// Start cleanup goroutine to remove old buckets
	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists := rl.buckets[key]; exists {
		return bucket
	}
	bucket = NewTokenBucket(rl.capacity, rl.refill)
	rl.buckets[key] = bucket
	return bucket
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.getBucket(key).Allow()
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, bucket := range rl.buckets {
			bucket.mu.Lock()
			// Remove buckets that haven't been used in 10 minutes
			if now.Sub(bucket.lastUsed) > 10*time.Minute {
				delete(rl.buckets, key)
			}
			bucket.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware limits requests per project (falling back to the
// client address when auth is off). Long-lived streams are exempt.
func RateLimitMiddleware(capacity int, refill time.Duration) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(capacity, refill)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) || strings.HasSuffix(r.URL.Path, "/stream") {
				next.ServeHTTP(w, r)
				return
			}

			key := GetProjectFromContext(r.Context())
			if key == "" {
				key = "ip:" + r.RemoteAddr
			}
			bucket := limiter.getBucket(key)
			if !bucket.Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(int(bucket.RetryAfter().Seconds())))
				http.Error(w, "rate limit exceeded, please try again later", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
