package server

import (
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Scrub order matters: session ids first, so the phone patterns cannot eat
// the digit runs inside a UUID.
var (
	scrubIDPattern    = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	scrubEmailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	scrubPhonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{10}\b`),
		regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`),
		regexp.MustCompile(`\b\d{5}[-.\s]\d{5}\b`),
	}
)

func scrub(s string) string {
	if s == "" {
		return s
	}
	out := scrubIDPattern.ReplaceAllString(s, "[redacted:id]")
	out = scrubEmailPattern.ReplaceAllString(out, "[redacted:email]")
	for _, re := range scrubPhonePatterns {
		out = re.ReplaceAllString(out, "[redacted:phone]")
	}
	return out
}

// RedactingLogger writes one structured line per request with identifiers
// scrubbed from the query string. Request and response bodies are never
// logged; everything a patient types stays out of the log stream.
func RedactingLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		query := scrub(c.Request.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// RateLimit enforces a per-client token bucket on the routes it wraps.
// Buckets are keyed by client IP; idle buckets are evicted opportunistically
// so the map stays bounded.
func RateLimit(perSecond float64, burst int) gin.HandlerFunc {
	limiter := newClientLimiter(rate.Limit(perSecond), burst)
	return func(c *gin.Context) {
		if !limiter.allow("ip:"+c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

const bucketIdleTTL = 10 * time.Minute

type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*clientBucket
	lookups uint64
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{rps: rps, burst: burst, buckets: make(map[string]*clientBucket)}
}

func (l *clientLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	l.lookups++
	if l.lookups%256 == 0 {
		l.evictIdle(now)
	}
	return b.lim.Allow()
}

func (l *clientLimiter) evictIdle(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > bucketIdleTTL {
			delete(l.buckets, key)
		}
	}
}
