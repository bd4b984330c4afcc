package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateDecision reports the state of a key's window after counting a request.
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts requests per key over fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) RateDecision
	Close() error
}

// ratePolicy is the limit applied to one class of routes. subject extracts the
// caller identity within scope; an empty subject falls back to the client IP.
type ratePolicy struct {
	name    string
	scope   string
	limit   int
	window  time.Duration
	subject func(*http.Request) string
}

func (r *Router) withRateLimit(route string, p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if p.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		scope, subject := p.scope, ""
		if p.subject != nil {
			subject = p.subject(req)
		}
		if subject == "" {
			scope, subject = "ip", clientIP(req)
		}
		d := r.limiter.Allow(req.Context(), p.name+":"+scope+":"+subject, p.limit, p.window)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(p.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
		if !d.ResetAt.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}
		if !d.Allowed {
			r.recordRateLimitHit(route, scope)
			if wait := time.Until(d.ResetAt); wait > 0 {
				h.Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func operatorSubject(req *http.Request) string {
	if op, ok := operatorFromContext(req.Context()); ok {
		return op.Subject
	}
	return ""
}

func productSubject(req *http.Request) string {
	return strings.TrimSpace(req.PathValue("id"))
}

// memoryLimiter keeps windows in process. Expired windows are pruned lazily
// while counting, at most once per sweepEvery.
type memoryLimiter struct {
	mu         sync.Mutex
	windows    map[string]window
	lastSweep  time.Time
	sweepEvery time.Duration
	now        func() time.Time
}

type window struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter returns a limiter local to this process.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryLimiter(time.Now)
}

func newMemoryLimiter(now func() time.Time) *memoryLimiter {
	return &memoryLimiter{
		windows:    make(map[string]window),
		sweepEvery: 5 * time.Minute,
		now:        now,
		lastSweep:  now(),
	}
}

func (l *memoryLimiter) Allow(_ context.Context, key string, limit int, length time.Duration) RateDecision {
	if limit <= 0 {
		return RateDecision{Allowed: true}
	}
	if length <= 0 {
		length = time.Minute
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.sweepEvery {
		for k, w := range l.windows {
			if !now.Before(w.reset) {
				delete(l.windows, k)
			}
		}
		l.lastSweep = now
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		w = window{reset: now.Add(length)}
	}
	if w.count >= limit {
		return RateDecision{Allowed: false, Remaining: 0, ResetAt: w.reset}
	}
	w.count++
	l.windows[key] = w
	return RateDecision{Allowed: true, Remaining: limit - w.count, ResetAt: w.reset}
}

func (l *memoryLimiter) Close() error {
	l.mu.Lock()
	clear(l.windows)
	l.mu.Unlock()
	return nil
}
