package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is returned when calls are blocked.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	capacity int
	tokens   float64
	last     time.Time
}

// Guard enforces rate limits for a provider.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu       sync.Mutex
	buckets  map[Window]*bucket
	cooldown time.Time
}

// WrapHTTP wraps an http.Client with rate-limit enforcement.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{
		base:  transport,
		guard: NewGuard(decl),
	}
	return &client
}

func NewGuard(decl Declaration) *Guard {
	g := &Guard{
		decl:    decl,
		now:     time.Now,
		buckets: make(map[Window]*bucket),
	}
	now := g.now()
	for window, limit := range decl.Limits() {
		g.buckets[window] = &bucket{capacity: limit, tokens: float64(limit), last: now}
	}
	return g
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for {
		decision := rt.guard.ShouldCall()
		if decision.Allowed {
			break
		}
		wait := decision.RetryAt.Sub(rt.guard.now())
		if decision.RetryAt.IsZero() || wait > rt.guard.decl.MaxWait() {
			blockedTotal.WithLabelValues(rt.guard.decl.ProviderName(), decision.Reason).Inc()
			return nil, RateLimitError{
				Provider: rt.guard.decl.ProviderName(),
				Reason:   decision.Reason,
				RetryAt:  decision.RetryAt,
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall consumes one slot from every window, or reports when the
// earliest retry is possible.
func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.decl.HasLimits() {
		return Decision{Allowed: true}
	}

	now := g.now()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}

	for window, b := range g.buckets {
		refill(b, window.Duration(), now)
		if b.capacity <= 0 {
			return Decision{Allowed: false, Reason: "disabled"}
		}
		if b.tokens < 1 {
			perToken := window.Duration() / time.Duration(b.capacity)
			return Decision{Allowed: false, Reason: "budget_" + window.String(), RetryAt: b.last.Add(perToken)}
		}
	}
	for window, b := range g.buckets {
		b.tokens--
		remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(b.tokens)
	}
	return Decision{Allowed: true}
}

// RecordResponse honours Retry-After on 429 and 503 responses.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	lastStatusGauge.WithLabelValues(g.decl.ProviderName()).Set(float64(status))
	if status != http.StatusTooManyRequests && status != http.StatusServiceUnavailable {
		return
	}
	seconds := retryAfterSeconds(headers.Get("Retry-After"))
	if seconds <= 0 {
		return
	}
	g.mu.Lock()
	g.cooldown = g.now().Add(time.Duration(seconds) * time.Second)
	g.mu.Unlock()
	retryAfterGauge.WithLabelValues(g.decl.ProviderName()).Set(float64(seconds))
}

func refill(b *bucket, window time.Duration, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(b.capacity) / window.Seconds()
	b.tokens = min(float64(b.capacity), b.tokens+elapsed*rate)
	b.last = now
}

func retryAfterSeconds(value string) int {
	if value == "" {
		return 0
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if ts, err := http.ParseTime(value); err == nil {
		return int(time.Until(ts).Seconds())
	}
	return 0
}
