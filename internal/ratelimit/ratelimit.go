// Package ratelimit throttles ingestion per client identity.
package ratelimit

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"

	"siteline/internal/errs"
	"siteline/internal/metrics"
)

// Options configure a Limiter. Requests may be spent in a burst and are
// regained evenly over Window.
type Options struct {
	Requests int
	Window   time.Duration
	// MaxClients bounds how many identities are tracked at once.
	MaxClients int64
	Now        func() time.Time
}

// Limiter keeps one token bucket per identity. Buckets idle for two windows
// are evicted.
type Limiter struct {
	buckets *ristretto.Cache
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

func New(opts Options) (*Limiter, error) {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil, fmt.Errorf("rate limit needs positive requests and window, got %d per %s", opts.Requests, opts.Window)
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100_000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	buckets, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        opts.MaxClients * 10,
		MaxCost:            opts.MaxClients,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &Limiter{
		buckets: buckets,
		every:   rate.Every(opts.Window / time.Duration(opts.Requests)),
		burst:   opts.Requests,
		idle:    2 * opts.Window,
		now:     opts.Now,
	}, nil
}

// Allow spends one token of identity. When the bucket is empty it returns
// the interval until the next token together with an ErrRateLimited.
func (l *Limiter) Allow(identity string) (time.Duration, error) {
	now := l.now()
	bucket := l.bucket(identity)
	res := bucket.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		metrics.RateLimited.Inc()
		return delay, errs.RateLimited(delay)
	}
	return 0, nil
}

func (l *Limiter) bucket(identity string) *rate.Limiter {
	if v, ok := l.buckets.Get(identity); ok {
		b := v.(*rate.Limiter)
		l.buckets.SetWithTTL(identity, b, 1, l.idle)
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(identity); ok {
		return v.(*rate.Limiter)
	}
	b := rate.NewLimiter(l.every, l.burst)
	l.buckets.SetWithTTL(identity, b, 1, l.idle)
	l.buckets.Wait()
	return b
}

// Close releases the bucket cache.
func (l *Limiter) Close() {
	l.buckets.Close()
}

// Identity keys a client by IP. Without an IP the user agent and accepted
// languages are hashed into a signature instead.
func Identity(ip, userAgent, acceptLanguage string) string {
	if ip != "" {
		return "ip:" + ip
	}
	return "sig:" + strconv.FormatUint(xxhash.Sum64String(userAgent+"|"+acceptLanguage), 16)
}
