package cqrs

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/codewandler/eventrepo/core/cache"
)

const (
	defaultMaxAttempts = 5
	defaultCacheTTL    = 5 * time.Minute
)

type (
	valueOption[T any] struct{ v T }

	options struct {
		log         *slog.Logger
		metrics     Metrics
		cache       cache.Cache
		maxAttempts int
		backoff     func() backoff.BackOff
	}

	Option interface{ apply(*options) }

	LogOption         valueOption[*slog.Logger]
	MetricsOption     valueOption[Metrics]
	CacheOption       valueOption[cache.Cache]
	MaxAttemptsOption valueOption[int]
	BackOffOption     valueOption[func() backoff.BackOff]
)

func WithLog(l *slog.Logger) LogOption        { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption     { return MetricsOption{v: m} }
func WithCache(c cache.Cache) CacheOption     { return CacheOption{v: c} }
func WithMaxAttempts(n int) MaxAttemptsOption { return MaxAttemptsOption{v: n} }

// WithCacheLRU caches up to size aggregates with the default TTL.
func WithCacheLRU(size int) CacheOption {
	return WithCache(cache.NewLRU(cache.LRUOpts{Size: size, TTL: defaultCacheTTL}))
}

// WithBackOff sets the delay policy between optimistic-lock retries. A fresh
// BackOff is requested per command.
func WithBackOff(fn func() backoff.BackOff) BackOffOption { return BackOffOption{v: fn} }

func (o LogOption) apply(opts *options)     { opts.log = o.v }
func (o MetricsOption) apply(opts *options) { opts.metrics = o.v }
func (o CacheOption) apply(opts *options)   { opts.cache = o.v }
func (o BackOffOption) apply(opts *options) { opts.backoff = o.v }
func (o MaxAttemptsOption) apply(opts *options) {
	if o.v > 0 {
		opts.maxAttempts = o.v
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}
