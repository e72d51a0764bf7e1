package cqrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/codewandler/eventrepo/core/cache"
	"github.com/codewandler/eventrepo/core/es"
	"github.com/codewandler/eventrepo/core/perkey"
	"github.com/codewandler/eventrepo/core/sf"
)

// Config wires a Framework to its repository and aggregate type.
type Config[A any] struct {
	Repository es.EventRepository
	Registry   *es.EventRegistry
	// New returns an empty aggregate.
	New      func() A
	Strategy Strategy
	Queries  []Query
}

type cachedState struct {
	State           json.RawMessage
	Sequence        es.Sequence
	SnapshotVersion uint64
}

// Framework executes commands of type C against aggregates of type A.
// Commands for one aggregate id are run one at a time within the process;
// writers in other processes are caught by the repository's optimistic lock
// and the command is retried on a fresh load.
type Framework[A Aggregate[C], C any] struct {
	repo        es.EventRepository
	registry    *es.EventRegistry
	newAgg      func() A
	aggType     string
	strategy    Strategy
	queries     []Query
	log         *slog.Logger
	metrics     Metrics
	cache       cache.TypedCache[cachedState]
	sched       *perkey.Scheduler[string]
	loads       *sf.Group[*Loaded[A]]
	maxAttempts int
	backoff     func() backoff.BackOff
}

func New[A Aggregate[C], C any](cfg Config[A], opts ...Option) (*Framework[A, C], error) {
	if cfg.Repository == nil {
		return nil, errors.New("cqrs: repository is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("cqrs: event registry is required")
	}
	if cfg.New == nil {
		return nil, errors.New("cqrs: aggregate constructor is required")
	}
	aggType := cfg.New().AggregateType()
	if aggType == "" {
		return nil, errors.New("cqrs: aggregate type is empty")
	}

	o := options{
		log:         slog.Default(),
		metrics:     NopMetrics(),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackOff,
	}
	for _, opt := range opts {
		opt.apply(&o)
	}

	f := &Framework[A, C]{
		repo:        cfg.Repository,
		registry:    cfg.Registry,
		newAgg:      cfg.New,
		aggType:     aggType,
		strategy:    cfg.Strategy,
		queries:     cfg.Queries,
		log:         o.log.With(slog.String("cqrs", aggType), slog.String("strategy", cfg.Strategy.String())),
		metrics:     o.metrics,
		sched:       perkey.New[string](),
		loads:       sf.New[*Loaded[A]](),
		maxAttempts: o.maxAttempts,
		backoff:     o.backoff,
	}
	if o.cache != nil {
		f.cache = cache.NewTyped[cachedState](o.cache)
	}
	return f, nil
}

// NewEventStoreCqrs replays every aggregate from its full stream.
func NewEventStoreCqrs[A Aggregate[C], C any](
	repo es.EventRepository,
	registry *es.EventRegistry,
	newAgg func() A,
	queries []Query,
	opts ...Option,
) (*Framework[A, C], error) {
	return New[A, C](Config[A]{Repository: repo, Registry: registry, New: newAgg, Strategy: EventStore(), Queries: queries}, opts...)
}

// NewSnapshotCqrs snapshots every snapshotSize events.
func NewSnapshotCqrs[A Aggregate[C], C any](
	repo es.EventRepository,
	registry *es.EventRegistry,
	newAgg func() A,
	queries []Query,
	snapshotSize int,
	opts ...Option,
) (*Framework[A, C], error) {
	return New[A, C](Config[A]{Repository: repo, Registry: registry, New: newAgg, Strategy: SnapshotStore(snapshotSize), Queries: queries}, opts...)
}

// NewAggregateCqrs snapshots on every commit.
func NewAggregateCqrs[A Aggregate[C], C any](
	repo es.EventRepository,
	registry *es.EventRegistry,
	newAgg func() A,
	queries []Query,
	opts ...Option,
) (*Framework[A, C], error) {
	return New[A, C](Config[A]{Repository: repo, Registry: registry, New: newAgg, Strategy: AggregateStore(), Queries: queries}, opts...)
}

func (f *Framework[A, C]) AggregateType() string { return f.aggType }

// Close waits for running commands and rejects new ones.
func (f *Framework[A, C]) Close() { f.sched.Close() }

func (f *Framework[A, C]) Execute(ctx context.Context, aggregateID string, cmd C) error {
	return f.ExecuteWithMetadata(ctx, aggregateID, cmd, nil)
}

// ExecuteWithMetadata runs cmd and stores md with every produced event.
func (f *Framework[A, C]) ExecuteWithMetadata(ctx context.Context, aggregateID string, cmd C, md es.Metadata) (err error) {
	if aggregateID == "" {
		return fmt.Errorf("%w: aggregate id is empty", ErrUserError)
	}
	defer f.metrics.CommandDuration(f.aggType).ObserveDuration()

	log := f.log.With(slog.Group("agg", slog.String("type", f.aggType), slog.String("id", aggregateID)))

	err = f.sched.Do(ctx, aggregateID, func(ctx context.Context) error {
		attempt := 0
		_, err := backoff.Retry(
			ctx,
			func() (struct{}, error) {
				attempt++
				err := f.executeOnce(ctx, log, aggregateID, cmd, md)
				if err == nil || es.IsOptimisticLock(err) {
					return struct{}{}, err
				}
				return struct{}{}, backoff.Permanent(err)
			},
			backoff.WithBackOff(f.backoff()),
			backoff.WithMaxTries(uint(f.maxAttempts)),
			backoff.WithNotify(func(err error, wait time.Duration) {
				f.metrics.Retry(f.aggType)
				log.Warn(
					"conflict, retrying",
					slog.Int("attempt", attempt),
					slog.Duration("backoff", wait),
					slog.Any("err", err),
				)
			}),
		)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return err
	})
	if err != nil {
		reason := failureReason(err)
		f.metrics.CommandFailed(f.aggType, reason)
		if reason == "user_error" {
			log.Debug("command rejected", slog.Any("err", err))
		} else {
			log.Error("command failed", slog.String("reason", reason), slog.Any("err", err))
		}
	}
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUserError):
		return "user_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return es.KindOf(err).String()
	}
}

func (f *Framework[A, C]) executeOnce(ctx context.Context, log *slog.Logger, aggregateID string, cmd C, md es.Metadata) error {
	loaded, err := f.load(ctx, aggregateID)
	if err != nil {
		return err
	}

	events, err := loaded.Aggregate.Handle(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUserError, err)
	}
	if len(events) == 0 {
		return nil
	}

	serialized, err := es.Serialize(f.aggType, aggregateID, loaded.Sequence, md, events...)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := loaded.Aggregate.Apply(ev); err != nil {
			return fmt.Errorf("apply %T: %w", ev, err)
		}
	}
	next := es.LastSequence(serialized)

	var (
		state      json.RawMessage
		snapUpdate *es.SnapshotUpdate
		takeSnap   = f.strategy.shouldSnapshot(loaded.Sequence, next)
	)
	if takeSnap || f.cache != nil {
		if state, err = json.Marshal(loaded.Aggregate); err != nil {
			return fmt.Errorf("encode %s state: %w", f.aggType, err)
		}
	}
	if takeSnap {
		snapUpdate = &es.SnapshotUpdate{
			AggregateType:   f.aggType,
			AggregateID:     aggregateID,
			State:           state,
			CurrentSequence: next,
			ExpectedVersion: loaded.SnapshotVersion,
		}
	}

	if err := f.repo.Persist(ctx, serialized, snapUpdate); err != nil {
		f.forget(aggregateID)
		return err
	}

	snapVersion := loaded.SnapshotVersion
	if snapUpdate != nil {
		snapVersion++
		f.metrics.SnapshotWritten(f.aggType)
	}
	if f.cache != nil {
		f.cache.Put(aggregateID, cachedState{State: state, Sequence: next, SnapshotVersion: snapVersion})
	}

	log.Debug(
		"command executed",
		slog.Int("events", len(events)),
		next.SlogAttr(),
		slog.Bool("snapshot", snapUpdate != nil),
	)

	f.dispatch(ctx, log, aggregateID, envelopes(events, serialized, md))
	return nil
}

func (f *Framework[A, C]) dispatch(ctx context.Context, log *slog.Logger, aggregateID string, events []EventEnvelope) {
	for i, q := range f.queries {
		if err := q.Dispatch(ctx, aggregateID, events); err != nil {
			f.metrics.QueryFailed(f.aggType)
			log.Error("query failed", slog.Int("query", i), slog.String("query_type", fmt.Sprintf("%T", q)), slog.Any("err", err))
		}
	}
}

func (f *Framework[A, C]) forget(aggregateID string) {
	if f.cache != nil {
		f.cache.Delete(aggregateID)
	}
}
