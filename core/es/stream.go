package es

import (
	"context"
	"iter"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/codewandler/eventrepo/ports/backend"
)

// pageFunc returns the next batch of events and whether more may follow.
type pageFunc func(ctx context.Context) (events []SerializedEvent, more bool, err error)

// beginFunc runs when a stream is first advanced. The returned function is
// called once with the error that ended the stream.
type beginFunc func(ctx context.Context) (context.Context, func(err error))

// ReplayStream yields events lazily in the order the backend returns them.
// It is finite and cannot be restarted; call the repository again to replay
// a second time. A ReplayStream is not safe for concurrent use.
//
// Nothing is read and no span is started until the first Next. Once advanced,
// a stream holds resources until it is exhausted, fails or is closed.
//
//	s := repo.StreamEvents(ctx, "a1")
//	defer s.Close()
//	for s.Next() {
//	    apply(s.Event())
//	}
//	if err := s.Err(); err != nil {
//	    return err
//	}
type ReplayStream struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	fetch  pageFunc
	begin  beginFunc
	finish func(err error)

	buf     []SerializedEvent
	cur     SerializedEvent
	more    bool
	err     error
	started bool
	done    bool
}

func newReplayStream(ctx context.Context, fetch pageFunc, begin beginFunc) *ReplayStream {
	return &ReplayStream{
		parent: ctx,
		fetch:  fetch,
		begin:  begin,
		more:   true,
	}
}

func (s *ReplayStream) start() {
	s.started = true
	ctx := s.parent
	if s.begin != nil {
		ctx, s.finish = s.begin(ctx)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Next advances to the next event. It returns false when the stream is
// exhausted, failed or closed.
func (s *ReplayStream) Next() bool {
	for {
		if s.done {
			return false
		}
		if !s.started {
			s.start()
		}
		if len(s.buf) > 0 {
			s.cur, s.buf = s.buf[0], s.buf[1:]
			return true
		}
		if !s.more {
			s.close(nil)
			return false
		}
		if err := s.ctx.Err(); err != nil {
			s.close(newError("stream", KindConnection, err))
			return false
		}
		page, more, err := s.fetch(s.ctx)
		if err != nil {
			s.close(err)
			return false
		}
		s.buf, s.more = page, more
	}
}

// Event returns the event Next advanced to.
func (s *ReplayStream) Event() SerializedEvent { return s.cur }

// Err returns the error that ended the stream, if any.
func (s *ReplayStream) Err() error { return s.err }

// Close releases the stream. Calling it more than once is allowed.
func (s *ReplayStream) Close() error {
	s.close(nil)
	return nil
}

func (s *ReplayStream) close(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.buf = nil
	if s.cancel != nil {
		s.cancel()
	}
	if s.finish != nil {
		s.finish(err)
	}
}

// All adapts the stream to a range-over-func iterator. The stream is closed
// when iteration stops; a failure is yielded once as the last element.
func (s *ReplayStream) All() iter.Seq2[SerializedEvent, error] {
	return func(yield func(SerializedEvent, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Event(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(SerializedEvent{}, err)
		}
	}
}

// Collect drains the stream into a slice.
func (s *ReplayStream) Collect() ([]SerializedEvent, error) {
	var out []SerializedEvent
	for ev, err := range s.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// StreamEvents replays one aggregate's events in ascending sequence order.
// The events are read in a single backend transaction when the stream is
// first advanced.
func (r *Repository) StreamEvents(ctx context.Context, aggregateID string) *ReplayStream {

	fetch := func(ctx context.Context) ([]SerializedEvent, bool, error) {
		events, err := r.readEvents(ctx, opStreamEvents, aggregateID, backend.Only(aggregateID))
		if err != nil {
			return nil, false, err
		}
		r.metrics.StreamPageFetched(len(events))
		return events, false, nil
	}
	return newReplayStream(ctx, fetch, r.traceStream(opStreamEvents, attribute.String("es.aggregate_id", aggregateID)))
}

// StreamAllEvents replays every stored event. Pages of up to the configured
// size are read in primary key order, each in its own read transaction, so one
// aggregate's events arrive in ascending sequence order while the order
// across aggregates follows (aggregate_type, aggregate_id).
func (r *Repository) StreamAllEvents(ctx context.Context) *ReplayStream {

	var (
		last  backend.Key
		pages int
	)
	fetch := func(ctx context.Context) ([]SerializedEvent, bool, error) {
		rng := backend.All()
		if last != nil {
			rng = backend.After(last)
		}

		var recs []backend.Record
		err := backend.View(ctx, r.backend, func(tx backend.Tx) error {
			store, err := tx.Store(EventsStore)
			if err != nil {
				return err
			}
			recs, err = store.GetAll(ctx, backend.Query{Range: rng, Limit: r.pageSize})
			return err
		}, EventsStore)
		if err != nil {
			return nil, false, wrapErr(opStreamAllEvents, err)
		}

		events := make([]SerializedEvent, 0, len(recs))
		for _, rec := range recs {
			ev, err := decodeEvent(rec)
			if err != nil {
				return nil, false, newError(opStreamAllEvents, KindDeserialization, err)
			}
			events = append(events, ev)
		}
		if len(recs) > 0 {
			last = recs[len(recs)-1].Key
		}
		pages++
		r.metrics.StreamPageFetched(len(events))
		r.log.Debug(
			"stream page fetched",
			slog.Int("page", pages),
			slog.Int("count", len(events)),
			slog.String("after", last.String()),
		)
		// a backend may return a short page while more keys follow, so only an
		// empty page ends the stream
		return events, len(recs) > 0, nil
	}
	return newReplayStream(ctx, fetch, r.traceStream(opStreamAllEvents, attribute.Int("es.page_size", r.pageSize)))
}

func (r *Repository) traceStream(op string, attrs ...attribute.KeyValue) beginFunc {
	return func(ctx context.Context) (context.Context, func(error)) {
		ctx, span := r.startSpan(ctx, op, attrs...)
		return ctx, func(err error) { r.endSpan(span, op, err) }
	}
}
