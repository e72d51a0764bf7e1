// Package perkey runs work serially per key and concurrently across keys.
// The cqrs framework uses it so commands for one aggregate never race each
// other inside a process.
package perkey

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrSchedulerClosed = errors.New("perkey: scheduler is closed")
	ErrQueueFull       = errors.New("perkey: queue is full")
)

type Option func(*config)

type config struct {
	queueLimit int
}

// WithQueueLimit bounds the number of tasks waiting per key. Zero means
// unbounded.
func WithQueueLimit(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.queueLimit = n
		}
	}
}

// Scheduler executes tasks for one key in submission order. A key's worker
// goroutine exits as soon as its queue is empty.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	running    sync.WaitGroup
	queueLimit int
}

type worker struct {
	queue []*task
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func New[K comparable](opts ...Option) *Scheduler[K] {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		queueLimit: cfg.queueLimit,
	}
}

// Do runs fn for key after every earlier task for key finished and returns
// its error. When ctx ends first Do returns ctx.Err(); a task that has not
// started by then is skipped.
func (s *Scheduler[K]) Do(ctx context.Context, key K, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	w, ok := s.workers[key]
	if !ok {
		w = &worker{}
		s.workers[key] = w
		s.running.Add(1)
		go s.run(key, w)
	}
	if s.queueLimit > 0 && len(w.queue) >= s.queueLimit {
		s.mu.Unlock()
		return ErrQueueFull
	}
	w.queue = append(w.queue, t)
	s.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler[K]) run(key K, w *worker) {
	defer s.running.Done()
	for {
		s.mu.Lock()
		if len(w.queue) == 0 {
			delete(s.workers, key)
			s.mu.Unlock()
			return
		}
		t := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		s.mu.Unlock()

		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}
		t.done <- t.fn(t.ctx)
	}
}

// Active returns the number of keys with queued or running work.
func (s *Scheduler[K]) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close rejects new tasks and waits until queued tasks have run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.running.Wait()
}
