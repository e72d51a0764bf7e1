package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/eventrepo/core/es"
)

const loadtestAggregateType = "loadtest"

var (
	ltWriters    int
	ltAggregates int
	ltEvents     int
	ltBatch      int
)

type tick struct {
	Writer int `json:"writer"`
	N      int `json:"n"`
}

func (tick) EventType() string { return "tick" }

type loadtestResult struct {
	Persisted int64
	Conflicts int64
	Elapsed   time.Duration
}

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	Short:   "Race concurrent writers on shared aggregates",
	Long:    "Start concurrent writers appending to a small set of shared aggregates and report how many commits lost the optimistic lock.",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ltWriters < 1 || ltAggregates < 1 || ltEvents < 1 || ltBatch < 1 {
			return errors.New("writers, aggregates, events and batch must be positive")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ids := make([]string, ltAggregates)
			run := uuid.NewString()[:8]
			for i := range ids {
				ids[i] = fmt.Sprintf("lt-%s-%d", run, i)
			}

			res, err := runLoadtest(ctx, a.repo, ids, ltWriters, ltEvents, ltBatch)
			if err != nil {
				return err
			}
			if err := verifyStreams(ctx, a.repo, ids, res.Persisted); err != nil {
				return err
			}

			rate := float64(res.Persisted) / res.Elapsed.Seconds()
			if jsonOutput {
				return printJSON(map[string]any{
					"run":        run,
					"persisted":  res.Persisted,
					"conflicts":  res.Conflicts,
					"elapsed_ms": res.Elapsed.Milliseconds(),
					"events_sec": rate,
				})
			}
			fmt.Printf("run %s: %d events in %s (%.0f/s), %d conflicts\n",
				run, res.Persisted, res.Elapsed.Round(time.Millisecond), rate, res.Conflicts)
			return nil
		})
	},
}

// runLoadtest has every writer append events batches to ids round robin.
// A writer that loses the optimistic lock catches up on the aggregate and
// tries again.
func runLoadtest(ctx context.Context, repo es.EventRepository, ids []string, writers, events, batch int) (loadtestResult, error) {
	var (
		persisted atomic.Int64
		conflicts atomic.Int64
		start     = time.Now()
	)

	g, ctx := errgroup.WithContext(ctx)
	for w := range writers {
		g.Go(func() error {
			seqs := make(map[string]es.Sequence, len(ids))
			for n := 0; n < events; n += batch {
				id := ids[(w+n/batch)%len(ids)]
				size := min(batch, events-n)
				for {
					ticks := make([]any, size)
					for i := range ticks {
						ticks[i] = tick{Writer: w, N: n + i}
					}
					ses, err := es.Serialize(loadtestAggregateType, id, seqs[id], nil, ticks...)
					if err != nil {
						return err
					}
					err = repo.Persist(ctx, ses, nil)
					if err == nil {
						seqs[id] = es.LastSequence(ses)
						persisted.Add(int64(size))
						break
					}
					if !es.IsOptimisticLock(err) {
						return err
					}
					conflicts.Add(1)
					tail, err := repo.GetLastEvents(ctx, id, seqs[id])
					if err != nil {
						return err
					}
					if len(tail) > 0 {
						seqs[id] = es.LastSequence(tail)
					}
				}
			}
			log.Debug("writer done", slog.Int("writer", w))
			return nil
		})
	}
	err := g.Wait()
	return loadtestResult{Persisted: persisted.Load(), Conflicts: conflicts.Load(), Elapsed: time.Since(start)}, err
}

// verifyStreams checks that the aggregates hold want events without gaps.
func verifyStreams(ctx context.Context, repo es.EventRepository, ids []string, want int64) error {
	var total int64
	for _, id := range ids {
		events, err := repo.GetEvents(ctx, id)
		if err != nil {
			return err
		}
		for i, ev := range events {
			if ev.Sequence != es.Sequence(i+1) {
				return fmt.Errorf("aggregate %s: event %d has sequence %d", id, i, ev.Sequence)
			}
		}
		total += int64(len(events))
	}
	if total != want {
		return fmt.Errorf("stored %d events, writers persisted %d", total, want)
	}
	return nil
}

func init() {
	loadtestCmd.Flags().IntVarP(&ltWriters, "writers", "w", 8, "concurrent writers")
	loadtestCmd.Flags().IntVarP(&ltAggregates, "aggregates", "a", 4, "shared aggregates")
	loadtestCmd.Flags().IntVarP(&ltEvents, "events", "n", 200, "events per writer")
	loadtestCmd.Flags().IntVarP(&ltBatch, "batch", "b", 1, "events per persist call")
}
