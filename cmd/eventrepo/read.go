package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codewandler/eventrepo/core/es"
)

var (
	afterSeq     uint64
	snapshotType string
	streamID     string
)

var eventsCmd = &cobra.Command{
	Use:     "events <aggregate-id>",
	Short:   "List the events of an aggregate id",
	GroupID: "read",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				events []es.SerializedEvent
				err    error
			)
			if afterSeq > 0 {
				events, err = a.repo.GetLastEvents(ctx, args[0], es.Sequence(afterSeq))
			} else {
				events, err = a.repo.GetEvents(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("getting events of %s: %w", args[0], err)
			}
			return printEvents(events)
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:     "snapshot <aggregate-id>",
	Short:   "Show the latest snapshot of an aggregate",
	GroupID: "read",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				snap *es.SerializedSnapshot
				err  error
			)
			if snapshotType != "" {
				snap, err = a.repo.GetSnapshotFor(ctx, snapshotType, args[0])
			} else {
				snap, err = a.repo.GetSnapshot(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("getting snapshot of %s: %w", args[0], err)
			}
			if snap == nil {
				fmt.Fprintf(os.Stderr, "no snapshot for %s\n", args[0])
				return nil
			}
			if jsonOutput {
				return printJSON(snap)
			}
			fmt.Printf("Type:     %s\n", snap.AggregateType)
			fmt.Printf("ID:       %s\n", snap.AggregateID)
			fmt.Printf("Sequence: %d\n", snap.CurrentSequence)
			fmt.Printf("Version:  %d\n", snap.Version)
			fmt.Printf("State:    %s\n", snap.State)
			return nil
		})
	},
}

var streamCmd = &cobra.Command{
	Use:     "stream",
	Short:   "Replay events as JSON lines",
	Long:    "Replay the events of one aggregate id, or of the whole repository, to stdout as JSON lines.",
	GroupID: "read",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var stream *es.ReplayStream
			if streamID != "" {
				stream = a.repo.StreamEvents(ctx, streamID)
			} else {
				stream = a.repo.StreamAllEvents(ctx)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetEscapeHTML(false)
			n := 0
			for ev, err := range stream.All() {
				if err != nil {
					return err
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
				n++
			}
			log.Debug("stream done", "events", n)
			return nil
		})
	},
}

func init() {
	eventsCmd.Flags().Uint64Var(&afterSeq, "after", 0, "only events after this sequence")
	snapshotCmd.Flags().StringVar(&snapshotType, "type", "", "aggregate type, required when several types share the id")
	streamCmd.Flags().StringVar(&streamID, "id", "", "aggregate id to replay (default: all events)")
}
