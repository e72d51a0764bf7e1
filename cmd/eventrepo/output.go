package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/codewandler/eventrepo/core/es"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func newEventTable(w io.Writer) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tSEQ\tEVENT\tVERSION\tPAYLOAD")
	return tw
}

func printEventRow(w io.Writer, ev es.SerializedEvent) {
	fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
		ev.AggregateType, ev.AggregateID, ev.Sequence, ev.EventType, ev.EventVersion, truncate(string(ev.Payload), 60))
}

func printEvents(events []es.SerializedEvent) error {
	if jsonOutput {
		return printJSON(events)
	}
	tw := newEventTable(os.Stdout)
	for _, ev := range events {
		printEventRow(tw, ev)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
