// Package archive exports event streams to JSONL and imports them back.
//
// An archive is a header line, one line per event and a trailer line. The
// trailer holds the event count and a BLAKE2b-256 checksum over every byte
// before it, so a truncated or edited archive is rejected before anything is
// imported.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/eventrepo/core/es"
)

const formatVersion = "1"

const (
	typeHeader  = "header"
	typeEvent   = "event"
	typeTrailer = "trailer"
)

var (
	ErrChecksum = errors.New("archive checksum mismatch")
	ErrFormat   = errors.New("malformed archive")
)

// Destination receives a finished archive.
type Destination interface {
	Write(ctx context.Context, data []byte) error
}

// Source returns a previously written archive.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

type (
	header struct {
		Type      string    `json:"type"`
		Version   string    `json:"version"`
		Timestamp time.Time `json:"timestamp"`
	}

	record struct {
		Type string              `json:"type"`
		Data *es.SerializedEvent `json:"data,omitempty"`
	}

	trailer struct {
		Type     string `json:"type"`
		Count    int    `json:"count"`
		Checksum string `json:"checksum"`
	}

	// line is decoded first to find out which of the above a line holds.
	line struct {
		Type     string              `json:"type"`
		Version  string              `json:"version"`
		Data     *es.SerializedEvent `json:"data"`
		Count    int                 `json:"count"`
		Checksum string              `json:"checksum"`
	}
)

// Stats describes an exported or imported archive.
type Stats struct {
	Events     int
	Aggregates int
	Checksum   string
}

func newHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// Export drains stream into w. The stream is closed when Export returns.
func Export(ctx context.Context, w io.Writer, stream *es.ReplayStream) (Stats, error) {
	defer func() { _ = stream.Close() }()

	var (
		stats Stats
		last  [2]string
		h     = newHash()
		buf   = bufio.NewWriter(w)
	)
	enc := json.NewEncoder(io.MultiWriter(buf, h))
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{Type: typeHeader, Version: formatVersion, Timestamp: time.Now().UTC()}); err != nil {
		return stats, fmt.Errorf("encode header: %w", err)
	}

	for ev, err := range stream.All() {
		if err != nil {
			return stats, err
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := enc.Encode(record{Type: typeEvent, Data: &ev}); err != nil {
			return stats, fmt.Errorf("encode event %s/%s@%d: %w", ev.AggregateType, ev.AggregateID, ev.Sequence, err)
		}
		stats.Events++
		if agg := [2]string{ev.AggregateType, ev.AggregateID}; agg != last {
			stats.Aggregates++
			last = agg
		}
	}

	stats.Checksum = hex.EncodeToString(h.Sum(nil))
	// the trailer is not part of the checksum
	tenc := json.NewEncoder(buf)
	if err := tenc.Encode(trailer{Type: typeTrailer, Count: stats.Events, Checksum: stats.Checksum}); err != nil {
		return stats, fmt.Errorf("encode trailer: %w", err)
	}
	return stats, buf.Flush()
}

// ExportTo writes the archive to dst.
func ExportTo(ctx context.Context, dst Destination, stream *es.ReplayStream) (Stats, error) {
	var b bytes.Buffer
	stats, err := Export(ctx, &b, stream)
	if err != nil {
		return stats, err
	}
	return stats, dst.Write(ctx, b.Bytes())
}

// Verify checks the trailer of the archive in r without decoding events.
func Verify(r io.Reader) (Stats, error) {
	var stats Stats
	err := scan(r, func(es.SerializedEvent) error { return nil }, &stats)
	return stats, err
}

// scan walks an archive and calls fn for every event. It fails with
// ErrChecksum or ErrFormat after the last event when the trailer does not
// match.
func scan(r io.Reader, fn func(es.SerializedEvent) error, stats *Stats) error {
	br := bufio.NewReader(r)
	h := newHash()
	var (
		n       int
		seen    bool
		done    bool
		last    [2]string
		lineErr = func(format string, args ...any) error {
			return fmt.Errorf("%w: line %d: %s", ErrFormat, n, fmt.Sprintf(format, args...))
		}
	)

	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		n++
		if done {
			return lineErr("data after trailer")
		}

		var l line
		if uerr := json.Unmarshal(raw, &l); uerr != nil {
			return lineErr("%v", uerr)
		}

		switch l.Type {
		case typeHeader:
			if seen || n != 1 {
				return lineErr("unexpected header")
			}
			if l.Version != formatVersion {
				return lineErr("unsupported version %q", l.Version)
			}
			seen = true
			h.Write(raw)
		case typeEvent:
			if !seen {
				return lineErr("missing header")
			}
			if l.Data == nil {
				return lineErr("event without data")
			}
			h.Write(raw)
			if err := fn(*l.Data); err != nil {
				return err
			}
			stats.Events++
			if agg := [2]string{l.Data.AggregateType, l.Data.AggregateID}; agg != last {
				stats.Aggregates++
				last = agg
			}
		case typeTrailer:
			if !seen {
				return lineErr("missing header")
			}
			sum := hex.EncodeToString(h.Sum(nil))
			if l.Checksum != sum {
				return fmt.Errorf("%w: trailer %s, content %s", ErrChecksum, l.Checksum, sum)
			}
			if l.Count != stats.Events {
				return fmt.Errorf("%w: trailer counts %d events, archive holds %d", ErrChecksum, l.Count, stats.Events)
			}
			stats.Checksum = sum
			done = true
		default:
			return lineErr("unknown record type %q", l.Type)
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}
	if !done {
		return fmt.Errorf("%w: missing trailer", ErrFormat)
	}
	return nil
}

type ImportOptions struct {
	// BatchSize caps the events persisted per call. Default 500.
	BatchSize int
	Log       *slog.Logger
}

// Import verifies the archive in r and then persists its events. Events are
// persisted in batches of consecutive events of one aggregate; a sequence
// that already exists fails the import with es.ErrOptimisticLock.
func Import(ctx context.Context, repo es.EventRepository, r io.ReadSeeker, opts ImportOptions) (Stats, error) {
	if _, err := Verify(r); err != nil {
		return Stats{}, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Stats{}, err
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("archive", "import"))

	var (
		stats   Stats
		batch   []es.SerializedEvent
		batches int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := repo.Persist(ctx, batch, nil); err != nil {
			return fmt.Errorf("import %s/%s: %w", batch[0].AggregateType, batch[0].AggregateID, err)
		}
		batches++
		log.Debug(
			"batch imported",
			slog.Group("agg", slog.String("type", batch[0].AggregateType), slog.String("id", batch[0].AggregateID)),
			slog.Int("events", len(batch)),
		)
		batch = batch[:0]
		return nil
	}

	err := scan(r, func(ev es.SerializedEvent) error {
		if len(batch) > 0 {
			head := batch[0]
			if head.AggregateType != ev.AggregateType || head.AggregateID != ev.AggregateID || len(batch) == batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		batch = append(batch, ev)
		return nil
	}, &stats)
	if err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}

	log.Info("archive imported", slog.Int("events", stats.Events), slog.Int("aggregates", stats.Aggregates), slog.Int("batches", batches))
	return stats, nil
}

// ImportFrom reads the archive from src and imports it.
func ImportFrom(ctx context.Context, repo es.EventRepository, src Source, opts ImportOptions) (Stats, error) {
	data, err := src.Read(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Import(ctx, repo, bytes.NewReader(data), opts)
}
