package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codewandler/eventrepo/adapters/s3"
	"github.com/codewandler/eventrepo/core/archive"
	"github.com/codewandler/eventrepo/core/es"
)

var (
	archiveFile string
	archiveS3   bool
	exportID    string
	importBatch int
)

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Export events to a JSONL archive",
	Long:    "Export every event, or the events of one aggregate id, to a file, stdout or the configured S3 object.",
	GroupID: "archive",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var stream *es.ReplayStream
			if exportID != "" {
				stream = a.repo.StreamEvents(ctx, exportID)
			} else {
				stream = a.repo.StreamAllEvents(ctx)
			}

			var (
				stats archive.Stats
				err   error
			)
			switch {
			case archiveS3:
				var store *s3.Store
				if store, err = openS3(ctx); err != nil {
					_ = stream.Close()
					return err
				}
				stats, err = archive.ExportTo(ctx, store, stream)
			case archiveFile == "" || archiveFile == "-":
				stats, err = archive.Export(ctx, os.Stdout, stream)
			default:
				stats, err = exportFile(ctx, archiveFile, stream)
			}
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			log.Info("export done",
				"events", stats.Events,
				"aggregates", stats.Aggregates,
				"checksum", stats.Checksum,
			)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import",
	Short:   "Import a JSONL archive",
	Long:    "Verify an archive and persist its events. Events that already exist fail the import with an optimistic lock error.",
	GroupID: "archive",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			opts := archive.ImportOptions{BatchSize: importBatch, Log: log}

			var (
				stats archive.Stats
				err   error
			)
			switch {
			case archiveS3:
				var store *s3.Store
				if store, err = openS3(ctx); err != nil {
					return err
				}
				stats, err = archive.ImportFrom(ctx, a.repo, store, opts)
			case archiveFile == "":
				return errors.New("import needs --file or --s3")
			default:
				var f *os.File
				if f, err = os.Open(archiveFile); err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				stats, err = archive.Import(ctx, a.repo, f, opts)
			}
			if err != nil {
				if es.IsOptimisticLock(err) {
					return fmt.Errorf("import: archive overlaps stored events: %w", err)
				}
				return fmt.Errorf("import: %w", err)
			}
			fmt.Printf("imported %d events of %d aggregates (%s)\n", stats.Events, stats.Aggregates, stats.Checksum)
			return nil
		})
	},
}

func exportFile(ctx context.Context, path string, stream *es.ReplayStream) (archive.Stats, error) {
	f, err := os.Create(path)
	if err != nil {
		_ = stream.Close()
		return archive.Stats{}, err
	}
	stats, err := archive.Export(ctx, f, stream)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return stats, err
}

func openS3(ctx context.Context) (*s3.Store, error) {
	if cfg.S3.Bucket == "" {
		return nil, errors.New("s3.bucket is not configured")
	}
	return s3.New(ctx, s3.Config{
		Bucket:   cfg.S3.Bucket,
		Key:      cfg.S3.Key,
		Region:   cfg.S3.Region,
		Endpoint: cfg.S3.Endpoint,
		Log:      log,
	})
}

func init() {
	for _, c := range []*cobra.Command{exportCmd, importCmd} {
		c.Flags().StringVarP(&archiveFile, "file", "f", "", "archive file (export default: stdout)")
		c.Flags().BoolVar(&archiveS3, "s3", false, "use the configured S3 object")
	}
	exportCmd.Flags().StringVar(&exportID, "id", "", "export only this aggregate id")
	importCmd.Flags().IntVar(&importBatch, "batch", 500, "events per persist call")
}
