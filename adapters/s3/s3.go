// Package s3 stores event archives in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const contentType = "application/x-ndjson"

var ErrNotFound = errors.New("archive object not found")

type Config struct {
	Bucket string
	Key    string
	Region string
	// Endpoint switches to path-style addressing, for MinIO and similar.
	Endpoint string
	Log      *slog.Logger
	// Options are applied to the client after the defaults.
	Options []func(*s3.Options)
}

// Store reads and writes one archive object.
type Store struct {
	client *s3.Client
	bucket string
	key    string
	log    *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, errors.New("s3: bucket and key are required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	s3opts = append(s3opts, cfg.Options...)

	return &Store{
		client: s3.NewFromConfig(awsCfg, s3opts...),
		bucket: cfg.Bucket,
		key:    cfg.Key,
		log:    log.With(slog.String("bucket", cfg.Bucket), slog.String("key", cfg.Key)),
	}, nil
}

func (s *Store) String() string { return fmt.Sprintf("s3://%s/%s", s.bucket, s.key) }

// Write uploads data as the configured object.
func (s *Store) Write(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	s.log.Info("archive uploaded", slog.Int("bytes", len(data)))
	return nil
}

// Read downloads the configured object.
func (s *Store) Read(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	s.log.Debug("archive downloaded", slog.Int("bytes", len(data)))
	return data, nil
}
