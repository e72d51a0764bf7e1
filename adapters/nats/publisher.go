package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eventrepo/core/cqrs"
)

const (
	defaultSubjectPrefix = "eventrepo.events"
	defaultStreamName    = "EVENTREPO_EVENTS"

	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderSequence      = "x-sequence"
)

// RetentionPolicy defines how published events are retained in the stream.
type RetentionPolicy int

const (
	// RetentionLimits keeps messages until MaxMsgs, MaxBytes or MaxAge is reached.
	RetentionLimits RetentionPolicy = iota
	// RetentionInterest keeps messages while consumers have interest in them.
	RetentionInterest
	// RetentionWorkQueue deletes a message once any consumer acknowledged it.
	RetentionWorkQueue
)

func (r RetentionPolicy) toJetStream() jetstream.RetentionPolicy {
	switch r {
	case RetentionInterest:
		return jetstream.InterestPolicy
	case RetentionWorkQueue:
		return jetstream.WorkQueuePolicy
	default:
		return jetstream.LimitsPolicy
	}
}

type PublisherConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix of event subjects, "eventrepo.events" by default.
	StreamName    string
	Retention     RetentionPolicy

	// At least one of MaxAge, MaxBytes or MaxMsgs must be set.
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Duplicates is the deduplication window. Redelivered commits inside it
	// are dropped by the server.
	Duplicates time.Duration
}

// Publisher is a cqrs.Query that publishes every committed event to
// <prefix>.<aggregate_type>.<aggregate_id>. The message id is
// type/id/sequence, so a retried dispatch is deduplicated by the stream.
type Publisher struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	stream  jetstream.Stream
	log     *slog.Logger
	prefix  string
}

func NewPublisher(ctx context.Context, cfg PublisherConfig) (*Publisher, error) {
	if cfg.MaxAge == 0 && cfg.MaxBytes == 0 && cfg.MaxMsgs == 0 {
		return nil, errors.New("at least one retention limit must be set (MaxAge, MaxBytes, or MaxMsgs)")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	// 0 means unlimited for these fields
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	maxMsgs := cfg.MaxMsgs
	if maxMsgs == 0 {
		maxMsgs = -1
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log = log.With(
		slog.String("publisher", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", prefix),
	)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Retention:  cfg.Retention.toJetStream(),
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   maxBytes,
		MaxMsgs:    maxMsgs,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	log.Debug("ensured stream")

	return &Publisher{
		nc:      nc,
		closeNc: closeNc,
		js:      js,
		stream:  stream,
		log:     log,
		prefix:  prefix,
	}, nil
}

// Stream returns the stream events are published to.
func (p *Publisher) Stream() jetstream.Stream { return p.stream }

func (p *Publisher) Subject(aggregateType, aggregateID string) string {
	return p.prefix + "." + subjectToken(aggregateType) + "." + subjectToken(aggregateID)
}

func (p *Publisher) Dispatch(ctx context.Context, aggregateID string, events []cqrs.EventEnvelope) error {
	var errs []error
	for _, ev := range events {
		if err := p.publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publish(ctx context.Context, ev cqrs.EventEnvelope) error {
	se := ev.Serialized
	data, err := json.Marshal(se)
	if err != nil {
		return err
	}

	msg := natsgo.NewMsg(p.Subject(se.AggregateType, se.AggregateID))
	msg.Header.Set(HeaderEventType, se.EventType)
	msg.Header.Set(HeaderAggregateType, se.AggregateType)
	msg.Header.Set(HeaderAggregateID, se.AggregateID)
	msg.Header.Set(HeaderSequence, strconv.FormatUint(uint64(se.Sequence), 10))
	msg.Data = data

	msgID := se.AggregateType + "/" + se.AggregateID + "/" + strconv.FormatUint(uint64(se.Sequence), 10)
	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", msgID, msg.Subject, err)
	}
	if ack.Duplicate {
		p.log.Debug("duplicate publish dropped", slog.String("msg_id", msgID))
	}
	return nil
}

func (p *Publisher) Close() error {
	p.js.CleanupPublisher()
	p.closeNc()
	return nil
}

// subjectToken replaces characters that would split or wildcard a subject.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

var _ cqrs.Query = (*Publisher)(nil)
