package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"PositionLedger/internal/event"
	"PositionLedger/internal/reconcile"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	DefaultEventStream   = "POSITION_EVENTS"
	DefaultEventSubjects = "positions.events.>"
)

// JetStreamSource reads position events from a JetStream stream. The stream
// sequence is the event's SequenceID.Block, so Head, Backfill and resume
// positions are all expressed in stream sequences.
type JetStreamSource struct {
	js         jetstream.JetStream
	stream     string
	subject    string
	fetchBatch int
	fetchWait  time.Duration
	logger     zerolog.Logger
}

// JetStreamSourceConfig names the stream to read.
type JetStreamSourceConfig struct {
	Stream     string
	Subject    string
	FetchBatch int
	FetchWait  time.Duration
}

func NewJetStreamSource(js jetstream.JetStream, cfg JetStreamSourceConfig, logger zerolog.Logger) *JetStreamSource {
	if cfg.Stream == "" {
		cfg.Stream = DefaultEventStream
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultEventSubjects
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 256
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = time.Second
	}
	return &JetStreamSource{
		js:         js,
		stream:     cfg.Stream,
		subject:    cfg.Subject,
		fetchBatch: cfg.FetchBatch,
		fetchWait:  cfg.FetchWait,
		logger:     logger,
	}
}

// Head returns the stream's last sequence.
func (s *JetStreamSource) Head(ctx context.Context) (uint64, error) {
	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return 0, fmt.Errorf("lookup stream %s: %w", s.stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", s.stream, err)
	}
	return info.State.LastSeq, nil
}

// Backfill reads [from, head] with an ephemeral ordered consumer.
func (s *JetStreamSource) Backfill(ctx context.Context, from uint64) ([]*event.Event, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}
	if head == 0 || from > head {
		return nil, nil
	}

	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", s.stream, err)
	}
	cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.subject},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    from,
	})
	if err != nil {
		return nil, fmt.Errorf("create backfill consumer: %w", err)
	}

	var out []*event.Event
	for {
		batch, err := cons.Fetch(s.fetchBatch, jetstream.FetchMaxWait(s.fetchWait))
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}

		received, last := 0, uint64(0)
		for msg := range batch.Messages() {
			received++
			raw, err := rawFromMsg(msg)
			if err != nil {
				return nil, err
			}
			last = raw.Sequence
			if evt, ok := s.decode(raw); ok {
				out = append(out, evt)
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetch batch: %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Head may be a message outside our subject filter, so an empty
		// fetch also ends the range.
		if received == 0 || last >= head {
			break
		}
	}

	s.logger.Debug().Uint64("from", from).Uint64("head", head).Int("events", len(out)).Msg("jetstream backfill done")
	return out, nil
}

// Subscribe consumes from resumeFrom (or new messages only when 0) into sink.
func (s *JetStreamSource) Subscribe(ctx context.Context, resumeFrom uint64, sink chan<- *event.Event) (reconcile.Subscription, error) {
	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", s.stream, err)
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if resumeFrom > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = resumeFrom
	}
	cons, err := stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create live consumer: %w", err)
	}

	sub := newSubscription()
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		raw, err := rawFromMsg(msg)
		if err != nil {
			sub.fail(err)
			return
		}
		evt, ok := s.decode(raw)
		if !ok {
			return
		}
		select {
		case sink <- evt:
		case <-sub.quit:
		case <-ctx.Done():
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, jetstream.ErrConsumerDeleted) {
			sub.fail(err)
			return
		}
		s.logger.Warn().Err(err).Msg("jetstream consume error")
	}))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", s.subject, err)
	}
	sub.stop = cc.Stop
	return sub, nil
}

// decode parses a message, logging and skipping malformed payloads so one
// bad record cannot stall the stream.
func (s *JetStreamSource) decode(raw RawEvent) (*event.Event, bool) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Uint64("stream_seq", raw.Sequence).Msg("dropping undecodable event")
		return nil, false
	}
	return evt, true
}

func rawFromMsg(msg jetstream.Msg) (RawEvent, error) {
	md, err := msg.Metadata()
	if err != nil {
		return RawEvent{}, fmt.Errorf("message metadata: %w", err)
	}
	return RawEvent{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Sequence:  md.Sequence.Stream,
		Timestamp: time.Now(),
	}, nil
}

// subscription adapts a consume context to reconcile.Subscription.
type subscription struct {
	errc     chan error
	quit     chan struct{}
	stop     func()
	failOnce sync.Once
	stopOnce sync.Once
}

func newSubscription() *subscription {
	return &subscription{errc: make(chan error, 1), quit: make(chan struct{})}
}

func (s *subscription) Err() <-chan error { return s.errc }

func (s *subscription) fail(err error) {
	s.failOnce.Do(func() { s.errc <- err })
}

func (s *subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.stop != nil {
			s.stop()
		}
	})
}

// EnsureStream creates the event stream if it doesn't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subjects string) error {
	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	log.Printf("INFO: ensured stream %s", cfg.Name)
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("positionledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
