package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"PositionLedger/internal/ledger"
	"PositionLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTransitionStream   = "POSITION_TRANSITIONS"
	DefaultTransitionSubjects = "positions.transitions.>"
)

// TransitionMessage is the outbound record of one ledger transition.
type TransitionMessage struct {
	InstanceID string    `json:"instance_id"`
	Key        string    `json:"key"` // positionId/kind, stable across redeliveries
	PositionID uint64    `json:"position_id"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"`
	Status     string    `json:"status"`
	Source     string    `json:"source"`
	Event      wireEvent `json:"event"`
	AppliedAt  time.Time `json:"applied_at"`
}

// NewTransitionMessage converts a ledger transition into its wire record.
func NewTransitionMessage(instanceID uuid.UUID, t ledger.Transition) TransitionMessage {
	return TransitionMessage{
		InstanceID: instanceID.String(),
		Key:        t.Event.IdempotencyKey().String(),
		PositionID: t.Event.PositionID,
		Kind:       lowerKind(t.Event.Kind),
		Outcome:    t.Result.Outcome.String(),
		Status:     t.Result.Status.String(),
		Source:     t.Event.Source,
		Event:      toWire(t.Event),
		AppliedAt:  t.AppliedAt.UTC(),
	}
}

// Sink delivers transition messages somewhere downstream.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg TransitionMessage) error
}

// OutboundPublisher fans ledger transitions out to every sink.
// Failures are non-fatal: consumers can always rebuild from the query API.
type OutboundPublisher struct {
	instanceID uuid.UUID
	inputChan  <-chan ledger.Transition
	sinks      []Sink
	metrics    *observability.Metrics
}

func NewOutboundPublisher(inputChan <-chan ledger.Transition, metrics *observability.Metrics, sinks ...Sink) *OutboundPublisher {
	return &OutboundPublisher{
		instanceID: uuid.New(),
		inputChan:  inputChan,
		sinks:      sinks,
		metrics:    metrics,
	}
}

// InstanceID identifies this process in published messages.
func (op *OutboundPublisher) InstanceID() uuid.UUID {
	return op.instanceID
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case t, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			msg := NewTransitionMessage(op.instanceID, t)
			for _, sink := range op.sinks {
				if err := sink.Publish(ctx, msg); err != nil {
					if op.metrics != nil {
						op.metrics.PublishErrors.WithLabelValues(sink.Name()).Inc()
					}
					log.Printf("WARN: %s publish failed key=%s: %v", sink.Name(), msg.Key, err)
				}
			}
		}
	}
}

// --- NATS ---

// NATSSink publishes to {prefix}.{outcome} with the idempotency key as
// Nats-Msg-Id, so the server drops redelivered transitions within its
// duplicate window.
type NATSSink struct {
	js     jetstream.JetStream
	prefix string
}

func NewNATSSink(js jetstream.JetStream, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "positions.transitions"
	}
	return &NATSSink{js: js, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, msg TransitionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", s.prefix, msg.Outcome)
	_, err = s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.Key+"/"+msg.Outcome))
	return err
}

// EnsureOutboundStream creates the outbound transitions stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       DefaultTransitionStream,
		Subjects:   []string{DefaultTransitionSubjects},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", DefaultTransitionStream)
	return nil
}

// --- Kafka ---

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes transitions keyed by position id, so every transition of
// one position lands on the same partition in order.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	})
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, msg TransitionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", msg.PositionID)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(msg.Outcome)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
