// Package bus is the internal event bus decoupling the stream ingester
// (internal/ingest) from delivery fan-out (internal/fanout): the ingester
// publishes one event per parsed (metadata, record) pair to a durable NATS
// JetStream stream, and a pull consumer in the fan-out worker drains it
// (spec.md §5: "the stream-ingestion and publisher side MAY be a separate
// process").
//
// Adapted from packages/go-core/natsclient's Client/ProvisionStreams shape:
// the same connect-with-retry, idempotent stream-provisioning pattern,
// repurposed from that package's generic DOMAIN_EVENTS stream to this
// repo's single STREAMS.records.parsed subject.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/consometers/sge-tiers-proxy/internal/streams"
)

const (
	// StreamRecords is the durable JetStream stream carrying every parsed
	// record pair.
	StreamRecords = "STREAM_RECORDS"
	// SubjectRecordsParsed is the subject the ingester publishes to and the
	// fan-out worker's pull consumer subscribes on.
	SubjectRecordsParsed = "STREAMS.records.parsed"
	// consumerName is the durable pull consumer fan-out uses.
	consumerName = "fanout-worker"
)

// Bus wraps a NATS connection and JetStream context.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Connect dials url and initializes a JetStream context.
func Connect(url string, logger *zap.Logger) (*Bus, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}
	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// Close drains pending publishes/deliveries before closing the connection.
func (b *Bus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// ProvisionStream idempotently ensures StreamRecords exists.
func (b *Bus) ProvisionStream() error {
	_, err := b.js.StreamInfo(StreamRecords)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("bus: stream info: %w", err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      StreamRecords,
		Subjects:  []string{SubjectRecordsParsed},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("bus: create stream: %w", err)
	}
	b.logger.Info("NATS stream provisioned", zap.String("stream", StreamRecords))
	return nil
}

// event is the wire envelope for one published pair. ID doubles as the
// JetStream message id, so a republish after a crashed ingest run is
// deduplicated server-side.
type event struct {
	ID       string       `json:"id"`
	Basename string       `json:"basename"`
	Pair     streams.Pair `json:"pair"`
}

// Publisher implements ingest.Sink by publishing each pair as one JetStream
// message.
type Publisher struct {
	bus *Bus
}

// NewPublisher builds an ingest.Sink over bus.
func NewPublisher(bus *Bus) *Publisher { return &Publisher{bus: bus} }

// Publish marshals pair as JSON and publishes it to SubjectRecordsParsed.
func (p *Publisher) Publish(ctx context.Context, basename string, pair streams.Pair) error {
	pairData, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	// Name-based id: the same pair from the same file always gets the same id.
	id := uuid.NewSHA1(uuid.NameSpaceURL, append([]byte(basename+"\x00"), pairData...)).String()
	data, err := json.Marshal(event{ID: id, Basename: basename, Pair: pair})
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	_, err = p.bus.js.Publish(SubjectRecordsParsed, data, nats.Context(ctx), nats.MsgId(id))
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Consumer pulls published pairs in batches for the fan-out worker.
type Consumer struct {
	sub *nats.Subscription
}

// NewConsumer creates (or reattaches to) the durable pull consumer.
func NewConsumer(b *Bus) (*Consumer, error) {
	sub, err := b.js.PullSubscribe(SubjectRecordsParsed, consumerName, nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("bus: pull subscribe: %w", err)
	}
	return &Consumer{sub: sub}, nil
}

// Fetch pulls up to batchSize pending pairs, blocking until at least one
// arrives or ctx is done. Returned pairs must be acknowledged via Ack once
// delivered.
func (c *Consumer) Fetch(ctx context.Context, batchSize int) ([]Message, error) {
	msgs, err := c.sub.Fetch(batchSize, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: fetch: %w", err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		var ev event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			m.Term()
			continue
		}
		out = append(out, Message{Basename: ev.Basename, Pair: ev.Pair, raw: m})
	}
	return out, nil
}

// Message is one fetched event, carrying the underlying NATS message for
// acknowledgement.
type Message struct {
	Basename string
	Pair     streams.Pair
	raw      *nats.Msg
}

// Ack acknowledges successful processing.
func (m Message) Ack() error { return m.raw.Ack() }

// Nak asks NATS to redeliver the message.
func (m Message) Nak() error { return m.raw.Nak() }
