// Package redpanda maps the durable pub/sub contract onto a Kafka-compatible
// broker. Acknowledgement is an offset commit; negative acknowledgement is a
// delayed re-publish with the attempt counter bumped; exhausted or permanent
// failures land on the subject's dead-letter twin.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/hirelens/pipeline/internal/adapter/observability"
	"github.com/hirelens/pipeline/internal/domain"
)

// MaxPayloadBytes caps a serialized envelope. Oversized publishes are
// rejected up front instead of failing inside the broker client.
const MaxPayloadBytes = 8 << 20

// Producer implements domain.Bus on a kgo client.
type Producer struct {
	client  *kgo.Client
	timeout time.Duration
}

// NewProducer connects to the brokers and returns a Producer. publishTimeout
// bounds each Publish call including broker acknowledgement.
func NewProducer(brokers []string, publishTimeout time.Duration) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=bus.producer: no seed brokers provided")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(MaxPayloadBytes+1024),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=bus.producer: %w", err)
	}
	return &Producer{client: client, timeout: publishTimeout}, nil
}

// Publish writes env to subject and returns after the broker acknowledged
// the record. The record key is the correlation id so a job's events stay on
// one partition, in order.
func (p *Producer) Publish(ctx context.Context, subject string, env domain.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=bus.publish subject=%s: %w", subject, err)
	}
	if len(b) > MaxPayloadBytes {
		return fmt.Errorf("op=bus.publish subject=%s size=%d: %w", subject, len(b), domain.ErrPublishRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	record := &kgo.Record{
		Topic: subject,
		Key:   []byte(env.CorrelationID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "message_id", Value: []byte(env.MessageID)},
			{Key: "schema_version", Value: []byte(env.SchemaVersion)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=bus.publish subject=%s: %w: %v", subject, domain.ErrTransient, err)
	}
	observability.EventsPublishedTotal.WithLabelValues(subject).Inc()
	slog.Debug("envelope published",
		slog.String("subject", subject),
		slog.String("message_id", env.MessageID),
		slog.String("correlation_id", env.CorrelationID),
		slog.Int("attempt", env.Attempt))
	return nil
}

// Ping verifies broker connectivity, used by readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=bus.ping: %w", err)
	}
	return nil
}

// Close flushes and releases the client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// DisabledBus rejects every publish. Installed when BUS_OPTIONAL allows a
// process to start without a broker.
type DisabledBus struct{}

// Publish always fails with ErrBusDisabled.
func (DisabledBus) Publish(_ context.Context, subject string, _ domain.Envelope) error {
	return fmt.Errorf("op=bus.publish subject=%s: %w", subject, domain.ErrBusDisabled)
}
