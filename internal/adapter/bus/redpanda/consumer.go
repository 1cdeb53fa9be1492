package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/hirelens/pipeline/internal/adapter/observability"
	"github.com/hirelens/pipeline/internal/domain"
)

// Handler processes one delivered envelope. A nil return acknowledges the
// delivery; errors are classified to decide between redelivery and the DLQ.
type Handler func(ctx context.Context, env domain.Envelope) error

// SubscriptionConfig tunes one consumer group subscription. Subjects may
// list additional topics for observers that fold many streams into one
// handler; Subject remains the primary topic and the redelivery target when
// a record carries no topic of its own.
type SubscriptionConfig struct {
	Subject        string
	Subjects       []string
	Group          string
	Workers        int
	HandlerTimeout time.Duration
	// AckWait is the group session timeout: how long the broker waits for a
	// heartbeat before redelivering this member's partitions elsewhere.
	AckWait        time.Duration
	MaxDeliveries  int
	RedeliveryBase time.Duration
	RedeliveryMax  time.Duration
}

// ackWait clamps the session timeout to a sane default when unset.
func ackWait(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Outcome is the terminal disposition of one delivery.
type Outcome string

const (
	// OutcomeAck commits the offset; processing succeeded.
	OutcomeAck Outcome = "ack"
	// OutcomeRedeliver re-publishes the envelope with attempt+1 after a
	// backoff delay, then commits the original offset.
	OutcomeRedeliver Outcome = "redeliver"
	// OutcomeDeadLetter moved the envelope to the DLQ; offset committed.
	OutcomeDeadLetter Outcome = "dead_letter"
	// OutcomeRetryDelivery leaves the offset uncommitted so the broker
	// redelivers; used when the bus itself failed mid-disposition.
	OutcomeRetryDelivery Outcome = "retry_delivery"
)

// Decision is what the worker must do with the delivery.
type Decision struct {
	Outcome Outcome
	Next    domain.Envelope
	Delay   time.Duration
}

// RedeliveryDelay is exponential in the attempt number: base*2^(attempt-1),
// capped at max.
func RedeliveryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Dispatch runs the handler on env and resolves the delivery disposition.
// DLQ publishes happen here; redelivery publishes are deferred to the caller
// so the backoff delay does not occupy a pool slot.
func Dispatch(ctx context.Context, bus domain.Bus, cfg SubscriptionConfig, handler Handler, env domain.Envelope) Decision {
	if !domain.AcceptSchema(env.SchemaVersion) {
		return deadLetter(ctx, bus, cfg.Subject, env, fmt.Sprintf("unsupported schema version %q", env.SchemaVersion), "")
	}

	start := time.Now()
	err := runHandler(ctx, cfg.HandlerTimeout, handler, env)
	observability.HandlerDuration.WithLabelValues(cfg.Subject).Observe(time.Since(start).Seconds())

	if err == nil {
		observability.EventsConsumedTotal.WithLabelValues(cfg.Subject, "ok").Inc()
		return Decision{Outcome: OutcomeAck}
	}

	class := domain.Classify(err)
	if class == domain.FailureLogic {
		// Unexpected errors get two chances before they are treated as
		// poison.
		if env.Attempt <= 2 {
			class = domain.FailureTransient
		} else {
			class = domain.FailurePermanent
		}
	}

	switch class {
	case domain.FailurePermanent:
		return deadLetter(ctx, bus, cfg.Subject, env, err.Error(), "")
	default:
		if env.Attempt >= cfg.MaxDeliveries {
			return deadLetter(ctx, bus, cfg.Subject, env, fmt.Sprintf("max deliveries exceeded: %v", err), "")
		}
		observability.EventsConsumedTotal.WithLabelValues(cfg.Subject, "redeliver").Inc()
		observability.EventRedeliveriesTotal.WithLabelValues(cfg.Subject).Inc()
		slog.Warn("delivery failed, scheduling redelivery",
			slog.String("subject", cfg.Subject),
			slog.String("message_id", env.MessageID),
			slog.Int("attempt", env.Attempt),
			slog.Any("error", err))
		return Decision{
			Outcome: OutcomeRedeliver,
			Next:    env.NextAttempt(),
			Delay:   RedeliveryDelay(env.Attempt, cfg.RedeliveryBase, cfg.RedeliveryMax),
		}
	}
}

func runHandler(ctx context.Context, timeout time.Duration, handler Handler, env domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return handler(ctx, env)
}

func deadLetter(ctx context.Context, bus domain.Bus, subject string, env domain.Envelope, reason, stack string) Decision {
	if domain.IsDLQSubject(subject) {
		// Never dead-letter a dead letter; drop it and move on.
		observability.EventsConsumedTotal.WithLabelValues(subject, "drop").Inc()
		slog.Error("dropping unprocessable dead-letter observation",
			slog.String("subject", subject),
			slog.String("message_id", env.MessageID),
			slog.String("reason", reason))
		return Decision{Outcome: OutcomeAck}
	}
	dead := env.WithFailure(reason, stack)
	if err := bus.Publish(ctx, domain.DLQSubject(subject), dead); err != nil {
		slog.Error("dead-letter publish failed, delivery will be retried",
			slog.String("subject", subject),
			slog.String("message_id", env.MessageID),
			slog.Any("error", err))
		return Decision{Outcome: OutcomeRetryDelivery}
	}
	observability.EventsConsumedTotal.WithLabelValues(subject, "dead_letter").Inc()
	observability.DLQTotal.WithLabelValues(subject, domain.FailureCode(reason)).Inc()
	slog.Warn("envelope dead-lettered",
		slog.String("subject", subject),
		slog.String("message_id", env.MessageID),
		slog.Int("attempt", env.Attempt),
		slog.String("reason", reason))
	return Decision{Outcome: OutcomeDeadLetter}
}

// Consumer runs one subscription: a consumer group on one subject feeding a
// bounded worker pool.
type Consumer struct {
	client  *kgo.Client
	bus     domain.Bus
	cfg     SubscriptionConfig
	handler Handler
	queue   chan *kgo.Record
	wg      sync.WaitGroup
}

// NewConsumer joins the consumer group for cfg.Subject.
func NewConsumer(brokers []string, bus domain.Bus, cfg SubscriptionConfig, handler Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=bus.consumer subject=%s: no seed brokers provided", cfg.Subject)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	topics := cfg.Subjects
	if len(topics) == 0 {
		topics = []string{cfg.Subject}
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(topics...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(ackWait(cfg.AckWait)),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxBytes(16<<20),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=bus.consumer subject=%s: %w", cfg.Subject, err)
	}
	return &Consumer{
		client:  client,
		bus:     bus,
		cfg:     cfg,
		handler: handler,
		queue:   make(chan *kgo.Record, cfg.Workers*2),
	}, nil
}

// Run polls the broker and dispatches records to the worker pool until ctx
// is cancelled or the broker connection is lost for good.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("subscription started",
		slog.String("subject", c.cfg.Subject),
		slog.String("group", c.cfg.Group),
		slog.Int("workers", c.cfg.Workers))

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	defer func() {
		close(c.queue)
		c.wg.Wait()
		c.client.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return fmt.Errorf("op=bus.consumer subject=%s: %w: client closed", c.cfg.Subject, domain.ErrTransient)
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case c.queue <- rec:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()
	for rec := range c.queue {
		c.processRecord(ctx, rec)
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	// Multi-topic subscriptions route dispositions by the record's own topic.
	cfg := c.cfg
	if rec.Topic != "" {
		cfg.Subject = rec.Topic
	}

	var env domain.Envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		// A record that is not an envelope can never succeed; wrap the raw
		// bytes and dead-letter them.
		raw, _ := json.Marshal(string(rec.Value))
		broken := domain.Envelope{
			MessageID:     headerValue(rec, "message_id"),
			OccurredAt:    time.Now().UTC(),
			Attempt:       1,
			Subject:       cfg.Subject,
			SchemaVersion: domain.SchemaVersion,
			Payload:       raw,
		}
		d := deadLetter(ctx, c.bus, cfg.Subject, broken, fmt.Sprintf("malformed envelope: %v", err), "")
		if d.Outcome != OutcomeRetryDelivery {
			c.client.MarkCommitRecords(rec)
		}
		return
	}

	d := Dispatch(ctx, c.bus, cfg, c.handler, env)
	switch d.Outcome {
	case OutcomeAck, OutcomeDeadLetter:
		c.client.MarkCommitRecords(rec)
	case OutcomeRedeliver:
		// Delay off the pool slot; the offset commits only after the
		// replacement publish succeeds, so a crash in between redelivers.
		go c.redeliver(ctx, rec, d)
	case OutcomeRetryDelivery:
		// Leave unmarked; broker redelivers after rebalance or restart.
	}
}

func (c *Consumer) redeliver(ctx context.Context, rec *kgo.Record, d Decision) {
	subject := rec.Topic
	if subject == "" {
		subject = c.cfg.Subject
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if err := c.bus.Publish(ctx, subject, d.Next); err != nil {
		slog.Error("redelivery publish failed, delivery will be retried",
			slog.String("subject", subject),
			slog.String("message_id", d.Next.MessageID),
			slog.Any("error", err))
		return
	}
	c.client.MarkCommitRecords(rec)
}

func headerValue(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
