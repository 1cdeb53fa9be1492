package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/hirelens/pipeline/internal/domain"
)

// createTopicIfNotExists creates a topic via the Kafka admin API. A
// TOPIC_ALREADY_EXISTS response (error code 36) is success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=topic.create topic=%s: %w", topic, err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=topic.create topic=%s: unexpected response type %T", topic, resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode == 0 {
			slog.Info("topic created", slog.String("topic", tr.Topic), slog.Int("partitions", int(partitions)))
			continue
		}
		if tr.ErrorCode == 36 { // TOPIC_ALREADY_EXISTS
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=topic.create topic=%s: %s (code %d)", topic, msg, tr.ErrorCode)
	}
	return nil
}

// EnsureSubjects creates every pipeline subject and its dead-letter twin.
// Called once at startup by whichever process wins the race; losers see
// TOPIC_ALREADY_EXISTS.
func EnsureSubjects(ctx context.Context, brokers []string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("op=topic.ensure: %w", err)
	}
	defer client.Close()
	for _, subject := range domain.PipelineSubjects {
		if err := createTopicIfNotExists(ctx, client, subject, 8, 1); err != nil {
			return err
		}
		if err := createTopicIfNotExists(ctx, client, domain.DLQSubject(subject), 1, 1); err != nil {
			return err
		}
	}
	return nil
}
