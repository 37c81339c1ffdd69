package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/plateful/chat/internal/config"
	"github.com/plateful/chat/internal/domain"
	"github.com/plateful/chat/internal/log"
)

// Entry is the dead-letter record written to the topic.
type Entry struct {
	Reason     string         `json:"reason"`
	Message    domain.Message `json:"message"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// KafkaProducer implements Producer on a Kafka topic.
type KafkaProducer struct {
	producer *kafka.Producer
	topic    string
	doneCh   chan struct{}
}

// NewKafkaProducer creates the dead-letter producer, ensuring the
// topic exists.
func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if err := ensureTopic(cfg.Brokers, cfg.DeadLetterTopic, cfg.Partitions); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", cfg.DeadLetterTopic).Msg("failed to ensure dead-letter topic (may already exist)")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaProducer{
		producer: p,
		topic:    cfg.DeadLetterTopic,
		doneCh:   make(chan struct{}),
	}

	go kp.deliveryReportHandler()

	return kp, nil
}

func ensureTopic(brokers, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}

	return nil
}

func (kp *KafkaProducer) deliveryReportHandler() {
	for e := range kp.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				l := log.L()
				l.Error().Err(ev.TopicPartition.Error).Msg("dead-letter delivery failed")
			}
		}
	}
	close(kp.doneCh)
}

// Produce writes the dead-letter entry, keyed by room for consistent
// partition assignment.
func (kp *KafkaProducer) Produce(ctx context.Context, reason string, msg domain.Message) error {
	value, err := json.Marshal(Entry{
		Reason:     reason,
		Message:    msg,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	err = kp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &kp.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(msg.RoomID),
		Value: value,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce dead-letter entry: %w", err)
	}

	return nil
}

// Close flushes pending entries and shuts the producer down.
func (kp *KafkaProducer) Close() error {
	kp.producer.Flush(5000)
	kp.producer.Close()
	<-kp.doneCh
	return nil
}
