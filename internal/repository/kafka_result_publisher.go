package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"RateFusion/internal/domain/models"
	pkgkafka "RateFusion/pkg/kafka"
)

type resultProducer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// KafkaResultPublisher streams results as JSON keyed by indicator.
type KafkaResultPublisher struct {
	producer resultProducer
	topic    string
	brokers  []string
}

func NewKafkaResultPublisher(producer *pkgkafka.Producer, topic string, brokers []string) *KafkaResultPublisher {
	return &KafkaResultPublisher{producer: producer, topic: topic, brokers: brokers}
}

func (p *KafkaResultPublisher) Save(ctx context.Context, r *models.ConsensusResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return p.producer.Publish(ctx, p.topic, []byte(r.IndicatorKey), data)
}

func (p *KafkaResultPublisher) Health(ctx context.Context) error {
	return pkgkafka.Ping(ctx, p.brokers)
}

// Close is a no-op; the producer is closed by its owner.
func (p *KafkaResultPublisher) Close() error {
	return nil
}
