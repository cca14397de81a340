package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/models"
)

type KafkaProducer struct {
	locations *kafka.Writer
	rides     *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}}),
		// keyed by ride id so one ride's transitions stay ordered in a partition
		rides: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: rideTopic, Balancer: &kafka.Hash{}}),
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.DriverLocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(s.DriverID), Value: b})
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, e RideEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.rides.WriteMessages(ctx, kafka.Message{Key: []byte(e.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.locations == nil {
		return nil
	}
	err := k.locations.Close()
	if rerr := k.rides.Close(); err == nil {
		err = rerr
	}
	return err
}
