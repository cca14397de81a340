package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-sync/internal/models"
)

const (
	rideExchange   = "ride_topic"
	reconnInterval = 10 * time.Second
)

var ErrBrokerClosed = errors.New("amqp connection is closed")

// AMQPPublisher publishes lifecycle events and locations to a RabbitMQ topic
// exchange with routing keys ride.status.<to> and driver.location.<driver>.
type AMQPPublisher struct {
	url    string
	logger *slog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	done         chan struct{}
}

func NewAMQPPublisher(url string, logger *slog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, logger: logger, done: make(chan struct{})}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(rideExchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}
	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	return nil
}

func (p *AMQPPublisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()
	for {
		select {
		case <-t.C:
			if err := p.connect(); err == nil {
				p.logger.Info("rabbitmq reconnected")
				return
			}
			p.logger.Warn("rabbitmq failed to reconnect")
		case <-p.done:
			return
		}
	}
}

func (p *AMQPPublisher) publish(ctx context.Context, key string, v any) error {
	p.mu.Lock()
	conn, ch := p.conn, p.ch
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		go p.reconnect()
		return ErrBrokerClosed
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, rideExchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *AMQPPublisher) PublishLocation(ctx context.Context, s models.DriverLocationSample) error {
	return p.publish(ctx, "driver.location."+s.DriverID, s)
}

func (p *AMQPPublisher) PublishRideEvent(ctx context.Context, e RideEvent) error {
	return p.publish(ctx, "ride.status."+string(e.To), e)
}

func (p *AMQPPublisher) Close() error {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}
