package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fluxline/bpmn-engine/common/config"
	"github.com/fluxline/bpmn-engine/common/logger"
)

// exchangeName is the topic exchange all engine events go through
const exchangeName = "engine.events"

// AMQPQueue is the RabbitMQ-backed event bus. Messages are published
// persistent on a durable topic exchange so process triggers survive
// broker restarts.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logger.Logger
}

// NewAMQPQueue dials RabbitMQ with retries and declares the topic exchange
func NewAMQPQueue(cfg *config.RabbitMQConfig, log *logger.Logger) (*AMQPQueue, error) {
	var conn *amqp.Connection
	var err error

	attempts := cfg.ConnectionAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		log.Warn("rabbitmq dial failed, retrying",
			"attempt", i+1,
			"max_attempts", attempts,
			"error", err)
		time.Sleep(cfg.RetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq after %d attempts: %w", attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	log.Info("rabbitmq connected", "exchange", exchangeName)

	return &AMQPQueue{conn: conn, ch: ch, log: log}, nil
}

// Publish publishes a persistent message under the topic routing key
func (q *AMQPQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	err := q.ch.PublishWithContext(ctx,
		exchangeName,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    key,
			Timestamp:    time.Now().UTC(),
			Body:         message,
		})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	q.log.Debug("published event", "topic", topic, "key", key)
	return nil
}

// Subscribe binds a durable queue to the topic and consumes it
func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	queue, err := q.ch.QueueDeclare(
		"engine."+topic,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue for %s: %w", topic, err)
	}

	if err := q.ch.QueueBind(queue.Name, topic, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue.Name, err)
	}

	deliveries, err := q.ch.Consume(
		queue.Name,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue.Name, err)
	}

	q.log.Info("subscribed", "topic", topic, "queue", queue.Name)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := handler(ctx, d.MessageId, d.Body); err != nil {
					q.log.Error("message handler error", "topic", topic, "error", err)
					// Requeue once; broker-side dead-lettering handles repeats
					_ = d.Nack(false, !d.Redelivered)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

// Close closes the channel and connection
func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.log.Warn("closing channel", "error", err)
	}
	return q.conn.Close()
}
