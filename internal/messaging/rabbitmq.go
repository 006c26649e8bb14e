// Package messaging publishes attempt lifecycle events to RabbitMQ.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RoutingKeyAttemptSubmitted is used for every successfully submitted attempt.
const RoutingKeyAttemptSubmitted = "attempt.submitted"

// AttemptSubmitted is the body of an attempt.submitted message.
type AttemptSubmitted struct {
	AttemptID     string    `json:"attempt_id"`
	UserID        string    `json:"user_id"`
	TestID        string    `json:"test_id"`
	ResultID      string    `json:"result_id,omitempty"`
	Score         float64   `json:"score"`
	TotalMarks    float64   `json:"total_marks"`
	Forced        bool      `json:"forced"`
	AnsweredCount int       `json:"answered_count"`
	MarkedCount   int       `json:"marked_count"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Publisher sends attempt events to downstream consumers.
type Publisher interface {
	PublishAttemptSubmitted(ctx context.Context, evt *AttemptSubmitted) error
	Close() error
}

// RabbitMQPublisher publishes to a durable topic exchange.
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      zerolog.Logger
}

// NewRabbitMQPublisher dials url and declares the exchange.
func NewRabbitMQPublisher(url, exchange string, log zerolog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info().Str("exchange", exchange).Msg("RabbitMQ publisher ready")

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		log:      log,
	}, nil
}

// PublishAttemptSubmitted publishes evt as persistent JSON.
func (p *RabbitMQPublisher) PublishAttemptSubmitted(ctx context.Context, evt *AttemptSubmitted) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(
		ctx,
		p.exchange,
		RoutingKeyAttemptSubmitted,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.AttemptID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishAttemptSubmitted(context.Context, *AttemptSubmitted) error { return nil }

func (NoopPublisher) Close() error { return nil }
