package events

import (
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Event types published on the pipeline queue.
const (
	MessageReceived    = "message.received"
	MessageSent        = "message.sent"
	MessageFailed      = "message.failed"
	ChatExpired        = "chat.expired"
	ServiceTransferred = "service.transferred"
)

// Publisher publishes pipeline events to RabbitMQ. When no URL is
// configured the publisher is disabled and every Publish is a no-op, so
// callers never need to check.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	enabled bool
}

type envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NewPublisher connects to RabbitMQ and declares the event queue. An empty
// URL returns a disabled publisher.
func NewPublisher(url, queue string) *Publisher {
	if url == "" {
		log.Info().Msg("RABBITMQ_URL is not set, event publishing disabled")
		return &Publisher{}
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ, event publishing disabled")
		return &Publisher{}
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel, event publishing disabled")
		return &Publisher{}
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue, event publishing disabled")
		return &Publisher{}
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &Publisher{conn: conn, channel: channel, queue: queue, enabled: true}
}

// Publish emits one event with the given payload. Failures are logged and
// swallowed: event delivery is best-effort relative to the primary write
// path.
func (p *Publisher) Publish(event string, payload interface{}) {
	if p == nil || !p.enabled {
		return
	}

	body, err := json.Marshal(envelope{Event: event, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal event payload")
		return
	}

	err = p.channel.Publish("", p.queue, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		log.Error().Err(err).Str("event", event).Str("queue", p.queue).Msg("Could not publish event to RabbitMQ")
		return
	}
	log.Debug().Str("event", event).Str("queue", p.queue).Msg("Event published")
}

// Close tears down the channel and connection.
func (p *Publisher) Close() {
	if p == nil || !p.enabled {
		return
	}
	_ = p.channel.Close()
	_ = p.conn.Close()
}
