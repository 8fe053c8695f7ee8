package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Producer publishes JSON messages to RabbitMQ topic exchanges. It is shared
// by the event publisher and the payout dispatcher.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

// NewProducer dials RabbitMQ with a bounded timeout and opens a channel.
func NewProducer(amqpURL string) (*Producer, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return &Producer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// Publish marshals body and sends it to exchange with routingKey. The
// exchange is declared as a durable topic on first use. A failed publish
// reopens the channel and retries once.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, data)
	if err == nil {
		return nil
	}
	slog.Warn("amqp publish failed, reopening channel", "exchange", exchange, "routing_key", routingKey, "err", err)
	if reopenErr := p.reopenLocked(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return p.publishLocked(ctx, exchange, routingKey, data)
}

func (p *Producer) publishLocked(ctx context.Context, exchange, routingKey string, data []byte) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         data,
	})
}

func (p *Producer) reopenLocked() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

// Close closes the channel and connection.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// AMQPPublisher publishes events to a topic exchange, routed by event type.
type AMQPPublisher struct {
	producer *Producer
	exchange string
}

// NewAMQPPublisher creates a publisher on exchange.
func NewAMQPPublisher(p *Producer, exchange string) *AMQPPublisher {
	return &AMQPPublisher{producer: p, exchange: exchange}
}

func (a *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	return a.producer.Publish(ctx, a.exchange, e.Type, e)
}
