package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig describes the exchange lifecycle events are mirrored to.
type AMQPConfig struct {
	URL      string `yaml:"url" json:"url"`
	Exchange string `yaml:"exchange" json:"exchange"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// amqpPublisher is the part of *amqp.Channel the bridge uses.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPBridge republishes bus events whose name starts with Prefix to a RabbitMQ
// fanout exchange so host services outside the process can follow plugin lifecycles.
type AMQPBridge struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
	prefix   string
	stop     func()
}

// NewAMQPBridge dials RabbitMQ and declares a durable fanout exchange.
func NewAMQPBridge(cfg AMQPConfig) (*AMQPBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url cannot be empty")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "openplugin.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPBridge{conn: conn, ch: ch, exchange: cfg.Exchange, prefix: cfg.Prefix}, nil
}

// Attach subscribes the bridge to every event on b.
func (a *AMQPBridge) Attach(b *Bus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop = b.Subscribe(Wildcard, "amqp-bridge", a.forward)
}

func (a *AMQPBridge) forward(ctx context.Context, ev Event) error {
	if a.prefix != "" && !strings.HasPrefix(ev.Name, a.prefix) {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.ch.PublishWithContext(pctx, a.exchange, ev.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.Time,
		Type:         ev.Name,
		Body:         body,
	})
}

// Close detaches from the bus and closes the connection.
func (a *AMQPBridge) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
	var err error
	if a.ch != nil {
		err = a.ch.Close()
	}
	if a.conn != nil {
		err = errors.Join(err, a.conn.Close())
	}
	return err
}
