// Package broker exports committed conversation lifecycle events to a
// RabbitMQ topic exchange.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rs/zerolog"
)

// amqpChannel is the slice of *amqp091.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher is a chat.Publisher that sends events to an exchange. Each
// publish opens its own channel, so Publish is safe for concurrent use.
type Publisher struct {
	open     func() (amqpChannel, error)
	closeFn  func() error
	exchange string
	producer string
	log      zerolog.Logger
}

// Dial retry defaults.
const (
	DefaultDialAttempts = 5
	DefaultRetryDelay   = 500 * time.Millisecond
	maxRetryDelay       = 30 * time.Second
)

// Opts holds parameters for Dial.
type Opts struct {
	URL      string
	Exchange string
	Producer string

	DialAttempts int           // defaults to DefaultDialAttempts
	RetryDelay   time.Duration // first backoff, doubled per attempt

	Logger zerolog.Logger
}

// Dial connects to RabbitMQ, retrying with exponential backoff until ctx
// is done, and declares a durable topic exchange.
func Dial(ctx context.Context, opts Opts) (*Publisher, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("broker: url is required")
	}
	if opts.Exchange == "" {
		return nil, fmt.Errorf("broker: exchange is required")
	}
	conn, err := dialWithRetry(ctx, opts, amqp091.Dial)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: declare exchange %s: %w", opts.Exchange, err)
	}

	open := func() (amqpChannel, error) { return conn.Channel() }
	return newPublisher(open, conn.Close, opts), nil
}

func dialWithRetry(ctx context.Context, opts Opts, dial func(url string) (*amqp091.Connection, error)) (*amqp091.Connection, error) {
	attempts := opts.DialAttempts
	if attempts <= 0 {
		attempts = DefaultDialAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	log := opts.Logger.With().Str("component", "broker").Logger()

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info().Int("attempt", i).Msg("broker connected")
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay << (i - 1)
		if sleep <= 0 || sleep > maxRetryDelay {
			sleep = maxRetryDelay
		}
		log.Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("broker dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("broker: dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("broker: dial after %d attempts: %w", attempts, lastErr)
}

func newPublisher(open func() (amqpChannel, error), closeFn func() error, opts Opts) *Publisher {
	return &Publisher{
		open:     open,
		closeFn:  closeFn,
		exchange: opts.Exchange,
		producer: opts.Producer,
		log:      opts.Logger.With().Str("component", "broker").Logger(),
	}
}

// Publish sends ev as a persistent JSON message. Typing events are skipped.
func (p *Publisher) Publish(ctx context.Context, ev chat.Event) error {
	key, env, ok := BuildEnvelope(ev, p.producer)
	if !ok {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: encode %s: %w", key, err)
	}
	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("broker: open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     time.Now(),
		AppId:         p.producer,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", key, err)
	}
	p.log.Debug().Str("key", key).Str("conversation_id", ev.ConversationID).Msg("published")
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}
