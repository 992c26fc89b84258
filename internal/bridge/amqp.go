package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "routinely/pkg/logx"
)

type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.Exchange == "" {
		c.Exchange = "routinely.schedule"
	}
	if c.Queue == "" {
		c.Queue = "routinely.schedule.worker"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 4
	}
	return c
}

// AMQPBus publishes to a durable fanout exchange and consumes from a durable
// queue bound to it. The connection reconnects with exponential backoff.
type AMQPBus struct {
	cfg AMQPConfig
	log logx.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	closedCh    chan struct{}
	reconnectCh chan struct{}
}

func DialAMQP(cfg AMQPConfig, log logx.Logger) (*AMQPBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("bridge: amqp url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &AMQPBus{
		cfg:         cfg.withDefaults(),
		log:         log.With(logx.Component("bridge.amqp")),
		closedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	go b.watchConnection()
	return b, nil
}

func (b *AMQPBus) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, b.cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	b.conn, b.channel = conn, ch
	b.log.Info("connected", logx.String("exchange", b.cfg.Exchange), logx.String("queue", b.cfg.Queue))
	return nil
}

func declareTopology(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"fanout",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		amqp.Table{"x-max-length": int32(64)},
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, "", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", cfg.Queue, cfg.Exchange, err)
	}
	return nil
}

func (b *AMQPBus) watchConnection() {
	for {
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return
		}
		conn := b.conn
		b.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.closedCh:
			return
		case err := <-notifyClose:
			if err != nil {
				b.log.Warn("connection closed", logx.Err(err))
			}
			b.reconnect()
		}
	}
}

func (b *AMQPBus) reconnect() {
	delay := time.Second
	for {
		select {
		case <-b.closedCh:
			return
		case <-time.After(delay):
		}
		if err := b.connect(); err != nil {
			b.log.Warn("reconnect failed", logx.Duration("delay", delay), logx.Err(err))
			delay = min(delay*2, 30*time.Second)
			continue
		}
		select {
		case b.reconnectCh <- struct{}{}:
		default:
		}
		return
	}
}

func (b *AMQPBus) current() (*amqp.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.channel == nil || b.channel.IsClosed() {
		return nil, errors.New("bridge: no amqp channel available")
	}
	return b.channel, nil
}

func (b *AMQPBus) Publish(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ch, err := b.current()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		b.cfg.Exchange, // exchange
		"",             // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.ID,
			Type:         m.Type,
			Timestamp:    m.SentAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.cfg.Exchange, err)
	}
	b.log.Debug("published", logx.String("message_id", m.ID), logx.String("owner", m.OwnerID))
	return nil
}

func (b *AMQPBus) Consume(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := b.setupConsume()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			b.log.Error("failed to setup consume", logx.Err(err))
		} else {
			b.log.Info("consumer started", logx.String("queue", b.cfg.Queue))
			if err := b.process(ctx, deliveries, h); ctx.Err() != nil {
				return ctx.Err()
			} else if err != nil {
				b.log.Warn("deliveries channel closed, waiting for reconnect", logx.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closedCh:
			return ErrClosed
		case <-b.reconnectCh:
		}
	}
}

func (b *AMQPBus) setupConsume() (<-chan amqp.Delivery, error) {
	ch, err := b.current()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		b.cfg.Queue, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (b *AMQPBus) process(ctx context.Context, deliveries <-chan amqp.Delivery, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			b.handle(ctx, raw, h)
		}
	}
}

func (b *AMQPBus) handle(ctx context.Context, raw amqp.Delivery, h Handler) {
	m, err := decodeMessage(raw.Body)
	if err != nil {
		b.log.Error("dropping malformed message", logx.String("message_id", raw.MessageId), logx.Err(err))
		_ = raw.Nack(false, false)
		return
	}
	if err := h(ctx, m); err != nil {
		// A newer message supersedes this one, so there is no point requeueing.
		b.log.Error("handler failed", logx.String("message_id", m.ID), logx.Err(err))
		_ = raw.Nack(false, false)
		return
	}
	_ = raw.Ack(false)
}

func decodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, m.Validate()
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closedCh)

	var errs []error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
