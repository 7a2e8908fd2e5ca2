package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/znz-systems/relaywarm/internal/warmup"
)

const (
	defaultPublishTimeout = 5 * time.Second
	defaultBacklog        = 256
	contentTypeJSON       = "application/json"
)

var (
	ErrNotConfirmed = errors.New("amqp: publish not confirmed by broker")
	ErrBacklogFull  = errors.New("amqp: status change backlog full")
	ErrClosed       = errors.New("amqp: publisher closed")
)

// AMQPPublisher publishes warmup status changes to a topic exchange. The
// routing key is "warmup.<action>" so consumers can bind to the actions they
// care about. Changes are queued and published by a single background
// goroutine, so the warmup loop never waits on the broker.
type AMQPPublisher struct {
	url      string
	exchange string
	timeout  time.Duration
	send     func(ctx context.Context, change warmup.StatusChange) error

	stateMu sync.RWMutex
	closed  bool
	pending chan warmup.StatusChange
	done    chan struct{}

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := newPublisher(exchange, defaultBacklog)
	p.url = url
	p.send = p.publish

	p.mu.Lock()
	err := p.connect()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	go p.run()
	return p, nil
}

func newPublisher(exchange string, backlog int) *AMQPPublisher {
	return &AMQPPublisher{
		exchange: exchange,
		timeout:  defaultPublishTimeout,
		pending:  make(chan warmup.StatusChange, backlog),
		done:     make(chan struct{}),
	}
}

// connect must be called with mu held.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	err = ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.conn = conn
	p.channel = ch
	return nil
}

// OnStatusChange queues change for publishing and returns immediately. When
// the backlog is full the change is dropped.
func (p *AMQPPublisher) OnStatusChange(ctx context.Context, change warmup.StatusChange) error {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.pending <- change:
		return nil
	default:
		slog.WarnContext(ctx, "dropping warmup status change, amqp backlog full",
			"server_id", change.ServerID,
			"class_key", change.ClassKey,
			"action", change.Action,
		)
		return ErrBacklogFull
	}
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	for change := range p.pending {
		if err := p.send(context.Background(), change); err != nil {
			slog.Error("failed to publish warmup status change",
				"server_id", change.ServerID,
				"class_key", change.ClassKey,
				"action", change.Action,
				"error", err,
			)
		}
	}
}

// publish sends one change and waits for the broker confirm of that exact
// delivery. A closed connection is re-dialled once.
func (p *AMQPPublisher) publish(ctx context.Context, change warmup.StatusChange) error {
	msg, err := statusMessage(change, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		slog.Warn("amqp connection closed, reconnecting", "exchange", p.exchange)
		if err := p.connect(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey(change), false, false, msg)
	if err != nil {
		return fmt.Errorf("publish status change: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Close stops accepting changes, publishes what is already queued and closes
// the connection.
func (p *AMQPPublisher) Close() error {
	p.stateMu.Lock()
	if p.closed {
		p.stateMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.pending)
	p.stateMu.Unlock()

	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func routingKey(change warmup.StatusChange) string {
	return "warmup." + string(change.Action)
}

func statusMessage(change warmup.StatusChange, now time.Time) (amqp091.Publishing, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("encode status change: %w", err)
	}
	return amqp091.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         "warmup.status_change",
		Headers: amqp091.Table{
			"server_id": strconv.FormatInt(change.ServerID, 10),
			"class_key": change.ClassKey,
		},
		Body: body,
	}, nil
}
