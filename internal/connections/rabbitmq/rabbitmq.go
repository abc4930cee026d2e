package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"restaurant-payouts/internal/config"
)

const (
	ExchangeOrders       = "orders_topic"
	ExchangePayouts      = "payouts_direct"
	ExchangeSettlements  = "settlements_fanout"
	ExchangeDeadLetter   = "dlx"
	QueueOrderEvents     = "settlement.order_events"
	QueuePayoutRequests  = "payouts.requests"
	QueuePayoutConfirms  = "payouts.confirmations"
	QueueDeadLetter      = "dlq"
	RoutingOrderStatus   = "order.status.*"
	RoutingPayoutRequest = "payout.request"
	RoutingPayoutConfirm = "payout.confirmation"
	RoutingDeadLetter    = "dlq"
)

var (
	// ErrNotPublished: the message never left the client, the broker cannot have it.
	ErrNotPublished = errors.New("message not published")
	// ErrNacked: the broker refused the message.
	ErrNacked = errors.New("publish NACK from broker")
	// ErrUnconfirmed: the message was sent but no confirm arrived, the broker may have it.
	ErrUnconfirmed = errors.New("publish not confirmed")
)

// Publisher is the publishing half of Client.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table, contentType string, persistent bool) error
}

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	mu sync.Mutex // сериализуем отправку кадров в confirm-канал
}

func (c *Client) Channel() *amqp.Channel { return c.ch }

func (c *Client) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func Dial(cfg config.RabbitMQConfig) (*Client, error) {
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	scheme := "amqp"
	if cfg.UseTLS {
		scheme = "amqps"
	}
	url := fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme, cfg.User, cfg.Password, cfg.Host, cfg.Port, strings.TrimPrefix(cfg.VHost, "/"))

	var (
		conn *amqp.Connection
		err  error
	)
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(url, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// Включаем publisher confirms; каждое сообщение ждёт своё подтверждение по delivery tag
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Client{conn: conn, ch: ch}, nil
}

// OpenChannel opens a separate channel for consuming so deliveries never share
// the confirm-mode publishing channel.
func (c *Client) OpenChannel() (*amqp.Channel, error) {
	if c.conn == nil || c.conn.IsClosed() {
		return nil, errors.New("rabbitmq connection is closed")
	}
	return c.conn.Channel()
}

// DeclareTopology is idempotent.
func (c *Client) DeclareTopology() error {
	if c == nil || c.ch == nil {
		return fmt.Errorf("nil channel")
	}
	ch := c.ch
	if err := ch.ExchangeDeclare(ExchangeOrders, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeOrders, err)
	}
	if err := ch.ExchangeDeclare(ExchangePayouts, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangePayouts, err)
	}
	if err := ch.ExchangeDeclare(ExchangeSettlements, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeSettlements, err)
	}
	if err := ch.ExchangeDeclare(ExchangeDeadLetter, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeDeadLetter, err)
	}
	dlArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": RoutingDeadLetter,
	}
	for _, q := range []string{QueueOrderEvents, QueuePayoutRequests, QueuePayoutConfirms} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, dlArgs); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
	}
	if _, err := ch.QueueDeclare(QueueDeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare %s: %w", QueueDeadLetter, err)
	}
	binds := []struct{ queue, key, exchange string }{
		{QueueOrderEvents, RoutingOrderStatus, ExchangeOrders},
		{QueuePayoutRequests, RoutingPayoutRequest, ExchangePayouts},
		{QueuePayoutConfirms, RoutingPayoutConfirm, ExchangePayouts},
		{QueueDeadLetter, RoutingDeadLetter, ExchangeDeadLetter},
	}
	for _, b := range binds {
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", b.queue, err)
		}
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch and returns its deliveries.
func (c *Client) Consume(queue, consumer string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.OpenChannel()
	if err != nil {
		return nil, nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	msgs, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, msgs, nil
}

// Лёгкая health-проверка соединения
func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Publish публикует сообщение и ждёт ack/nack именно для него.
// Ошибки: ErrNotPublished (до отправки), ErrNacked (брокер отказал),
// ErrUnconfirmed (отправлено, исход неизвестен: отмена ctx или закрытый канал).
func (c *Client) Publish(ctx context.Context, exchange, key string,
	body []byte, headers amqp.Table, contentType string, persistent bool) error {

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}

	c.mu.Lock()
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: mode,
			ContentType:  contentType,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         body,
		},
	)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotPublished, err)
	}
	if dc == nil {
		return fmt.Errorf("%w: channel is not in confirm mode", ErrUnconfirmed)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: delivery tag %d: %w", ErrUnconfirmed, dc.DeliveryTag, err)
	}
	if !acked {
		// закрытие канала тоже снимает ожидание с ack=false
		if c.ch.IsClosed() {
			return fmt.Errorf("%w: delivery tag %d: channel closed", ErrUnconfirmed, dc.DeliveryTag)
		}
		return fmt.Errorf("%w: delivery tag %d", ErrNacked, dc.DeliveryTag)
	}
	return nil
}
