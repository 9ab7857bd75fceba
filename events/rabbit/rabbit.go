// Package rabbit publishes and consumes change notifications over RabbitMQ.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"

	"github.com/warp/travel-allowance/events"
)

const (
	exchangeName = "travel_changes_exchange" // all change notifications go through this exchange
	bindingKey   = "change.*"
)

// Routing keys per change kind.
const (
	addressRoutingKey = "change.address"
	rateRoutingKey    = "change.rate"
	siteRoutingKey    = "change.site"
)

func routingKey(kind events.Kind) (string, error) {
	switch kind {
	case events.KindAddressChanged:
		return addressRoutingKey, nil
	case events.KindRateChanged:
		return rateRoutingKey, nil
	case events.KindSiteChanged:
		return siteRoutingKey, nil
	}
	return "", fmt.Errorf("%w: no routing key for kind %q", events.ErrInvalidChange, kind)
}

// Client owns one connection and channel bound to a durable queue.
type Client struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	logger  *slog.Logger
}

// Dial connects, declares the topic exchange and binds queue to it.
func Dial(url, queue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, bindingKey, exchangeName, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue %q: %w", q.Name, err)
	}
	return &Client{conn: conn, channel: ch, queue: q.Name, logger: logger}, nil
}

// Publish sends ev as a persistent JSON message.
func (c *Client) Publish(ctx context.Context, ev events.Change) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	key, err := routingKey(ev.Kind)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	return c.channel.PublishWithContext(ctx, exchangeName, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID.String(),
		Timestamp:    ev.At,
		Body:         body,
	})
}

// Consume streams decoded changes until ctx is done. Malformed messages are
// rejected without requeue; valid ones are acked once handed over.
func (c *Client) Consume(ctx context.Context) (<-chan events.Change, error) {
	deliveries, err := c.channel.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %q: %w", c.queue, err)
	}

	out := make(chan events.Change)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				ev, err := decode(d.Body)
				if err != nil {
					c.logger.Warn("dropping malformed change message", "message_id", d.MessageId, "error", err)
					_ = d.Nack(false, false)
					continue
				}
				select {
				case out <- ev:
					_ = d.Ack(false)
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	if err := c.channel.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

func decode(body []byte) (events.Change, error) {
	var ev events.Change
	if err := json.Unmarshal(body, &ev); err != nil {
		return events.Change{}, fmt.Errorf("%w: %v", events.ErrInvalidChange, err)
	}
	if err := ev.Validate(); err != nil {
		return events.Change{}, err
	}
	return ev, nil
}
