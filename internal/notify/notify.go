// Package notify публикует доменные события платёжного сервиса в очередь
// для центра уведомлений.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher отправляет доменные события в durable-очередь RabbitMQ.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

type message struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	OrderID    int64  `json:"order_id"`
	OccurredAt string `json:"occurred_at"`
}

// NewPublisher подключается к брокеру и объявляет очередь уведомлений.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
		queue:   queue,
	}, nil
}

// Publish отправляет событие заказа в очередь уведомлений.
func (p *Publisher) Publish(ctx context.Context, eventType string, orderID int64) error {
	id := uuid.NewString()
	body, err := json.Marshal(message{
		ID:         id,
		Type:       eventType,
		OrderID:    orderID,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Close закрывает канал и соединение с брокером.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
