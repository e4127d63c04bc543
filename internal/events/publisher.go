// Package events publishes entitlement-changed notifications to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

// QueueEntitlementChanged is the durable queue consumers subscribe to.
const QueueEntitlementChanged = "entitlement.changed"

// Publisher dials the broker per publish; notifications are low volume and
// each one is retried by the job worker on failure.
type Publisher struct {
	url   string
	queue string
}

// NewPublisher returns a publisher for the broker at url.
func NewPublisher(url string) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("events: amqp url is required")
	}
	return &Publisher{url: url, queue: QueueEntitlementChanged}, nil
}

// PublishEntitlementChanged sends change as a persistent JSON message.
func (p *Publisher) PublishEntitlementChanged(ctx context.Context, change models.EntitlementChange) error {
	body, err := encode(change)
	if err != nil {
		return err
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
	if err != nil {
		return fmt.Errorf("events: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare queue: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    change.EventID,
		Timestamp:    time.Now().UTC(),
		Type:         change.EventType,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

func encode(change models.EntitlementChange) ([]byte, error) {
	if change.IdentityID == "" {
		return nil, errors.New("events: change has no identity")
	}
	body, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("events: marshal: %w", err)
	}
	return body, nil
}
