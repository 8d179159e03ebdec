// Package events delivers committed ledger events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/retry"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeKindTopic  = "topic"
	contentTypeJSON    = "application/json"
	routingKeyPrefix   = "ledger."
	messageIDDelimiter = ":"
)

// ErrConnectionClosed is returned when the broker connection is gone.
var ErrConnectionClosed = errors.New("events: connection closed")

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
}

// Publisher implements ledger.EventPublisher over an AMQP channel.
type Publisher struct {
	channel  channelPublisher
	exchange string
	policy   retry.Policy
}

// NewPublisher publishes to exchange through channel, retrying with policy.
func NewPublisher(channel channelPublisher, exchange string, policy retry.Policy) *Publisher {
	return &Publisher{channel: channel, exchange: exchange, policy: policy}
}

// Publish sends event as a persistent JSON message routed by its type.
func (publisher *Publisher) Publish(ctx context.Context, event ledger.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("events: encode %s: %w", event.Type, err))
	}
	message := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    MessageID(event),
		Type:         string(event.Type),
		Timestamp:    event.OccurredAt,
		Body:         body,
	}
	routingKey := RoutingKey(event.Type)
	err = retry.Do(ctx, publisher.policy, func(ctx context.Context) error {
		return publisher.channel.PublishWithContext(ctx, publisher.exchange, routingKey, false, false, message)
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	return nil
}

// RoutingKey maps an event type to its topic routing key.
func RoutingKey(eventType ledger.EventType) string {
	return routingKeyPrefix + string(eventType)
}

// MessageID is stable per event so consumers can drop redeliveries.
func MessageID(event ledger.Event) string {
	parts := []string{string(event.Type), event.UserID}
	switch {
	case event.ReservationID != "":
		parts = append(parts, event.ReservationID)
	case event.IntentID != 0:
		parts = append(parts, strconv.FormatInt(event.IntentID, 10))
	case event.OperationID != "":
		parts = append(parts, event.OperationID)
	}
	return strings.Join(parts, messageIDDelimiter)
}

// Broker owns the AMQP connection and the channel used by Publisher.
type Broker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url string, exchange string, logger *zap.Logger) (*Broker, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", zap.Error(err))
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	logger.Info("connected to rabbitmq", zap.String("exchange", exchange))
	return &Broker{connection: connection, channel: channel, logger: logger}, nil
}

// Publisher returns a ledger.EventPublisher bound to the broker's channel.
func (broker *Broker) Publisher(exchange string, policy retry.Policy) (*Publisher, error) {
	if broker.connection == nil || broker.connection.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return NewPublisher(broker.channel, exchange, policy), nil
}

// Close shuts the channel and the connection.
func (broker *Broker) Close() error {
	var closeErr error
	if broker.channel != nil {
		closeErr = broker.channel.Close()
	}
	if broker.connection != nil && !broker.connection.IsClosed() {
		closeErr = errors.Join(closeErr, broker.connection.Close())
	}
	return closeErr
}
