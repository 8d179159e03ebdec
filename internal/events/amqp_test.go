package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/retry"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	exchange string
	key      string
	message  amqp.Publishing
}

type fakeChannel struct {
	failures  int
	err       error
	calls     int
	published []publishedMessage
}

func (channel *fakeChannel) PublishWithContext(_ context.Context, exchange string, key string, _ bool, _ bool, msg amqp.Publishing) error {
	channel.calls++
	if channel.calls <= channel.failures {
		return channel.err
	}
	channel.published = append(channel.published, publishedMessage{exchange: exchange, key: key, message: msg})
	return nil
}

var testPolicy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func expiredEvent() ledger.Event {
	return ledger.Event{
		Type:          ledger.EventReservationExpired,
		UserID:        "user-1",
		ReservationID: "res-1",
		OperationID:   "op-1",
		Credits:       40,
		OccurredAt:    time.Date(2026, time.January, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublishSendsPersistentJSON(test *testing.T) {
	test.Parallel()
	channel := &fakeChannel{}
	publisher := NewPublisher(channel, "ledger.events", testPolicy)

	require.NoError(test, publisher.Publish(context.Background(), expiredEvent()))

	require.Len(test, channel.published, 1)
	published := channel.published[0]
	assert.Equal(test, "ledger.events", published.exchange)
	assert.Equal(test, "ledger.reservation.expired", published.key)
	assert.Equal(test, amqp.Persistent, published.message.DeliveryMode)
	assert.Equal(test, "application/json", published.message.ContentType)
	assert.Equal(test, "reservation.expired:user-1:res-1", published.message.MessageId)

	var decoded ledger.Event
	require.NoError(test, json.Unmarshal(published.message.Body, &decoded))
	assert.Equal(test, expiredEvent(), decoded)
}

func TestPublishRetriesTransientFailures(test *testing.T) {
	test.Parallel()
	channel := &fakeChannel{failures: 2, err: errors.New("channel busy")}
	publisher := NewPublisher(channel, "ledger.events", testPolicy)

	require.NoError(test, publisher.Publish(context.Background(), expiredEvent()))
	assert.Equal(test, 3, channel.calls)
	assert.Len(test, channel.published, 1)
}

func TestPublishGivesUpAfterPolicy(test *testing.T) {
	test.Parallel()
	sentinel := errors.New("broker down")
	channel := &fakeChannel{failures: 10, err: sentinel}
	publisher := NewPublisher(channel, "ledger.events", testPolicy)

	err := publisher.Publish(context.Background(), expiredEvent())
	require.ErrorIs(test, err, sentinel)
	assert.Equal(test, 3, channel.calls)
	assert.Empty(test, channel.published)
}

func TestMessageIDFallsBackToIntent(test *testing.T) {
	test.Parallel()
	event := ledger.Event{Type: ledger.EventCheckoutFinalized, UserID: "user-2", IntentID: 7}
	assert.Equal(test, "checkout.finalized:user-2:7", MessageID(event))
	assert.Equal(test, "ledger.checkout.finalized", RoutingKey(event.Type))
}
