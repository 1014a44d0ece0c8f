package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	failNext  bool
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.failNext {
		f.failNext = false
		return errors.New("channel closed")
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublishTracking(t *testing.T) {
	ch := &fakeChannel{}
	dials := 0
	p := NewPublisherWithDialer("tracking_fanout", func() (Channel, error) {
		dials++
		return ch, nil
	})

	msg := &models.TrackingNotification{
		OrderID:    7,
		CustomerID: 3,
		Status:     models.OrderStatusInProgress,
		Latest: models.TrackingEvent{
			ID:        "7-1.0-LEG_SHIPPED",
			OrderID:   7,
			LegNumber: 1,
			Status:    models.EventTypeLegShipped,
			Timestamp: time.Now().UTC(),
		},
	}

	require.NoError(t, p.PublishTracking(context.Background(), msg))
	require.NoError(t, p.PublishTracking(context.Background(), msg))

	assert.Equal(t, 1, dials)
	assert.Equal(t, []string{"tracking_fanout:fanout"}, ch.declared)
	require.Len(t, ch.published, 2)

	var decoded models.TrackingNotification
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	assert.Equal(t, int64(7), decoded.OrderID)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
}

func TestPublishTracking_ReopensAfterFailure(t *testing.T) {
	ch := &fakeChannel{failNext: true}
	dials := 0
	p := NewPublisherWithDialer("tracking_fanout", func() (Channel, error) {
		dials++
		return ch, nil
	})

	msg := &models.TrackingNotification{OrderID: 1}
	assert.Error(t, p.PublishTracking(context.Background(), msg))
	assert.True(t, ch.closed)

	require.NoError(t, p.PublishTracking(context.Background(), msg))
	assert.Equal(t, 2, dials)
}
