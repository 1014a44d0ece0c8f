package tracking

import (
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statuses(events []models.TrackingEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Status
	}
	return out
}

func TestProject_RejectedAndReassigned(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	at := func(m int) *time.Time {
		v := t0.Add(time.Duration(m) * time.Minute)
		return &v
	}
	a, b := int64(2), int64(3)
	reason := "capacity"

	order := &models.Order{ID: 2, ProductID: 10, Quantity: 1, Status: models.OrderStatusInProgress, CreatedAt: t0}
	legs := []models.OrderLeg{
		{LegNumber: 1, Variant: 1, FromPartyID: 1, ToPartyID: &b, Status: models.LegStatusAccepted,
			CreatedAt: *at(3), AcceptedAt: at(4)},
		{LegNumber: 1, FromPartyID: 1, ToPartyID: &a, Status: models.LegStatusRejected, Reason: &reason,
			CreatedAt: *at(1), ClosedAt: at(2)},
	}

	events := Project(order, legs)

	assert.Equal(t, []string{
		StatusOrderPlaced,
		StatusLegCreated,
		StatusLegRejected,
		StatusLegCreated,
		StatusLegAccepted,
	}, statuses(events))
	assert.Contains(t, events[2].Description, "capacity")

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestProject_TiesBrokenByLegNumber(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := int64(2)

	order := &models.Order{ID: 3, Status: models.OrderStatusInProgress, CreatedAt: t0}
	legs := []models.OrderLeg{
		{LegNumber: 2, FromPartyID: 2, Status: models.LegStatusAccepted, CreatedAt: t0.Add(time.Hour), AcceptedAt: ptr(t0.Add(time.Hour))},
		{LegNumber: 1, FromPartyID: 1, ToPartyID: &a, Status: models.LegStatusDelivered,
			CreatedAt: t0, AcceptedAt: ptr(t0), ShippedAt: ptr(t0), DeliveredAt: ptr(t0.Add(time.Hour))},
	}

	events := Project(order, legs)
	require.Len(t, events, 6)

	last := events[len(events)-2:]
	assert.Equal(t, StatusLegDelivered, last[0].Status)
	assert.Equal(t, 1, last[0].LegNumber)
	assert.Equal(t, StatusLegCreated, last[1].Status)
	assert.Equal(t, 2, last[1].LegNumber)
}

func TestProject_TerminalEvent(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	closed := t0.Add(2 * time.Hour)

	order := &models.Order{ID: 1, Status: models.OrderStatusDelivered, CreatedAt: t0, ClosedAt: &closed}
	legs := []models.OrderLeg{
		{LegNumber: 1, FromPartyID: 1, Status: models.LegStatusDelivered,
			CreatedAt: t0.Add(time.Minute), ShippedAt: ptr(t0.Add(time.Minute)), DeliveredAt: &closed},
	}

	events := Project(order, legs)
	latest, ok := Latest(events)
	require.True(t, ok)
	assert.Equal(t, StatusOrderDelivered, latest.Status)
	assert.Equal(t, 0, latest.LegNumber)
	assert.Equal(t, StatusLegDelivered, events[len(events)-2].Status)
}

func TestProject_CancelledWithReason(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	reason := "changed my mind"
	order := &models.Order{ID: 4, Status: models.OrderStatusCancelled, Reason: &reason, CreatedAt: t0, ClosedAt: ptr(t0.Add(time.Minute))}

	events := Project(order, nil)
	assert.Equal(t, []string{StatusOrderPlaced, StatusOrderCancelled}, statuses(events))
	assert.Contains(t, events[1].Description, reason)
}

func TestProject_IsPure(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	order := &models.Order{ID: 5, Status: models.OrderStatusPending, CreatedAt: t0}

	assert.Equal(t, Project(order, nil), Project(order, nil))
	_, ok := Latest(nil)
	assert.False(t, ok)
}

func ptr(t time.Time) *time.Time {
	return &t
}
