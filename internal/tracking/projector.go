package tracking

import (
	"fmt"
	"math"
	"sort"
	"time"

	"fulfillment-service/internal/models"
)

// Tracking status labels
const (
	StatusOrderPlaced     = "ORDER_PLACED"
	StatusLegCreated      = "LEG_CREATED"
	StatusLegAccepted     = "LEG_ACCEPTED"
	StatusLegShipped      = "LEG_SHIPPED"
	StatusLegDelivered    = "LEG_DELIVERED"
	StatusLegRejected     = "LEG_REJECTED"
	StatusLegSuperseded   = "LEG_SUPERSEDED"
	StatusLegCancelled    = "LEG_CANCELLED"
	StatusOrderDelivered  = "ORDER_DELIVERED"
	StatusOrderCancelled  = "ORDER_CANCELLED"
	StatusOrderRejected   = "ORDER_REJECTED"
	terminalLegNumber     = math.MaxInt32
	placementLegNumber    = 0
	defaultCustomerTarget = "customer"
)

type entry struct {
	event models.TrackingEvent
	seq   int
}

// Project derives the tracking timeline of an order from its leg history.
// It has no side effects and is safe to call on every read.
func Project(order *models.Order, legs []models.OrderLeg) []models.TrackingEvent {
	entries := make([]entry, 0, len(legs)*3+2)
	add := func(legNumber int, variant int, status, desc string, at time.Time) {
		entries = append(entries, entry{
			event: models.TrackingEvent{
				ID:          fmt.Sprintf("%d-%d.%d-%s", order.ID, legNumber, variant, status),
				OrderID:     order.ID,
				LegNumber:   legNumber,
				Status:      status,
				Description: desc,
				Timestamp:   at,
			},
			seq: len(entries),
		})
	}

	add(placementLegNumber, 0, StatusOrderPlaced,
		fmt.Sprintf("Order placed for %d unit(s) of product %d", order.Quantity, order.ProductID),
		order.CreatedAt)

	for _, leg := range legs {
		target := defaultCustomerTarget
		if leg.ToPartyID != nil {
			target = fmt.Sprintf("distributor %d", *leg.ToPartyID)
		}
		route := fmt.Sprintf("leg %d from party %d to %s", leg.LegNumber, leg.FromPartyID, target)

		add(leg.LegNumber, leg.Variant, StatusLegCreated, "Routed "+route, leg.CreatedAt)
		if leg.AcceptedAt != nil && leg.ToPartyID != nil {
			add(leg.LegNumber, leg.Variant, StatusLegAccepted, "Accepted "+route, *leg.AcceptedAt)
		}
		if leg.ShippedAt != nil {
			add(leg.LegNumber, leg.Variant, StatusLegShipped, "Shipped "+route, *leg.ShippedAt)
		}
		if leg.DeliveredAt != nil {
			add(leg.LegNumber, leg.Variant, StatusLegDelivered, "Delivered "+route, *leg.DeliveredAt)
		}
		if leg.ClosedAt != nil {
			switch leg.Status {
			case models.LegStatusRejected:
				add(leg.LegNumber, leg.Variant, StatusLegRejected, "Rejected "+route+reasonSuffix(leg.Reason), *leg.ClosedAt)
			case models.LegStatusSuperseded:
				add(leg.LegNumber, leg.Variant, StatusLegSuperseded, "Rerouted "+route, *leg.ClosedAt)
			case models.LegStatusCancelled:
				add(leg.LegNumber, leg.Variant, StatusLegCancelled, "Cancelled "+route, *leg.ClosedAt)
			}
		}
	}

	if order.ClosedAt != nil {
		switch order.Status {
		case models.OrderStatusDelivered:
			add(terminalLegNumber, 0, StatusOrderDelivered, "Order delivered to customer", *order.ClosedAt)
		case models.OrderStatusCancelled:
			add(terminalLegNumber, 0, StatusOrderCancelled, "Order cancelled"+reasonSuffix(order.Reason), *order.ClosedAt)
		case models.OrderStatusRejected:
			add(terminalLegNumber, 0, StatusOrderRejected, "Order rejected by supplier"+reasonSuffix(order.Reason), *order.ClosedAt)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].event, entries[j].event
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.LegNumber != b.LegNumber {
			return a.LegNumber < b.LegNumber
		}
		return entries[i].seq < entries[j].seq
	})

	events := make([]models.TrackingEvent, len(entries))
	for i, e := range entries {
		events[i] = e.event
		if e.event.LegNumber == terminalLegNumber {
			events[i].LegNumber = 0
		}
	}
	return events
}

// Latest returns the most recent event of a timeline
func Latest(events []models.TrackingEvent) (models.TrackingEvent, bool) {
	if len(events) == 0 {
		return models.TrackingEvent{}, false
	}
	return events[len(events)-1], true
}

func reasonSuffix(reason *string) string {
	if reason == nil || *reason == "" {
		return ""
	}
	return ": " + *reason
}
