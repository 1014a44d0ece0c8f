package models

import "time"

// Event types
const (
	EventTypeOrderPlaced    = "ORDER_PLACED"
	EventTypeOrderApproved  = "ORDER_APPROVED"
	EventTypeOrderRejected  = "ORDER_REJECTED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypeOrderDelivered = "ORDER_DELIVERED"
	EventTypeLegCreated     = "LEG_CREATED"
	EventTypeLegAccepted    = "LEG_ACCEPTED"
	EventTypeLegRejected    = "LEG_REJECTED"
	EventTypeLegShipped     = "LEG_SHIPPED"
	EventTypeLegDelivered   = "LEG_DELIVERED"
)

// Custody command types consumed from scanners and carrier integrations
const (
	CommandAcceptLeg       = "ACCEPT_LEG"
	CommandRejectLeg       = "REJECT_LEG"
	CommandShipLeg         = "SHIP_LEG"
	CommandConfirmReceipt  = "CONFIRM_RECEIPT"
	CommandConfirmDelivery = "CONFIRM_DELIVERY"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is published on every order-level transition
type OrderEvent struct {
	BaseEvent
	OrderID    int64       `json:"order_id"`
	CustomerID int64       `json:"customer_id"`
	SupplierID int64       `json:"supplier_id"`
	Status     OrderStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
}

// LegEvent is published on every leg transition
type LegEvent struct {
	BaseEvent
	OrderID       int64     `json:"order_id"`
	LegID         int64     `json:"leg_id"`
	LegNumber     int       `json:"leg_number"`
	Variant       int       `json:"variant"`
	FromPartyID   int64     `json:"from_party_id"`
	ToPartyID     *int64    `json:"to_party_id,omitempty"`
	TransporterID *int64    `json:"transporter_id,omitempty"`
	Status        LegStatus `json:"status"`
	Reason        string    `json:"reason,omitempty"`
}

// CustodyCommand is an inbound trigger delivered over the commands topic.
// A zero LegID targets the order's active leg.
type CustodyCommand struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	LegID         int64  `json:"leg_id,omitempty"`
	Actor         Caller `json:"actor"`
	Reason        string `json:"reason,omitempty"`
	TransporterID *int64 `json:"transporter_id,omitempty"`
}

// TrackingNotification is fanned out to subscribers after every mutation
type TrackingNotification struct {
	OrderID    int64         `json:"order_id"`
	CustomerID int64         `json:"customer_id"`
	Status     OrderStatus   `json:"status"`
	Latest     TrackingEvent `json:"latest"`
}
