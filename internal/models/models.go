package models

import "time"

// PartyKind is the closed set of participants in a fulfillment route
type PartyKind string

const (
	PartyKindSupplier    PartyKind = "SUPPLIER"
	PartyKindDistributor PartyKind = "DISTRIBUTOR"
	PartyKindCustomer    PartyKind = "CUSTOMER"
	PartyKindTransporter PartyKind = "TRANSPORTER"
)

// Valid reports whether k is one of the known party kinds
func (k PartyKind) Valid() bool {
	switch k {
	case PartyKindSupplier, PartyKindDistributor, PartyKindCustomer, PartyKindTransporter:
		return true
	}
	return false
}

// HoldsCustody reports whether parties of this kind can appear as a leg
// endpoint. Unknown kinds never do.
func (k PartyKind) HoldsCustody() bool {
	switch k {
	case PartyKindSupplier, PartyKindDistributor, PartyKindCustomer:
		return true
	case PartyKindTransporter:
		return false
	}
	return false
}

// Party is a supplier, distributor, customer or transporter
type Party struct {
	ID          int64     `db:"id" json:"id"`
	Kind        PartyKind `db:"kind" json:"kind"`
	Name        string    `db:"name" json:"name"`
	ServiceArea string    `db:"service_area" json:"service_area,omitempty"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Product represents a product in a supplier's catalog
type Product struct {
	ID         int64     `db:"id" json:"id"`
	SupplierID int64     `db:"supplier_id" json:"supplier_id"`
	SKU        string    `db:"sku" json:"sku"`
	Name       string    `db:"name" json:"name"`
	Price      int64     `db:"price" json:"price"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusApproved        OrderStatus = "APPROVED"
	OrderStatusInProgress      OrderStatus = "IN_PROGRESS"
	OrderStatusPendingReassign OrderStatus = "PENDING_REASSIGN"
	OrderStatusDelivered       OrderStatus = "DELIVERED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusRejected || s == OrderStatusCancelled
}

// Order represents a customer order routed from a supplier
type Order struct {
	ID              int64       `db:"id" json:"id"`
	ProductID       int64       `db:"product_id" json:"product_id"`
	CustomerID      int64       `db:"customer_id" json:"customer_id"`
	SupplierID      int64       `db:"supplier_id" json:"supplier_id"`
	Quantity        int         `db:"quantity" json:"quantity"`
	TotalAmount     int64       `db:"total_amount" json:"total_amount"`
	DeliveryAddress string      `db:"delivery_address" json:"delivery_address"`
	Status          OrderStatus `db:"status" json:"status"`
	Reason          *string     `db:"reason" json:"reason,omitempty"`
	IdempotencyKey  string      `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ApprovedAt      *time.Time  `db:"approved_at" json:"approved_at,omitempty"`
	ClosedAt        *time.Time  `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// LegStatus is the lifecycle state of a single custody hop
type LegStatus string

// Leg statuses
const (
	LegStatusPending    LegStatus = "PENDING"
	LegStatusAccepted   LegStatus = "ACCEPTED"
	LegStatusInTransit  LegStatus = "IN_TRANSIT"
	LegStatusDelivered  LegStatus = "DELIVERED"
	LegStatusRejected   LegStatus = "REJECTED"
	LegStatusSuperseded LegStatus = "SUPERSEDED"
	LegStatusCancelled  LegStatus = "CANCELLED"
)

// Active reports whether a leg in status s still holds the order's custody
func (s LegStatus) Active() bool {
	return s == LegStatusPending || s == LegStatusAccepted || s == LegStatusInTransit
}

// OnAcceptedPath reports whether a leg in status s belongs to the route actually taken
func (s LegStatus) OnAcceptedPath() bool {
	return s != LegStatusRejected && s != LegStatusSuperseded
}

// OrderLeg is one custody hop of an order's route. A nil ToPartyID means the
// leg ends at the customer's delivery address.
type OrderLeg struct {
	ID            int64      `db:"id" json:"id"`
	OrderID       int64      `db:"order_id" json:"order_id"`
	LegNumber     int        `db:"leg_number" json:"leg_number"`
	Variant       int        `db:"variant" json:"variant"`
	FromPartyID   int64      `db:"from_party_id" json:"from_party_id"`
	ToPartyID     *int64     `db:"to_party_id" json:"to_party_id,omitempty"`
	TransporterID *int64     `db:"transporter_id" json:"transporter_id,omitempty"`
	Status        LegStatus  `db:"status" json:"status"`
	Reason        *string    `db:"reason" json:"reason,omitempty"`
	AcceptedAt    *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	ShippedAt     *time.Time `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt   *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ClosedAt      *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// IsFinal reports whether the leg ends at the customer
func (l *OrderLeg) IsFinal() bool {
	return l.ToPartyID == nil
}

// VerificationRecord is the signed proof of authenticity issued on delivery
type VerificationRecord struct {
	OrderID           int64     `db:"order_id" json:"order_id"`
	QRToken           string    `db:"qr_token" json:"qr_token"`
	OrderHash         string    `db:"order_hash" json:"order_hash"`
	SupplierSignature string    `db:"supplier_signature" json:"supplier_signature"`
	ServerSignature   string    `db:"server_signature" json:"server_signature"`
	SignedAt          time.Time `db:"signed_at" json:"signed_at"`
}

// TrackingEvent is a derived, read-only timeline entry
type TrackingEvent struct {
	ID          string    `json:"id"`
	OrderID     int64     `json:"order_id"`
	LegNumber   int       `json:"leg_number,omitempty"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Caller identifies the party on whose behalf an operation runs
type Caller struct {
	PartyID int64     `json:"party_id"`
	Kind    PartyKind `json:"kind"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Now returns the current time at the precision the store persists, so that
// hashes recomputed from stored rows match the ones computed in memory.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
