package custody

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"fulfillment-service/internal/models"
)

// hashVersion is bumped whenever the canonical layout changes
const hashVersion = 1

type canonicalLeg struct {
	LegNumber   int    `json:"leg_number"`
	Variant     int    `json:"variant"`
	FromParty   int64  `json:"from_party"`
	ToParty     *int64 `json:"to_party"`
	Transporter *int64 `json:"transporter"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	AcceptedAt  *int64 `json:"accepted_at"`
	ShippedAt   *int64 `json:"shipped_at"`
	DeliveredAt *int64 `json:"delivered_at"`
	ClosedAt    *int64 `json:"closed_at"`
}

type canonicalOrder struct {
	Version    int            `json:"v"`
	OrderID    int64          `json:"order_id"`
	ProductID  int64          `json:"product_id"`
	Quantity   int            `json:"quantity"`
	CustomerID int64          `json:"customer_id"`
	SupplierID int64          `json:"supplier_id"`
	Legs       []canonicalLeg `json:"legs"`
}

func micros(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMicro()
	return &v
}

// Canonicalize serializes the immutable fields of an order and its full leg
// history. Legs are ordered by leg number then variant, timestamps are unix
// microseconds, and derived fields such as totals are left out.
func Canonicalize(order *models.Order, legs []models.OrderLeg) ([]byte, error) {
	sorted := make([]models.OrderLeg, len(legs))
	copy(sorted, legs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].LegNumber != sorted[j].LegNumber {
			return sorted[i].LegNumber < sorted[j].LegNumber
		}
		return sorted[i].Variant < sorted[j].Variant
	})

	c := canonicalOrder{
		Version:    hashVersion,
		OrderID:    order.ID,
		ProductID:  order.ProductID,
		Quantity:   order.Quantity,
		CustomerID: order.CustomerID,
		SupplierID: order.SupplierID,
		Legs:       make([]canonicalLeg, 0, len(sorted)),
	}
	for _, leg := range sorted {
		created := leg.CreatedAt.UnixMicro()
		c.Legs = append(c.Legs, canonicalLeg{
			LegNumber:   leg.LegNumber,
			Variant:     leg.Variant,
			FromParty:   leg.FromPartyID,
			ToParty:     leg.ToPartyID,
			Transporter: leg.TransporterID,
			Status:      string(leg.Status),
			CreatedAt:   created,
			AcceptedAt:  micros(leg.AcceptedAt),
			ShippedAt:   micros(leg.ShippedAt),
			DeliveredAt: micros(leg.DeliveredAt),
			ClosedAt:    micros(leg.ClosedAt),
		})
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize order %d: %w", order.ID, err)
	}
	return data, nil
}

// OrderHash returns the SHA-256 digest of the canonical order serialization
func OrderHash(order *models.Order, legs []models.OrderLeg) ([]byte, error) {
	data, err := Canonicalize(order, legs)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
