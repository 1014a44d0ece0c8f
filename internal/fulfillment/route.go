package fulfillment

import (
	"fmt"
	"sort"

	"fulfillment-service/internal/models"
)

// Change is a single transition recorded while applying an operation.
// Leg is an index into Route.Legs, or -1 for order-level changes.
type Change struct {
	EventType string
	Leg       int
	Reason    string
}

// Route is an order together with its full leg history. Every state machine
// operation is applied to a Route loaded under the order's lock.
type Route struct {
	Order *models.Order
	Legs  []models.OrderLeg

	dirty   map[int]bool
	changes []Change
}

// NewRoute wraps an order and its legs, sorting legs by leg number and variant
func NewRoute(order *models.Order, legs []models.OrderLeg) *Route {
	sorted := make([]models.OrderLeg, len(legs))
	copy(sorted, legs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].LegNumber != sorted[j].LegNumber {
			return sorted[i].LegNumber < sorted[j].LegNumber
		}
		return sorted[i].Variant < sorted[j].Variant
	})
	return &Route{
		Order: order,
		Legs:  sorted,
		dirty: make(map[int]bool),
	}
}

// ActiveLeg returns the index of the leg currently holding custody, or -1
func (r *Route) ActiveLeg() int {
	for i := len(r.Legs) - 1; i >= 0; i-- {
		if r.Legs[i].Status.Active() {
			return i
		}
	}
	return -1
}

// LastLeg returns the index of the most recently appended leg, or -1
func (r *Route) LastLeg() int {
	return len(r.Legs) - 1
}

// FindLeg returns the index of the leg with the given id
func (r *Route) FindLeg(legID int64) (int, error) {
	for i := range r.Legs {
		if r.Legs[i].ID == legID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("leg %d of order %d: %w", legID, r.Order.ID, models.ErrNotFound)
}

// VisitedParties returns every custody holder already present in the route,
// including parties on rejected and superseded legs.
func (r *Route) VisitedParties() map[int64]struct{} {
	visited := map[int64]struct{}{r.Order.SupplierID: {}}
	for _, leg := range r.Legs {
		visited[leg.FromPartyID] = struct{}{}
		if leg.ToPartyID != nil {
			visited[*leg.ToPartyID] = struct{}{}
		}
	}
	return visited
}

// AcceptedPath returns the legs that make up the route actually taken
func (r *Route) AcceptedPath() []models.OrderLeg {
	path := make([]models.OrderLeg, 0, len(r.Legs))
	for _, leg := range r.Legs {
		if leg.Status.OnAcceptedPath() {
			path = append(path, leg)
		}
	}
	return path
}

// Dirty returns indexes of legs created or modified since the route was loaded
func (r *Route) Dirty() []int {
	idx := make([]int, 0, len(r.dirty))
	for i := range r.dirty {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Changes returns the transitions recorded so far, in application order
func (r *Route) Changes() []Change {
	return r.changes
}

func (r *Route) appendLeg(leg models.OrderLeg) int {
	r.Legs = append(r.Legs, leg)
	i := len(r.Legs) - 1
	r.dirty[i] = true
	r.record(models.EventTypeLegCreated, i, "")
	return i
}

func (r *Route) touchLeg(i int) {
	r.dirty[i] = true
}

func (r *Route) record(eventType string, leg int, reason string) {
	r.changes = append(r.changes, Change{EventType: eventType, Leg: leg, Reason: reason})
}

// Validate checks the structural invariants of a route: status consistency
// with the leg history, gap-free numbering of the accepted path and the
// absence of routing cycles.
func (r *Route) Validate() error {
	active := 0
	for _, leg := range r.Legs {
		if leg.Status.Active() {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("order %d has %d active legs", r.Order.ID, active)
	}

	switch r.Order.Status {
	case models.OrderStatusPending, models.OrderStatusRejected:
		if len(r.Legs) > 0 {
			return fmt.Errorf("order %d is %s but has legs", r.Order.ID, r.Order.Status)
		}
	case models.OrderStatusApproved, models.OrderStatusInProgress:
		if active != 1 {
			return fmt.Errorf("order %d is %s without an active leg", r.Order.ID, r.Order.Status)
		}
	case models.OrderStatusPendingReassign:
		// a reassigned leg stays PENDING here until its distributor accepts
		if len(r.Legs) == 0 {
			return fmt.Errorf("order %d awaits reassignment without a leg history", r.Order.ID)
		}
	case models.OrderStatusDelivered:
		if len(r.Legs) == 0 {
			return fmt.Errorf("order %d delivered without legs", r.Order.ID)
		}
		for _, leg := range r.AcceptedPath() {
			if leg.Status != models.LegStatusDelivered {
				return fmt.Errorf("order %d delivered but leg %d is %s", r.Order.ID, leg.LegNumber, leg.Status)
			}
		}
	case models.OrderStatusCancelled:
		if active != 0 {
			return fmt.Errorf("order %d cancelled with an active leg", r.Order.ID)
		}
	default:
		return fmt.Errorf("order %d has unknown status %q", r.Order.ID, r.Order.Status)
	}

	for i, leg := range r.AcceptedPath() {
		if leg.LegNumber != i+1 {
			return fmt.Errorf("order %d accepted path has leg %d at position %d", r.Order.ID, leg.LegNumber, i+1)
		}
	}

	seen := map[int64]struct{}{r.Order.SupplierID: {}}
	for _, leg := range r.Legs {
		if leg.ToPartyID == nil {
			continue
		}
		if _, ok := seen[*leg.ToPartyID]; ok {
			return fmt.Errorf("order %d routes to party %d twice", r.Order.ID, *leg.ToPartyID)
		}
		seen[*leg.ToPartyID] = struct{}{}
	}
	return nil
}
