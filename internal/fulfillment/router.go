package fulfillment

import (
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
)

// ServesAddress reports whether a distributor's declared service area matches
// the delivery address. The match is a case-insensitive substring test.
func ServesAddress(p *models.Party, address string) bool {
	area := strings.TrimSpace(p.ServiceArea)
	if area == "" {
		return false
	}
	return strings.Contains(strings.ToLower(address), strings.ToLower(area))
}

// EligibleDistributors filters candidates down to active distributors that have
// not yet appeared in the route and serve the delivery address.
func EligibleDistributors(r *Route, candidates []models.Party) []models.Party {
	visited := r.VisitedParties()
	eligible := make([]models.Party, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.Kind != models.PartyKindDistributor || !c.Active {
			continue
		}
		if _, ok := visited[c.ID]; ok {
			continue
		}
		if !ServesAddress(c, r.Order.DeliveryAddress) {
			continue
		}
		eligible = append(eligible, *c)
	}
	return eligible
}

func requireKind(p *models.Party, kind models.PartyKind) error {
	if p == nil {
		return fmt.Errorf("missing %s: %w", strings.ToLower(string(kind)), models.ErrInvalidInput)
	}
	if p.Kind != kind {
		return fmt.Errorf("party %d is %s, expected %s: %w", p.ID, p.Kind, kind, models.ErrInvalidInput)
	}
	if !p.Active {
		return fmt.Errorf("party %d is inactive: %w", p.ID, models.ErrNoRouteAvailable)
	}
	return nil
}

// unvisited admits p as the next custody holder of r
func unvisited(r *Route, p *models.Party) error {
	if !p.Kind.HoldsCustody() {
		return fmt.Errorf("party %d (%s) cannot hold custody: %w", p.ID, p.Kind, models.ErrInvalidInput)
	}
	if _, ok := r.VisitedParties()[p.ID]; ok {
		return fmt.Errorf("party %d already in route of order %d: %w", p.ID, r.Order.ID, models.ErrNoRouteAvailable)
	}
	return nil
}

// createInitialLeg opens leg #1 from the supplier. Without a distributor the
// supplier ships directly to the customer and the leg starts IN_TRANSIT.
func createInitialLeg(r *Route, distributor, transporter *models.Party, now time.Time) (int, error) {
	if err := requireKind(transporter, models.PartyKindTransporter); err != nil {
		return -1, err
	}

	transporterID := transporter.ID
	leg := models.OrderLeg{
		OrderID:       r.Order.ID,
		LegNumber:     1,
		FromPartyID:   r.Order.SupplierID,
		TransporterID: &transporterID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if distributor == nil {
		leg.Status = models.LegStatusInTransit
		leg.ShippedAt = &now
		return r.appendLeg(leg), nil
	}

	if err := requireKind(distributor, models.PartyKindDistributor); err != nil {
		return -1, err
	}
	if err := unvisited(r, distributor); err != nil {
		return -1, err
	}
	toID := distributor.ID
	leg.ToPartyID = &toID
	leg.Status = models.LegStatusPending
	return r.appendLeg(leg), nil
}

// stageNext opens the follow-up leg once a distributor has received the goods.
// The staged leg points at the customer and waits for the holder to ship or
// forward it, so the order always has exactly one active leg in progress.
func stageNext(r *Route, received int, now time.Time) int {
	prev := r.Legs[received]
	leg := models.OrderLeg{
		OrderID:     r.Order.ID,
		LegNumber:   prev.LegNumber + 1,
		FromPartyID: *prev.ToPartyID,
		Status:      models.LegStatusAccepted,
		AcceptedAt:  &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return r.appendLeg(leg)
}

// forward supersedes the staged leg and routes the same hop to the next
// distributor instead of the customer.
func forward(r *Route, staged int, next, transporter *models.Party, now time.Time) (int, error) {
	if err := requireKind(next, models.PartyKindDistributor); err != nil {
		return -1, err
	}
	if err := requireKind(transporter, models.PartyKindTransporter); err != nil {
		return -1, err
	}
	if err := unvisited(r, next); err != nil {
		return -1, err
	}

	cur := &r.Legs[staged]
	cur.Status = models.LegStatusSuperseded
	cur.ClosedAt = &now
	cur.UpdatedAt = now
	r.touchLeg(staged)

	toID, transporterID := next.ID, transporter.ID
	return r.appendLeg(models.OrderLeg{
		OrderID:       r.Order.ID,
		LegNumber:     cur.LegNumber,
		Variant:       nextVariant(r, cur.LegNumber),
		FromPartyID:   cur.FromPartyID,
		ToPartyID:     &toID,
		TransporterID: &transporterID,
		Status:        models.LegStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}), nil
}

// reassign replaces a rejected leg with a new one at the same leg number,
// from the same party, to a distributor that serves the delivery address.
func reassign(r *Route, rejected int, next, transporter *models.Party, now time.Time) (int, error) {
	if err := requireKind(next, models.PartyKindDistributor); err != nil {
		return -1, err
	}
	if err := requireKind(transporter, models.PartyKindTransporter); err != nil {
		return -1, err
	}
	if err := unvisited(r, next); err != nil {
		return -1, err
	}
	if !ServesAddress(next, r.Order.DeliveryAddress) {
		return -1, fmt.Errorf("distributor %d does not serve %q: %w", next.ID, r.Order.DeliveryAddress, models.ErrNoRouteAvailable)
	}

	old := r.Legs[rejected]
	toID, transporterID := next.ID, transporter.ID
	return r.appendLeg(models.OrderLeg{
		OrderID:       r.Order.ID,
		LegNumber:     old.LegNumber,
		Variant:       nextVariant(r, old.LegNumber),
		FromPartyID:   old.FromPartyID,
		ToPartyID:     &toID,
		TransporterID: &transporterID,
		Status:        models.LegStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}), nil
}

func nextVariant(r *Route, legNumber int) int {
	v := 0
	for _, leg := range r.Legs {
		if leg.LegNumber == legNumber && leg.Variant >= v {
			v = leg.Variant + 1
		}
	}
	return v
}
