package fulfillment

import (
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
)

// ReasonAcceptanceTimeout is recorded on legs rejected by the timeout sweeper
const ReasonAcceptanceTimeout = "acceptance timeout"

// RouteHint is the supplier's routing decision when approving an order.
// A nil Distributor means the supplier ships directly to the customer.
type RouteHint struct {
	Distributor *models.Party
	Transporter *models.Party
}

// Machine applies order and leg transitions to a Route
type Machine struct {
	now func() time.Time
}

// NewMachine creates a state machine using the store-precision clock
func NewMachine() *Machine {
	return &Machine{now: models.Now}
}

// NewMachineWithClock creates a state machine with a custom clock
func NewMachineWithClock(now func() time.Time) *Machine {
	return &Machine{now: now}
}

func checkOpen(r *Route) error {
	if r.Order.Status.Terminal() {
		return fmt.Errorf("order %d is %s: %w", r.Order.ID, r.Order.Status, models.ErrAlreadyFinal)
	}
	return nil
}

func authorize(caller models.Caller, kind models.PartyKind, partyID int64) error {
	if caller.Kind != kind || caller.PartyID != partyID {
		return fmt.Errorf("%s %d may not act for %s %d: %w", caller.Kind, caller.PartyID, kind, partyID, models.ErrForbidden)
	}
	return nil
}

// authorizeHolder checks that caller is the supplier or distributor holding partyID's side of a leg
func authorizeHolder(caller models.Caller, partyID int64) error {
	switch caller.Kind {
	case models.PartyKindSupplier, models.PartyKindDistributor:
		if caller.PartyID == partyID {
			return nil
		}
	case models.PartyKindCustomer, models.PartyKindTransporter:
	default:
		return fmt.Errorf("unknown caller kind %q: %w", caller.Kind, models.ErrInvalidInput)
	}
	return fmt.Errorf("%s %d does not hold custody as party %d: %w", caller.Kind, caller.PartyID, partyID, models.ErrForbidden)
}

func (m *Machine) setOrderStatus(r *Route, status models.OrderStatus, now time.Time) {
	r.Order.Status = status
	r.Order.UpdatedAt = now
	if status.Terminal() {
		r.Order.ClosedAt = &now
	}
}

// Approve moves a PENDING order to APPROVED and opens leg #1
func (m *Machine) Approve(r *Route, caller models.Caller, hint RouteHint) error {
	if err := checkOpen(r); err != nil {
		return err
	}
	if err := authorize(caller, models.PartyKindSupplier, r.Order.SupplierID); err != nil {
		return err
	}
	if r.Order.Status != models.OrderStatusPending || len(r.Legs) > 0 {
		return fmt.Errorf("approve order %d in status %s: %w", r.Order.ID, r.Order.Status, models.ErrInvalidTransition)
	}

	now := m.now()
	leg, err := createInitialLeg(r, hint.Distributor, hint.Transporter, now)
	if err != nil {
		return err
	}

	r.Order.ApprovedAt = &now
	m.setOrderStatus(r, models.OrderStatusApproved, now)
	r.record(models.EventTypeOrderApproved, -1, "")

	if r.Legs[leg].Status == models.LegStatusInTransit {
		r.record(models.EventTypeLegShipped, leg, "")
		m.onLegAccepted(r, now)
	}
	return nil
}

// Reject moves a PENDING order to REJECTED. The reason is mandatory.
func (m *Machine) Reject(r *Route, caller models.Caller, reason string) error {
	if err := checkOpen(r); err != nil {
		return err
	}
	if err := authorize(caller, models.PartyKindSupplier, r.Order.SupplierID); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("rejection reason is required: %w", models.ErrInvalidInput)
	}
	if r.Order.Status != models.OrderStatusPending || len(r.Legs) > 0 {
		return fmt.Errorf("reject order %d in status %s: %w", r.Order.ID, r.Order.Status, models.ErrInvalidTransition)
	}

	now := m.now()
	r.Order.Reason = &reason
	m.setOrderStatus(r, models.OrderStatusRejected, now)
	r.record(models.EventTypeOrderRejected, -1, reason)
	return nil
}

// Cancel closes a non-terminal order on the customer's request
func (m *Machine) Cancel(r *Route, caller models.Caller, reason string) error {
	if err := checkOpen(r); err != nil {
		return err
	}
	if err := authorize(caller, models.PartyKindCustomer, r.Order.CustomerID); err != nil {
		return err
	}

	now := m.now()
	if i := r.ActiveLeg(); i >= 0 {
		leg := &r.Legs[i]
		leg.Status = models.LegStatusCancelled
		leg.ClosedAt = &now
		leg.UpdatedAt = now
		r.touchLeg(i)
	}

	if reason = strings.TrimSpace(reason); reason != "" {
		r.Order.Reason = &reason
	}
	m.setOrderStatus(r, models.OrderStatusCancelled, now)
	r.record(models.EventTypeOrderCancelled, -1, reason)
	return nil
}

// activeLeg resolves legID and checks that it is the order's active leg in
// the expected status.
func activeLeg(r *Route, legID int64, want models.LegStatus) (int, error) {
	if err := checkOpen(r); err != nil {
		return -1, err
	}
	i, err := r.FindLeg(legID)
	if err != nil {
		return -1, err
	}
	if i != r.ActiveLeg() || r.Legs[i].Status != want {
		return -1, fmt.Errorf("leg %d is %s, expected active %s: %w", legID, r.Legs[i].Status, want, models.ErrInvalidTransition)
	}
	return i, nil
}

// AcceptLeg records the receiving distributor's acceptance of a PENDING leg
func (m *Machine) AcceptLeg(r *Route, caller models.Caller, legID int64) error {
	i, err := activeLeg(r, legID, models.LegStatusPending)
	if err != nil {
		return err
	}
	leg := &r.Legs[i]
	if err := authorize(caller, models.PartyKindDistributor, *leg.ToPartyID); err != nil {
		return err
	}

	now := m.now()
	leg.Status = models.LegStatusAccepted
	leg.AcceptedAt = &now
	leg.UpdatedAt = now
	r.touchLeg(i)
	r.record(models.EventTypeLegAccepted, i, "")

	m.onLegAccepted(r, now)
	return nil
}

func (m *Machine) onLegAccepted(r *Route, now time.Time) {
	switch r.Order.Status {
	case models.OrderStatusApproved, models.OrderStatusPendingReassign:
		m.setOrderStatus(r, models.OrderStatusInProgress, now)
	}
}

// RejectLeg records the receiving distributor's refusal of a PENDING leg and
// puts the order into PENDING_REASSIGN. candidates is the distributor
// directory; when none of them can take the hop the rejection still stands
// and ErrNoRouteAvailable is returned so a human can decide the route.
func (m *Machine) RejectLeg(r *Route, caller models.Caller, legID int64, reason string, candidates []models.Party) error {
	i, err := activeLeg(r, legID, models.LegStatusPending)
	if err != nil {
		return err
	}
	if err := authorize(caller, models.PartyKindDistributor, *r.Legs[i].ToPartyID); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("rejection reason is required: %w", models.ErrInvalidInput)
	}
	return m.onLegRejected(r, i, reason, candidates)
}

// ExpireLeg rejects a PENDING leg whose acceptance window has elapsed
func (m *Machine) ExpireLeg(r *Route, legID int64, candidates []models.Party) error {
	i, err := activeLeg(r, legID, models.LegStatusPending)
	if err != nil {
		return err
	}
	return m.onLegRejected(r, i, ReasonAcceptanceTimeout, candidates)
}

func (m *Machine) onLegRejected(r *Route, i int, reason string, candidates []models.Party) error {
	now := m.now()
	leg := &r.Legs[i]
	leg.Status = models.LegStatusRejected
	leg.Reason = &reason
	leg.ClosedAt = &now
	leg.UpdatedAt = now
	r.touchLeg(i)
	r.record(models.EventTypeLegRejected, i, reason)

	m.setOrderStatus(r, models.OrderStatusPendingReassign, now)

	if len(EligibleDistributors(r, candidates)) == 0 {
		return fmt.Errorf("no distributor left for order %d: %w", r.Order.ID, models.ErrNoRouteAvailable)
	}
	return nil
}

// ShipLeg hands an ACCEPTED leg to its transporter. transporter is required
// only when the leg has none yet.
func (m *Machine) ShipLeg(r *Route, caller models.Caller, legID int64, transporter *models.Party) error {
	i, err := activeLeg(r, legID, models.LegStatusAccepted)
	if err != nil {
		return err
	}
	leg := &r.Legs[i]
	if err := authorizeHolder(caller, leg.FromPartyID); err != nil {
		return err
	}
	if transporter != nil {
		if err := requireKind(transporter, models.PartyKindTransporter); err != nil {
			return err
		}
		id := transporter.ID
		leg.TransporterID = &id
	}
	if leg.TransporterID == nil {
		return fmt.Errorf("leg %d has no transporter: %w", legID, models.ErrInvalidInput)
	}

	now := m.now()
	leg.Status = models.LegStatusInTransit
	leg.ShippedAt = &now
	leg.UpdatedAt = now
	r.touchLeg(i)
	r.record(models.EventTypeLegShipped, i, "")
	return nil
}

// ConfirmReceipt records an intermediate distributor's receipt of the goods
// and stages the next hop from that distributor.
func (m *Machine) ConfirmReceipt(r *Route, caller models.Caller, legID int64) error {
	i, err := activeLeg(r, legID, models.LegStatusInTransit)
	if err != nil {
		return err
	}
	if r.Legs[i].IsFinal() {
		return fmt.Errorf("leg %d ends at the customer: %w", legID, models.ErrInvalidTransition)
	}
	if err := authorize(caller, models.PartyKindDistributor, *r.Legs[i].ToPartyID); err != nil {
		return err
	}
	m.onLegDelivered(r, i)
	return nil
}

// ConfirmDelivery records the customer's receipt on the final leg. It reports
// whether the order reached DELIVERED and must be signed.
func (m *Machine) ConfirmDelivery(r *Route, caller models.Caller, legID int64) (bool, error) {
	i, err := activeLeg(r, legID, models.LegStatusInTransit)
	if err != nil {
		return false, err
	}
	if !r.Legs[i].IsFinal() {
		return false, fmt.Errorf("leg %d ends at a distributor: %w", legID, models.ErrInvalidTransition)
	}
	if err := authorize(caller, models.PartyKindCustomer, r.Order.CustomerID); err != nil {
		return false, err
	}
	return m.onLegDelivered(r, i), nil
}

func (m *Machine) onLegDelivered(r *Route, i int) bool {
	now := m.now()
	leg := &r.Legs[i]
	leg.Status = models.LegStatusDelivered
	leg.DeliveredAt = &now
	leg.UpdatedAt = now
	r.touchLeg(i)
	r.record(models.EventTypeLegDelivered, i, "")

	if leg.IsFinal() {
		m.setOrderStatus(r, models.OrderStatusDelivered, now)
		r.record(models.EventTypeOrderDelivered, -1, "")
		return true
	}

	stageNext(r, i, now)
	r.Order.UpdatedAt = now
	return false
}

// Forward routes the staged hop held by a distributor to another distributor
func (m *Machine) Forward(r *Route, caller models.Caller, legID int64, next, transporter *models.Party) error {
	i, err := activeLeg(r, legID, models.LegStatusAccepted)
	if err != nil {
		return err
	}
	leg := r.Legs[i]
	if !leg.IsFinal() || leg.ShippedAt != nil {
		return fmt.Errorf("leg %d is not awaiting a routing decision: %w", legID, models.ErrInvalidTransition)
	}
	if err := authorize(caller, models.PartyKindDistributor, leg.FromPartyID); err != nil {
		return err
	}

	now := m.now()
	if _, err := forward(r, i, next, transporter, now); err != nil {
		return err
	}
	r.Order.UpdatedAt = now
	return nil
}

// Reassign replaces the rejected leg of an order in PENDING_REASSIGN
func (m *Machine) Reassign(r *Route, caller models.Caller, legID int64, next, transporter *models.Party) error {
	if err := checkOpen(r); err != nil {
		return err
	}
	if r.Order.Status != models.OrderStatusPendingReassign {
		return fmt.Errorf("reassign order %d in status %s: %w", r.Order.ID, r.Order.Status, models.ErrInvalidTransition)
	}
	i, err := r.FindLeg(legID)
	if err != nil {
		return err
	}
	if i != r.LastLeg() || r.Legs[i].Status != models.LegStatusRejected {
		return fmt.Errorf("leg %d is not the rejected leg: %w", legID, models.ErrInvalidTransition)
	}
	if err := authorizeHolder(caller, r.Legs[i].FromPartyID); err != nil {
		return err
	}

	now := m.now()
	if _, err := reassign(r, i, next, transporter, now); err != nil {
		return err
	}
	r.Order.UpdatedAt = now
	return nil
}
