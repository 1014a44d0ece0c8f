package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/fulfillment"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// RouteRequest names the parties for a new hop. DistributorID is optional
// only on approval, where leaving it out ships directly to the customer.
type RouteRequest struct {
	DistributorID *int64 `json:"distributor_id,omitempty"`
	TransporterID *int64 `json:"transporter_id,omitempty"`
}

// ReasonRequest carries the mandatory reason of a rejection
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func details(r *fulfillment.Route) *OrderDetails {
	if r == nil {
		return nil
	}
	return &OrderDetails{Order: r.Order, Legs: r.Legs}
}

// lookupParty resolves an optional party id inside the order transaction
func lookupParty(ctx context.Context, tx store.Tx, id *int64) (*models.Party, error) {
	if id == nil {
		return nil, nil
	}
	p, err := tx.GetPartyByID(ctx, *id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("unknown party %d: %w", *id, models.ErrInvalidInput)
	}
	return p, err
}

// ApproveOrder accepts a PENDING order and opens its first leg
func (s *OrderService) ApproveOrder(ctx context.Context, caller models.Caller, orderID int64, req *RouteRequest) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ApproveOrder", orderID)
	defer span.End()

	r, err := s.apply(ctx, "approve", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		distributor, err := lookupParty(ctx, tx, req.DistributorID)
		if err != nil {
			return err
		}
		transporter, err := lookupParty(ctx, tx, req.TransporterID)
		if err != nil {
			return err
		}
		return s.machine.Approve(r, caller, fulfillment.RouteHint{Distributor: distributor, Transporter: transporter})
	})
	return details(r), err
}

// RejectOrder declines a PENDING order
func (s *OrderService) RejectOrder(ctx context.Context, caller models.Caller, orderID int64, reason string) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.RejectOrder", orderID)
	defer span.End()

	r, err := s.apply(ctx, "reject", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		return s.machine.Reject(r, caller, reason)
	})
	return details(r), err
}

// CancelOrder closes an order on the customer's request
func (s *OrderService) CancelOrder(ctx context.Context, caller models.Caller, orderID int64, reason string) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.CancelOrder", orderID)
	defer span.End()

	r, err := s.apply(ctx, "cancel", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		return s.machine.Cancel(r, caller, reason)
	})
	return details(r), err
}

// AcceptLeg records the receiving distributor's acceptance
func (s *OrderService) AcceptLeg(ctx context.Context, caller models.Caller, orderID, legID int64) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.AcceptLeg", orderID)
	defer span.End()

	r, err := s.apply(ctx, "accept_leg", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		return s.machine.AcceptLeg(r, caller, legID)
	})
	return details(r), err
}

// RejectLeg records the receiving distributor's refusal. When no other
// distributor can take the hop the rejection is kept and the returned error
// wraps ErrNoRouteAvailable alongside the updated order.
func (s *OrderService) RejectLeg(ctx context.Context, caller models.Caller, orderID, legID int64, reason string) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.RejectLeg", orderID)
	defer span.End()

	r, err := s.apply(ctx, "reject_leg", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		candidates, err := tx.GetDistributors(ctx)
		if err != nil {
			return fmt.Errorf("failed to load distributors: %w", err)
		}
		return s.machine.RejectLeg(r, caller, legID, reason, candidates)
	})
	return details(r), err
}

// ShipLeg hands an accepted leg to its transporter
func (s *OrderService) ShipLeg(ctx context.Context, caller models.Caller, orderID, legID int64, transporterID *int64) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ShipLeg", orderID)
	defer span.End()

	r, err := s.apply(ctx, "ship_leg", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		transporter, err := lookupParty(ctx, tx, transporterID)
		if err != nil {
			return err
		}
		return s.machine.ShipLeg(r, caller, legID, transporter)
	})
	return details(r), err
}

// ConfirmReceipt records an intermediate distributor's receipt of the goods
func (s *OrderService) ConfirmReceipt(ctx context.Context, caller models.Caller, orderID, legID int64) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ConfirmReceipt", orderID)
	defer span.End()

	r, err := s.apply(ctx, "confirm_receipt", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		return s.machine.ConfirmReceipt(r, caller, legID)
	})
	return details(r), err
}

// ForwardOrder routes the staged hop to another distributor
func (s *OrderService) ForwardOrder(ctx context.Context, caller models.Caller, orderID, legID int64, req *RouteRequest) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ForwardOrder", orderID)
	defer span.End()

	if req.DistributorID == nil {
		return nil, fmt.Errorf("next distributor is required: %w", models.ErrInvalidInput)
	}
	r, err := s.apply(ctx, "forward", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		next, err := lookupParty(ctx, tx, req.DistributorID)
		if err != nil {
			return err
		}
		transporter, err := lookupParty(ctx, tx, req.TransporterID)
		if err != nil {
			return err
		}
		return s.machine.Forward(r, caller, legID, next, transporter)
	})
	return details(r), err
}

// ReassignLeg routes a rejected hop to a different distributor
func (s *OrderService) ReassignLeg(ctx context.Context, caller models.Caller, orderID, legID int64, req *RouteRequest) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ReassignLeg", orderID)
	defer span.End()

	if req.DistributorID == nil {
		return nil, fmt.Errorf("new distributor is required: %w", models.ErrInvalidInput)
	}
	r, err := s.apply(ctx, "reassign", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		next, err := lookupParty(ctx, tx, req.DistributorID)
		if err != nil {
			return err
		}
		transporter, err := lookupParty(ctx, tx, req.TransporterID)
		if err != nil {
			return err
		}
		return s.machine.Reassign(r, caller, legID, next, transporter)
	})
	return details(r), err
}

// ConfirmDelivery records the customer's receipt on the final leg and issues
// the verification record in the same transaction. Retrying on an order
// that is already DELIVERED returns the stored record.
func (s *OrderService) ConfirmDelivery(ctx context.Context, caller models.Caller, orderID, legID int64) (*OrderDetails, *models.VerificationRecord, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ConfirmDelivery", orderID)
	defer span.End()

	var record *models.VerificationRecord
	r, err := s.apply(ctx, "confirm_delivery", orderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
		if r.Order.Status == models.OrderStatusDelivered && caller.Kind == models.PartyKindCustomer && caller.PartyID == r.Order.CustomerID {
			existing, err := s.store.GetVerificationByOrderID(ctx, orderID)
			if err != nil {
				return fmt.Errorf("failed to load verification record: %w", err)
			}
			record = existing
			return nil
		}

		delivered, err := s.machine.ConfirmDelivery(r, caller, legID)
		if err != nil {
			return err
		}
		if !delivered {
			return nil
		}
		record, err = s.issue(ctx, tx, r)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if s.cache != nil && record != nil {
		if err := s.cache.CacheVerification(ctx, record, s.opts.VerificationCacheTTL); err != nil {
			s.logger.Warn("Failed to cache verification record", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}
	return details(r), record, nil
}

// ExpireStaleLegs rejects PENDING legs created before the acceptance window.
// It returns the number of legs expired.
func (s *OrderService) ExpireStaleLegs(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ExpireStaleLegs")
	defer span.End()

	stale, err := s.store.GetStalePendingLegs(ctx, models.Now().Add(-timeout), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale legs: %w", err)
	}

	expired := 0
	for _, leg := range stale {
		legID := leg.ID
		r, err := s.apply(ctx, "expire_leg", leg.OrderID, func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
			candidates, err := tx.GetDistributors(ctx)
			if err != nil {
				return fmt.Errorf("failed to load distributors: %w", err)
			}
			return s.machine.ExpireLeg(r, legID, candidates)
		})
		if r == nil {
			if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrAlreadyFinal) {
				continue
			}
			return expired, err
		}
		expired++
		util.LegsExpiredTotal.Inc()
		s.logger.Info("Leg expired",
			zap.Int64("order_id", leg.OrderID),
			zap.Int64("leg_id", legID),
			zap.Bool("route_exhausted", err != nil))
	}
	return expired, nil
}
