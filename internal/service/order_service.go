package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/custody"
	"fulfillment-service/internal/fulfillment"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/tracking"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events after a transition commits
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
	PublishLegEvent(ctx context.Context, event *models.LegEvent) error
}

// TrackingPublisher pushes the latest tracking state to subscribers
type TrackingPublisher interface {
	PublishTracking(ctx context.Context, msg *models.TrackingNotification) error
}

// VerificationCache keeps issued verification records by QR token
type VerificationCache interface {
	CacheVerification(ctx context.Context, rec *models.VerificationRecord, ttl time.Duration) error
	GetCachedVerification(ctx context.Context, token string) (*models.VerificationRecord, bool, error)
}

// Options configures QR payloads and caching
type Options struct {
	VerifyBaseURL        string
	QRSize               int
	VerificationCacheTTL time.Duration
}

// OrderService applies fulfillment transitions under a per-order transaction
type OrderService struct {
	store    store.Repository
	machine  *fulfillment.Machine
	signer   *custody.Signer
	events   EventPublisher
	tracking TrackingPublisher
	cache    VerificationCache
	opts     Options
	logger   *zap.Logger
}

// NewOrderService creates a new order service. Event publishing, tracking
// notifications and the verification cache are optional.
func NewOrderService(repo store.Repository, signer *custody.Signer, opts Options) *OrderService {
	if opts.QRSize <= 0 {
		opts.QRSize = 256
	}
	return &OrderService{
		store:   repo,
		machine: fulfillment.NewMachine(),
		signer:  signer,
		opts:    opts,
		logger:  util.ComponentLogger("orders"),
	}
}

// WithEventPublisher sets the domain event sink
func (s *OrderService) WithEventPublisher(p EventPublisher) *OrderService {
	s.events = p
	return s
}

// WithTrackingPublisher sets the tracking notification sink
func (s *OrderService) WithTrackingPublisher(p TrackingPublisher) *OrderService {
	s.tracking = p
	return s
}

// WithVerificationCache sets the cache consulted by VerifyByToken
func (s *OrderService) WithVerificationCache(c VerificationCache) *OrderService {
	s.cache = c
	return s
}

// WithMachine replaces the state machine, mainly to pin its clock in tests
func (s *OrderService) WithMachine(m *fulfillment.Machine) *OrderService {
	s.machine = m
	return s
}

// OrderDetails is an order with its full leg history
type OrderDetails struct {
	Order *models.Order     `json:"order"`
	Legs  []models.OrderLeg `json:"legs"`
}

// PlaceOrderRequest represents a request to place an order
type PlaceOrderRequest struct {
	ProductID       int64  `json:"product_id" binding:"required"`
	Quantity        int    `json:"quantity" binding:"required,min=1"`
	DeliveryAddress string `json:"delivery_address" binding:"required"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

// CreateParty registers a participant
func (s *OrderService) CreateParty(ctx context.Context, party *models.Party) error {
	if !party.Kind.Valid() {
		return fmt.Errorf("unknown party kind %q: %w", party.Kind, models.ErrInvalidInput)
	}
	if strings.TrimSpace(party.Name) == "" {
		return fmt.Errorf("party name is required: %w", models.ErrInvalidInput)
	}
	if err := s.store.CreateParty(ctx, party); err != nil {
		return fmt.Errorf("failed to create party: %w", err)
	}
	s.logger.Info("Party registered", zap.Int64("party_id", party.ID), zap.String("kind", string(party.Kind)))
	return nil
}

// CreateProduct adds a product to a supplier's catalog
func (s *OrderService) CreateProduct(ctx context.Context, product *models.Product) error {
	supplier, err := s.store.GetPartyByID(ctx, product.SupplierID)
	if err != nil {
		return err
	}
	if supplier.Kind != models.PartyKindSupplier {
		return fmt.Errorf("party %d is not a supplier: %w", supplier.ID, models.ErrInvalidInput)
	}
	if product.Price < 0 {
		return fmt.Errorf("negative price: %w", models.ErrInvalidInput)
	}
	if err := s.store.CreateProduct(ctx, product); err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

// PlaceOrder creates a PENDING order for the calling customer
func (s *OrderService) PlaceOrder(ctx context.Context, caller models.Caller, req *PlaceOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()

	if caller.Kind != models.PartyKindCustomer {
		return nil, fmt.Errorf("only customers place orders: %w", models.ErrForbidden)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive: %w", models.ErrInvalidInput)
	}
	address := strings.TrimSpace(req.DeliveryAddress)
	if address == "" {
		return nil, fmt.Errorf("delivery address is required: %w", models.ErrInvalidInput)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, caller.PartyID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return existing, nil
		}
	}

	customer, err := s.store.GetPartyByID(ctx, caller.PartyID)
	if err != nil {
		return nil, err
	}
	if customer.Kind != models.PartyKindCustomer || !customer.Active {
		return nil, fmt.Errorf("party %d cannot place orders: %w", customer.ID, models.ErrForbidden)
	}

	product, err := s.store.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	now := models.Now()
	order := &models.Order{
		ProductID:       product.ID,
		CustomerID:      customer.ID,
		SupplierID:      product.SupplierID,
		Quantity:        req.Quantity,
		TotalAmount:     product.Price * int64(req.Quantity),
		DeliveryAddress: address,
		Status:          models.OrderStatusPending,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		if req.IdempotencyKey != "" {
			if existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, caller.PartyID, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersPlacedTotal.Inc()
	s.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("supplier_id", order.SupplierID),
		zap.Int64("total_amount", order.TotalAmount))

	s.publishOrder(ctx, order, models.EventTypeOrderPlaced, "")
	s.notify(ctx, order, nil)
	return order, nil
}

// GetOrder returns an order and its legs to a party involved in it
func (s *OrderService) GetOrder(ctx context.Context, caller models.Caller, orderID int64) (*OrderDetails, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.GetOrder", orderID)
	defer span.End()

	order, legs, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := canView(caller, order, legs); err != nil {
		return nil, err
	}
	return &OrderDetails{Order: order, Legs: legs}, nil
}

// GetLegs returns the leg history of an order
func (s *OrderService) GetLegs(ctx context.Context, caller models.Caller, orderID int64) ([]models.OrderLeg, error) {
	details, err := s.GetOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	return details.Legs, nil
}

// GetTrackingEvents projects the order's timeline
func (s *OrderService) GetTrackingEvents(ctx context.Context, caller models.Caller, orderID int64) ([]models.TrackingEvent, error) {
	details, err := s.GetOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	return tracking.Project(details.Order, details.Legs), nil
}

func (s *OrderService) load(ctx context.Context, orderID int64) (*models.Order, []models.OrderLeg, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	legs, err := s.store.GetLegsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load legs: %w", err)
	}
	return order, legs, nil
}

// canView allows the order's customer and supplier plus every party that
// appears on one of its legs.
func canView(caller models.Caller, order *models.Order, legs []models.OrderLeg) error {
	switch caller.Kind {
	case models.PartyKindCustomer:
		if caller.PartyID == order.CustomerID {
			return nil
		}
	case models.PartyKindSupplier:
		if caller.PartyID == order.SupplierID {
			return nil
		}
	case models.PartyKindDistributor, models.PartyKindTransporter:
		for _, leg := range legs {
			if leg.FromPartyID == caller.PartyID ||
				(leg.ToPartyID != nil && *leg.ToPartyID == caller.PartyID) ||
				(leg.TransporterID != nil && *leg.TransporterID == caller.PartyID) {
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown caller kind %q: %w", caller.Kind, models.ErrInvalidInput)
	}
	return fmt.Errorf("order %d is not visible to %s %d: %w", order.ID, caller.Kind, caller.PartyID, models.ErrForbidden)
}

// transition is one state machine step applied inside an order transaction
type transition func(ctx context.Context, tx store.Tx, r *fulfillment.Route) error

// apply runs fn under the order's lock, checks the route invariants, persists
// every touched row and publishes the recorded changes once committed.
//
// A transition that recorded changes and then failed with ErrNoRouteAvailable
// is still committed: the rejection stands and the error is returned next to
// the updated route.
func (s *OrderService) apply(ctx context.Context, op string, orderID int64, fn transition) (*fulfillment.Route, error) {
	var (
		route   *fulfillment.Route
		pending error
	)
	err := s.store.WithOrderTx(ctx, orderID, func(tx store.Tx) error {
		if cmd, ok := commandFrom(ctx); ok {
			claimed, err := tx.ClaimEvent(ctx, cmd.EventID, cmd.EventType)
			if err != nil {
				return err
			}
			if !claimed {
				return errDuplicateCommand
			}
		}
		route = fulfillment.NewRoute(tx.Order(), tx.Legs())
		if err := fn(ctx, tx, route); err != nil {
			if !errors.Is(err, models.ErrNoRouteAvailable) || len(route.Changes()) == 0 {
				return err
			}
			pending = err
		}
		if err := route.Validate(); err != nil {
			return fmt.Errorf("route of order %d is inconsistent: %w", orderID, err)
		}
		return persist(ctx, tx, route)
	})
	if errors.Is(err, errDuplicateCommand) {
		return nil, err
	}
	if err != nil {
		util.RecordError(ctx, err)
		util.TransitionsRejectedTotal.WithLabelValues(op, errorLabel(err)).Inc()
		s.logger.Warn("Transition refused",
			zap.String("operation", op),
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Transition applied",
		zap.String("operation", op),
		zap.Int64("order_id", orderID),
		zap.String("status", string(route.Order.Status)))
	s.afterCommit(ctx, route)

	if pending != nil {
		util.RecordError(ctx, pending)
		util.TransitionsRejectedTotal.WithLabelValues(op, errorLabel(pending)).Inc()
	}
	return route, pending
}

func persist(ctx context.Context, tx store.Tx, r *fulfillment.Route) error {
	if len(r.Changes()) == 0 && len(r.Dirty()) == 0 {
		return nil
	}
	for _, i := range r.Dirty() {
		leg := &r.Legs[i]
		if leg.ID == 0 {
			if err := tx.CreateLeg(ctx, leg); err != nil {
				return fmt.Errorf("failed to create leg: %w", err)
			}
			continue
		}
		if err := tx.UpdateLeg(ctx, leg); err != nil {
			return fmt.Errorf("failed to update leg: %w", err)
		}
	}
	if err := tx.UpdateOrder(ctx, r.Order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func (s *OrderService) afterCommit(ctx context.Context, r *fulfillment.Route) {
	for _, c := range r.Changes() {
		if c.Leg < 0 {
			util.OrderTransitionsTotal.WithLabelValues(c.EventType).Inc()
			s.publishOrder(ctx, r.Order, c.EventType, c.Reason)
			continue
		}
		util.LegTransitionsTotal.WithLabelValues(c.EventType).Inc()
		s.publishLeg(ctx, &r.Legs[c.Leg], c.EventType, c.Reason)
	}
	if len(r.Changes()) > 0 {
		s.notify(ctx, r.Order, r.Legs)
	}
}

func (s *OrderService) publishOrder(ctx context.Context, order *models.Order, eventType, reason string) {
	if s.events == nil {
		return
	}
	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
		},
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		SupplierID: order.SupplierID,
		Status:     order.Status,
		Reason:     reason,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish order event",
			zap.String("type", eventType),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

func (s *OrderService) publishLeg(ctx context.Context, leg *models.OrderLeg, eventType, reason string) {
	if s.events == nil {
		return
	}
	event := &models.LegEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
		},
		OrderID:       leg.OrderID,
		LegID:         leg.ID,
		LegNumber:     leg.LegNumber,
		Variant:       leg.Variant,
		FromPartyID:   leg.FromPartyID,
		ToPartyID:     leg.ToPartyID,
		TransporterID: leg.TransporterID,
		Status:        leg.Status,
		Reason:        reason,
	}
	if err := s.events.PublishLegEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish leg event",
			zap.String("type", eventType),
			zap.Int64("leg_id", leg.ID),
			zap.Error(err))
	}
}

func (s *OrderService) notify(ctx context.Context, order *models.Order, legs []models.OrderLeg) {
	if s.tracking == nil {
		return
	}
	latest, ok := tracking.Latest(tracking.Project(order, legs))
	if !ok {
		return
	}
	msg := &models.TrackingNotification{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Status:     order.Status,
		Latest:     latest,
	}
	if err := s.tracking.PublishTracking(ctx, msg); err != nil {
		s.logger.Error("Failed to publish tracking notification",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrNoRouteAvailable):
		return "no_route"
	case errors.Is(err, models.ErrAlreadyFinal):
		return "already_final"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
