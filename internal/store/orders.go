package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (product_id, customer_id, supplier_id, quantity, total_amount,
		                    delivery_address, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	return s.db.GetContext(ctx, &order.ID, query,
		order.ProductID, order.CustomerID, order.SupplierID, order.Quantity, order.TotalAmount,
		order.DeliveryAddress, order.Status, order.IdempotencyKey, order.CreatedAt, order.UpdatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves a customer's order by idempotency key.
// Keys are scoped per customer.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, customerID int64, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE customer_id = $1 AND idempotency_key = $2", customerID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetLegsByOrderID retrieves the full leg history of an order
func (s *Store) GetLegsByOrderID(ctx context.Context, orderID int64) ([]models.OrderLeg, error) {
	return getLegs(ctx, s.db, orderID)
}

func getLegs(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.OrderLeg, error) {
	var legs []models.OrderLeg
	err := sqlx.SelectContext(ctx, q, &legs,
		"SELECT * FROM order_legs WHERE order_id = $1 ORDER BY leg_number, variant", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get legs: %w", err)
	}
	return legs, nil
}

// GetStalePendingLegs lists legs still awaiting acceptance that were created before the cutoff
func (s *Store) GetStalePendingLegs(ctx context.Context, before time.Time, limit int) ([]models.OrderLeg, error) {
	var legs []models.OrderLeg
	err := s.db.SelectContext(ctx, &legs,
		"SELECT * FROM order_legs WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3",
		models.LegStatusPending, before, limit)
	return legs, err
}

// GetVerificationByOrderID retrieves the verification record of an order
func (s *Store) GetVerificationByOrderID(ctx context.Context, orderID int64) (*models.VerificationRecord, error) {
	return getVerification(ctx, s.db, "order_id", orderID)
}

// GetVerificationByToken retrieves a verification record by its QR token
func (s *Store) GetVerificationByToken(ctx context.Context, token string) (*models.VerificationRecord, error) {
	return getVerification(ctx, s.db, "qr_token", token)
}

func getVerification(ctx context.Context, q sqlx.QueryerContext, column string, key interface{}) (*models.VerificationRecord, error) {
	var rec models.VerificationRecord
	err := sqlx.GetContext(ctx, q, &rec, "SELECT * FROM verification_records WHERE "+column+" = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification record: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification record: %w", err)
	}
	return &rec, nil
}

// WithOrderTx locks the order row FOR UPDATE and runs fn in the same transaction
func (s *Store) WithOrderTx(ctx context.Context, orderID int64, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock order: %w", err)
	}

	legs, err := getLegs(ctx, tx, orderID)
	if err != nil {
		return err
	}

	if err := fn(&pgTx{tx: tx, order: &order, legs: legs}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx    *sqlx.Tx
	order *models.Order
	legs  []models.OrderLeg
}

func (t *pgTx) Order() *models.Order    { return t.order }
func (t *pgTx) Legs() []models.OrderLeg { return t.legs }

func (t *pgTx) GetPartyByID(ctx context.Context, id int64) (*models.Party, error) {
	return getParty(ctx, t.tx, id)
}

func (t *pgTx) GetDistributors(ctx context.Context) ([]models.Party, error) {
	var parties []models.Party
	err := t.tx.SelectContext(ctx, &parties,
		"SELECT * FROM parties WHERE kind = $1 AND active ORDER BY id", models.PartyKindDistributor)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributors: %w", err)
	}
	return parties, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, reason = $2, approved_at = $3, closed_at = $4, updated_at = $5
		WHERE id = $6`,
		order.Status, order.Reason, order.ApprovedAt, order.ClosedAt, order.UpdatedAt, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func (t *pgTx) CreateLeg(ctx context.Context, leg *models.OrderLeg) error {
	query := `
		INSERT INTO order_legs (order_id, leg_number, variant, from_party_id, to_party_id, transporter_id,
		                        status, reason, accepted_at, shipped_at, delivered_at, closed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err := t.tx.GetContext(ctx, &leg.ID, query,
		leg.OrderID, leg.LegNumber, leg.Variant, leg.FromPartyID, leg.ToPartyID, leg.TransporterID,
		leg.Status, leg.Reason, leg.AcceptedAt, leg.ShippedAt, leg.DeliveredAt, leg.ClosedAt,
		leg.CreatedAt, leg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create leg: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateLeg(ctx context.Context, leg *models.OrderLeg) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE order_legs
		SET transporter_id = $1, status = $2, reason = $3, accepted_at = $4, shipped_at = $5,
		    delivered_at = $6, closed_at = $7, updated_at = $8
		WHERE id = $9`,
		leg.TransporterID, leg.Status, leg.Reason, leg.AcceptedAt, leg.ShippedAt,
		leg.DeliveredAt, leg.ClosedAt, leg.UpdatedAt, leg.ID)
	if err != nil {
		return fmt.Errorf("failed to update leg: %w", err)
	}
	return nil
}

func (t *pgTx) CreateVerificationIfAbsent(ctx context.Context, rec *models.VerificationRecord) (*models.VerificationRecord, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO verification_records (order_id, qr_token, order_hash, supplier_signature, server_signature, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		rec.OrderID, rec.QRToken, rec.OrderHash, rec.SupplierSignature, rec.ServerSignature, rec.SignedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification record: %w", err)
	}
	return getVerification(ctx, t.tx, "order_id", rec.OrderID)
}

func (t *pgTx) ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return n == 1, nil
}
