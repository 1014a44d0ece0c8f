package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Repository is the durable representation of orders, legs, parties and
// verification records.
type Repository interface {
	CreateParty(ctx context.Context, party *models.Party) error
	GetPartyByID(ctx context.Context, id int64) (*models.Party, error)
	CreateProduct(ctx context.Context, product *models.Product) error
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, customerID int64, key string) (*models.Order, error)
	GetLegsByOrderID(ctx context.Context, orderID int64) ([]models.OrderLeg, error)
	GetStalePendingLegs(ctx context.Context, before time.Time, limit int) ([]models.OrderLeg, error)

	GetVerificationByOrderID(ctx context.Context, orderID int64) (*models.VerificationRecord, error)
	GetVerificationByToken(ctx context.Context, token string) (*models.VerificationRecord, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	// WithOrderTx runs fn while holding the order's lock. Writes made through
	// the Tx are committed only if fn returns nil.
	WithOrderTx(ctx context.Context, orderID int64, fn func(tx Tx) error) error
}

// Tx is a transaction scoped to a single order
type Tx interface {
	Order() *models.Order
	Legs() []models.OrderLeg
	GetPartyByID(ctx context.Context, id int64) (*models.Party, error)
	GetDistributors(ctx context.Context) ([]models.Party, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	CreateLeg(ctx context.Context, leg *models.OrderLeg) error
	UpdateLeg(ctx context.Context, leg *models.OrderLeg) error
	// CreateVerificationIfAbsent stores rec unless the order already has a
	// record, and returns whichever record is stored.
	CreateVerificationIfAbsent(ctx context.Context, rec *models.VerificationRecord) (*models.VerificationRecord, error)
	// ClaimEvent records eventID as processed with the transaction. It returns
	// false when the event was already processed.
	ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error)
}

// Store is the Postgres implementation of Repository
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Migrate creates the schema if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateParty creates a new party
func (s *Store) CreateParty(ctx context.Context, party *models.Party) error {
	query := `
		INSERT INTO parties (kind, name, service_area, active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		party.Kind, party.Name, party.ServiceArea, party.Active).Scan(&party.ID, &party.CreatedAt)
}

// GetPartyByID retrieves a party by ID
func (s *Store) GetPartyByID(ctx context.Context, id int64) (*models.Party, error) {
	return getParty(ctx, s.db, id)
}

func getParty(ctx context.Context, q sqlx.QueryerContext, id int64) (*models.Party, error) {
	var party models.Party
	err := sqlx.GetContext(ctx, q, &party, "SELECT * FROM parties WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("party %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}
	return &party, nil
}

// CreateProduct creates a new product
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	query := `
		INSERT INTO products (supplier_id, sku, name, price)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		product.SupplierID, product.SKU, product.Name, product.Price).Scan(&product.ID, &product.CreatedAt)
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &product, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
