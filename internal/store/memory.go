package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
)

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)

// MemoryStore is an in-process Repository. Each order has its own mutex, so
// transactions on different orders run in parallel.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[int64]models.Order
	legs     map[int64][]models.OrderLeg
	parties  map[int64]models.Party
	products map[int64]models.Product
	records  map[int64]models.VerificationRecord
	tokens   map[string]int64
	events   map[string]models.ProcessedEvent
	locks    map[int64]*sync.Mutex

	nextOrderID   int64
	nextLegID     int64
	nextPartyID   int64
	nextProductID int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[int64]models.Order),
		legs:     make(map[int64][]models.OrderLeg),
		parties:  make(map[int64]models.Party),
		products: make(map[int64]models.Product),
		records:  make(map[int64]models.VerificationRecord),
		tokens:   make(map[string]int64),
		events:   make(map[string]models.ProcessedEvent),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// CreateParty stores a new party and assigns its id
func (s *MemoryStore) CreateParty(ctx context.Context, party *models.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPartyID++
	party.ID = s.nextPartyID
	party.CreatedAt = models.Now()
	s.parties[party.ID] = *party
	return nil
}

// GetPartyByID retrieves a party by ID
func (s *MemoryStore) GetPartyByID(ctx context.Context, id int64) (*models.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.parties[id]
	if !ok {
		return nil, fmt.Errorf("party %d: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

// CreateProduct stores a new product and assigns its id
func (s *MemoryStore) CreateProduct(ctx context.Context, product *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextProductID++
	product.ID = s.nextProductID
	product.CreatedAt = models.Now()
	s.products[product.ID] = *product
	return nil
}

// GetProductByID retrieves a product by ID
func (s *MemoryStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

// CreateOrder stores a new order. A customer may use an idempotency key once.
func (s *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != "" {
		for _, o := range s.orders {
			if o.CustomerID == order.CustomerID && o.IdempotencyKey == order.IdempotencyKey {
				return fmt.Errorf("duplicate idempotency key %q", order.IdempotencyKey)
			}
		}
	}
	s.nextOrderID++
	order.ID = s.nextOrderID
	s.orders[order.ID] = *order
	s.locks[order.ID] = &sync.Mutex{}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *MemoryStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	return &o, nil
}

// GetOrderByIdempotencyKey retrieves a customer's order by idempotency key
func (s *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, customerID int64, key string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if key != "" && o.CustomerID == customerID && o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, nil
}

// GetLegsByOrderID retrieves the full leg history of an order
func (s *MemoryStore) GetLegsByOrderID(ctx context.Context, orderID int64) ([]models.OrderLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyLegs(s.legs[orderID]), nil
}

// GetStalePendingLegs lists PENDING legs created before the cutoff, oldest first
func (s *MemoryStore) GetStalePendingLegs(ctx context.Context, before time.Time, limit int) ([]models.OrderLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []models.OrderLeg
	for _, legs := range s.legs {
		for _, leg := range legs {
			if leg.Status == models.LegStatusPending && leg.CreatedAt.Before(before) {
				stale = append(stale, leg)
			}
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// GetVerificationByOrderID retrieves the verification record of an order
func (s *MemoryStore) GetVerificationByOrderID(ctx context.Context, orderID int64) (*models.VerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[orderID]
	if !ok {
		return nil, fmt.Errorf("verification record: %w", models.ErrNotFound)
	}
	return &rec, nil
}

// GetVerificationByToken retrieves a verification record by QR token
func (s *MemoryStore) GetVerificationByToken(ctx context.Context, token string) (*models.VerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("verification record: %w", models.ErrNotFound)
	}
	rec := s.records[orderID]
	return &rec, nil
}

// IsEventProcessed checks if an event has been processed
func (s *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: models.Now()}
	}
	return nil
}

// WithOrderTx runs fn under the order's mutex and commits its staged writes
// only when fn succeeds
func (s *MemoryStore) WithOrderTx(ctx context.Context, orderID int64, fn func(tx Tx) error) error {
	s.mu.RLock()
	lock, ok := s.locks[orderID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	order := s.orders[orderID]
	legs := copyLegs(s.legs[orderID])
	s.mu.RUnlock()

	tx := &memTx{store: s, order: &order, legs: legs}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func copyLegs(legs []models.OrderLeg) []models.OrderLeg {
	out := make([]models.OrderLeg, len(legs))
	copy(out, legs)
	return out
}

type memTx struct {
	store *MemoryStore
	order *models.Order
	legs  []models.OrderLeg

	orderWrite *models.Order
	legWrites  []models.OrderLeg
	record     *models.VerificationRecord
	claimed    []models.ProcessedEvent
}

func (t *memTx) Order() *models.Order    { return t.order }
func (t *memTx) Legs() []models.OrderLeg { return t.legs }

func (t *memTx) GetPartyByID(ctx context.Context, id int64) (*models.Party, error) {
	return t.store.GetPartyByID(ctx, id)
}

func (t *memTx) GetDistributors(ctx context.Context) ([]models.Party, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var out []models.Party
	for _, p := range t.store.parties {
		if p.Kind == models.PartyKindDistributor && p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	o := *order
	t.orderWrite = &o
	return nil
}

func (t *memTx) CreateLeg(ctx context.Context, leg *models.OrderLeg) error {
	for _, l := range t.legWrites {
		if l.LegNumber == leg.LegNumber && l.Variant == leg.Variant {
			return fmt.Errorf("duplicate leg %d.%d", leg.LegNumber, leg.Variant)
		}
	}
	t.store.mu.Lock()
	t.store.nextLegID++
	leg.ID = t.store.nextLegID
	t.store.mu.Unlock()

	t.legWrites = append(t.legWrites, *leg)
	return nil
}

func (t *memTx) UpdateLeg(ctx context.Context, leg *models.OrderLeg) error {
	t.legWrites = append(t.legWrites, *leg)
	return nil
}

func (t *memTx) CreateVerificationIfAbsent(ctx context.Context, rec *models.VerificationRecord) (*models.VerificationRecord, error) {
	if t.record != nil {
		r := *t.record
		return &r, nil
	}
	existing, err := t.store.GetVerificationByOrderID(ctx, rec.OrderID)
	if err == nil {
		return existing, nil
	}
	r := *rec
	t.record = &r
	return rec, nil
}

func (t *memTx) ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	for _, e := range t.claimed {
		if e.EventID == eventID {
			return false, nil
		}
	}
	processed, err := t.store.IsEventProcessed(ctx, eventID)
	if err != nil || processed {
		return false, err
	}
	t.claimed = append(t.claimed, models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: models.Now()})
	return true, nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.orderWrite != nil {
		s.orders[t.orderWrite.ID] = *t.orderWrite
	}
	for _, w := range t.legWrites {
		legs := s.legs[w.OrderID]
		replaced := false
		for i := range legs {
			if legs[i].ID == w.ID {
				legs[i] = w
				replaced = true
				break
			}
		}
		if !replaced {
			legs = append(legs, w)
		}
		sort.SliceStable(legs, func(i, j int) bool {
			if legs[i].LegNumber != legs[j].LegNumber {
				return legs[i].LegNumber < legs[j].LegNumber
			}
			return legs[i].Variant < legs[j].Variant
		})
		s.legs[w.OrderID] = legs
	}
	if t.record != nil {
		if _, ok := s.records[t.record.OrderID]; !ok {
			s.records[t.record.OrderID] = *t.record
			s.tokens[t.record.QRToken] = t.record.OrderID
		}
	}
	for _, e := range t.claimed {
		if _, ok := s.events[e.EventID]; !ok {
			s.events[e.EventID] = e
		}
	}
}
