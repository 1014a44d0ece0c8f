package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/custody"
	"fulfillment-service/internal/fulfillment"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAddress = "12 Main St, Springfield"
	testBaseURL = "https://verify.example.com/v"
)

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEvents) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, event.EventType)
	return nil
}

func (r *recordingEvents) PublishLegEvent(ctx context.Context, event *models.LegEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, event.EventType)
	return nil
}

func (r *recordingEvents) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

type recordingTracking struct {
	mu   sync.Mutex
	msgs []models.TrackingNotification
	fail bool
}

func (r *recordingTracking) PublishTracking(ctx context.Context, msg *models.TrackingNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker down")
	}
	r.msgs = append(r.msgs, *msg)
	return nil
}

type mapCache struct {
	mu      sync.Mutex
	records map[string]models.VerificationRecord
	hits    int
}

func (c *mapCache) CacheVerification(ctx context.Context, rec *models.VerificationRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.QRToken] = *rec
	return nil
}

func (c *mapCache) GetCachedVerification(ctx context.Context, token string) (*models.VerificationRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[token]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &rec, true, nil
}

type testEnv struct {
	svc      *OrderService
	repo     *store.MemoryStore
	events   *recordingEvents
	tracking *recordingTracking
	cache    *mapCache

	supplier, distA, distB, distC, customer, transporter models.Party
	product                                              models.Product
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	keys, err := custody.NewDerivedKeyRing([]byte("0123456789abcdef-test-secret"))
	require.NoError(t, err)
	serverKey, err := custody.GenerateServerKey()
	require.NoError(t, err)

	env := &testEnv{
		repo:     store.NewMemoryStore(),
		events:   &recordingEvents{},
		tracking: &recordingTracking{},
		cache:    &mapCache{records: map[string]models.VerificationRecord{}},
	}
	env.svc = NewOrderService(env.repo, custody.NewSigner(serverKey, keys), Options{
		VerifyBaseURL:        testBaseURL,
		QRSize:               128,
		VerificationCacheTTL: time.Hour,
	}).
		WithEventPublisher(env.events).
		WithTrackingPublisher(env.tracking).
		WithVerificationCache(env.cache)

	party := func(kind models.PartyKind, name, area string) models.Party {
		p := models.Party{Kind: kind, Name: name, ServiceArea: area, Active: true}
		require.NoError(t, env.svc.CreateParty(ctx, &p))
		return p
	}
	env.supplier = party(models.PartyKindSupplier, "Acme", "")
	env.distA = party(models.PartyKindDistributor, "A", "Springfield")
	env.distB = party(models.PartyKindDistributor, "B", "springfield")
	env.distC = party(models.PartyKindDistributor, "C", "Shelbyville")
	env.customer = party(models.PartyKindCustomer, "Homer", "")
	env.transporter = party(models.PartyKindTransporter, "Truck", "")

	env.product = models.Product{SupplierID: env.supplier.ID, SKU: "W-1", Name: "Widget", Price: 1000}
	require.NoError(t, env.svc.CreateProduct(ctx, &env.product))
	return env
}

func as(p models.Party) models.Caller {
	return models.Caller{PartyID: p.ID, Kind: p.Kind}
}

func (e *testEnv) place(t *testing.T, key string) *models.Order {
	t.Helper()
	order, err := e.svc.PlaceOrder(context.Background(), as(e.customer), &PlaceOrderRequest{
		ProductID:       e.product.ID,
		Quantity:        5,
		DeliveryAddress: testAddress,
		IdempotencyKey:  key,
	})
	require.NoError(t, err)
	return order
}

func activeLegID(t *testing.T, d *OrderDetails) int64 {
	t.Helper()
	r := fulfillment.NewRoute(d.Order, d.Legs)
	i := r.ActiveLeg()
	require.GreaterOrEqual(t, i, 0, "expected an active leg")
	return r.Legs[i].ID
}

// deliverDirect places an order and takes it to DELIVERED on a single leg
func (e *testEnv) deliverDirect(t *testing.T) (*OrderDetails, *models.VerificationRecord) {
	t.Helper()
	ctx := context.Background()

	order := e.place(t, "")
	d, err := e.svc.ApproveOrder(ctx, as(e.supplier), order.ID, &RouteRequest{TransporterID: &e.transporter.ID})
	require.NoError(t, err)

	d, rec, err := e.svc.ConfirmDelivery(ctx, as(e.customer), order.ID, activeLegID(t, d))
	require.NoError(t, err)
	require.NotNil(t, rec)
	return d, rec
}

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order := env.place(t, "checkout-1")
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(5000), order.TotalAmount)
	assert.Equal(t, env.supplier.ID, order.SupplierID)

	again := env.place(t, "checkout-1")
	assert.Equal(t, order.ID, again.ID)

	_, err := env.svc.PlaceOrder(ctx, as(env.supplier), &PlaceOrderRequest{ProductID: env.product.ID, Quantity: 1, DeliveryAddress: testAddress})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = env.svc.PlaceOrder(ctx, as(env.customer), &PlaceOrderRequest{ProductID: env.product.ID, Quantity: 0, DeliveryAddress: testAddress})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = env.svc.PlaceOrder(ctx, as(env.customer), &PlaceOrderRequest{ProductID: 999, Quantity: 1, DeliveryAddress: testAddress})
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, []string{models.EventTypeOrderPlaced}, env.events.seen())
	require.Len(t, env.tracking.msgs, 1)
	assert.Equal(t, "ORDER_PLACED", env.tracking.msgs[0].Latest.Status)
}

func TestPlaceOrder_IdempotencyKeyIsPerCustomer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.place(t, "checkout-1")

	marge := models.Party{Kind: models.PartyKindCustomer, Name: "Marge", Active: true}
	require.NoError(t, env.svc.CreateParty(ctx, &marge))

	got, err := env.svc.PlaceOrder(ctx, as(marge), &PlaceOrderRequest{
		ProductID:       env.product.ID,
		Quantity:        1,
		DeliveryAddress: "742 Evergreen Terrace, Springfield",
		IdempotencyKey:  "checkout-1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, got.ID)
	assert.Equal(t, marge.ID, got.CustomerID)
	assert.Equal(t, "742 Evergreen Terrace, Springfield", got.DeliveryAddress)

	again := env.place(t, "checkout-1")
	assert.Equal(t, first.ID, again.ID)
}

func TestCreateProduct_RequiresSupplier(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.CreateProduct(context.Background(), &models.Product{SupplierID: env.customer.ID, Name: "x", Price: 1})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	err = env.svc.CreateParty(context.Background(), &models.Party{Kind: "ROBOT", Name: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestDirectDeliveryAndVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, rec := env.deliverDirect(t)
	assert.Equal(t, models.OrderStatusDelivered, d.Order.Status)
	require.Len(t, d.Legs, 1)
	assert.Equal(t, models.LegStatusDelivered, d.Legs[0].Status)

	assert.Equal(t, []string{
		models.EventTypeOrderPlaced,
		models.EventTypeLegCreated,
		models.EventTypeOrderApproved,
		models.EventTypeLegShipped,
		models.EventTypeLegDelivered,
		models.EventTypeOrderDelivered,
	}, env.events.seen())

	_, err := env.svc.GetOrderQR(ctx, as(env.customer), d.Order.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	qr, err := env.svc.GetOrderQR(ctx, as(env.supplier), d.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.QRToken, qr.Record.QRToken)
	assert.Equal(t, testBaseURL+"/"+rec.QRToken, qr.Payload)
	assert.NotEmpty(t, qr.PNG)
	assert.NotEmpty(t, qr.PNGBase64)

	res, err := env.svc.VerifyByToken(ctx, rec.QRToken)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.HashMatches)
	assert.True(t, res.SupplierSignatureValid)
	assert.True(t, res.ServerSignatureValid)
	assert.Equal(t, d.Order.ID, res.OrderID)
	assert.Equal(t, 5, res.Quantity)
	require.Len(t, res.Chain, 1)
	assert.NotEmpty(t, res.Timeline)
	assert.Equal(t, 1, env.cache.hits, "record cached on issue")
}

func TestConfirmDelivery_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, rec := env.deliverDirect(t)
	published := len(env.events.seen())

	again, rec2, err := env.svc.ConfirmDelivery(ctx, as(env.customer), d.Order.ID, d.Legs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, rec.QRToken, rec2.QRToken)
	assert.Equal(t, rec.OrderHash, rec2.OrderHash)
	assert.Equal(t, models.OrderStatusDelivered, again.Order.Status)
	assert.Len(t, env.events.seen(), published, "a retry publishes nothing")

	_, _, err = env.svc.ConfirmDelivery(ctx, as(env.supplier), d.Order.ID, d.Legs[0].ID)
	assert.ErrorIs(t, err, models.ErrAlreadyFinal)
}

func TestCancelDeliveredIsFinal(t *testing.T) {
	env := newTestEnv(t)
	d, _ := env.deliverDirect(t)

	_, err := env.svc.CancelOrder(context.Background(), as(env.customer), d.Order.ID, "too late")
	assert.ErrorIs(t, err, models.ErrAlreadyFinal)
}

func TestVerify_DetectsTamperedLeg(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d, rec := env.deliverDirect(t)

	err := env.repo.WithOrderTx(ctx, d.Order.ID, func(tx store.Tx) error {
		leg := tx.Legs()[0]
		forged := int64(999)
		leg.TransporterID = &forged
		return tx.UpdateLeg(ctx, &leg)
	})
	require.NoError(t, err)

	res, err := env.svc.VerifyByToken(ctx, rec.QRToken)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.False(t, res.HashMatches)
	assert.True(t, res.SupplierSignatureValid)
	assert.True(t, res.ServerSignatureValid)
	assert.ErrorIs(t, res.Err(), models.ErrHashMismatch)
	assert.Equal(t, custody.ReasonHashMismatch, res.Reason)
}

func TestVerifyByToken_Unknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.VerifyByToken(ctx, "not-a-token")
	assert.ErrorIs(t, err, models.ErrNotFound)

	token, err := custody.NewToken()
	require.NoError(t, err)
	_, err = env.svc.VerifyByToken(ctx, token)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerifyByToken_FallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, rec := env.deliverDirect(t)

	env.cache.records = map[string]models.VerificationRecord{}
	res, err := env.svc.VerifyByToken(ctx, rec.QRToken)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Contains(t, env.cache.records, rec.QRToken, "store hit is written back")
}

func TestRejectLegAndReassign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.place(t, "")

	d, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusApproved, d.Order.Status)
	rejected := activeLegID(t, d)

	d, err = env.svc.RejectLeg(ctx, as(env.distA), order.ID, rejected, "capacity")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingReassign, d.Order.Status)

	_, err = env.svc.ReassignLeg(ctx, as(env.supplier), order.ID, rejected,
		&RouteRequest{DistributorID: &env.distC.ID, TransporterID: &env.transporter.ID})
	assert.ErrorIs(t, err, models.ErrNoRouteAvailable)

	d, err = env.svc.ReassignLeg(ctx, as(env.supplier), order.ID, rejected,
		&RouteRequest{DistributorID: &env.distB.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)
	require.Len(t, d.Legs, 2)
	for _, leg := range d.Legs {
		assert.Equal(t, 1, leg.LegNumber)
	}
	assert.Equal(t, models.LegStatusRejected, d.Legs[0].Status)
	assert.Equal(t, "capacity", *d.Legs[0].Reason)
	assert.Equal(t, env.distB.ID, *d.Legs[1].ToPartyID)

	d, err = env.svc.AcceptLeg(ctx, as(env.distB), order.ID, d.Legs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, d.Order.Status)

	events, err := env.svc.GetTrackingEvents(ctx, as(env.customer), order.ID)
	require.NoError(t, err)
	var statuses []string
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	assert.Contains(t, statuses, "LEG_REJECTED")
	assert.Equal(t, "ORDER_PLACED", statuses[0])
}

func TestRejectLeg_NoRouteLeftKeepsRejection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.svc.PlaceOrder(ctx, as(env.customer), &PlaceOrderRequest{
		ProductID:       env.product.ID,
		Quantity:        1,
		DeliveryAddress: "7 Elm St, Shelbyville",
	})
	require.NoError(t, err)

	d, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distC.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)
	legID := activeLegID(t, d)

	d, err = env.svc.RejectLeg(ctx, as(env.distC), order.ID, legID, "capacity")
	assert.ErrorIs(t, err, models.ErrNoRouteAvailable)
	require.NotNil(t, d, "the rejection is committed")
	assert.Equal(t, models.OrderStatusPendingReassign, d.Order.Status)

	stored, err := env.svc.GetOrder(ctx, as(env.supplier), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LegStatusRejected, stored.Legs[0].Status)
}

func TestFullRouteThroughTwoDistributors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.place(t, "")

	d, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)
	leg1 := activeLegID(t, d)

	_, err = env.svc.AcceptLeg(ctx, as(env.distA), order.ID, leg1)
	require.NoError(t, err)
	_, err = env.svc.ShipLeg(ctx, as(env.supplier), order.ID, leg1, nil)
	require.NoError(t, err)
	d, err = env.svc.ConfirmReceipt(ctx, as(env.distA), order.ID, leg1)
	require.NoError(t, err)

	_, err = env.svc.ForwardOrder(ctx, as(env.distA), order.ID, activeLegID(t, d), &RouteRequest{TransporterID: &env.transporter.ID})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	d, err = env.svc.ForwardOrder(ctx, as(env.distA), order.ID, activeLegID(t, d),
		&RouteRequest{DistributorID: &env.distB.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)
	leg2 := activeLegID(t, d)

	_, err = env.svc.AcceptLeg(ctx, as(env.distB), order.ID, leg2)
	require.NoError(t, err)
	_, err = env.svc.ShipLeg(ctx, as(env.distA), order.ID, leg2, nil)
	require.NoError(t, err)
	d, err = env.svc.ConfirmReceipt(ctx, as(env.distB), order.ID, leg2)
	require.NoError(t, err)

	leg3 := activeLegID(t, d)
	_, err = env.svc.ShipLeg(ctx, as(env.distB), order.ID, leg3, &env.transporter.ID)
	require.NoError(t, err)

	// the transporter appears on every leg and may follow the order
	_, err = env.svc.GetOrder(ctx, as(env.transporter), order.ID)
	assert.NoError(t, err)
	_, err = env.svc.GetOrder(ctx, as(env.distC), order.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	d, rec, err := env.svc.ConfirmDelivery(ctx, as(env.customer), order.ID, leg3)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, d.Order.Status)

	res, err := env.svc.VerifyByToken(ctx, rec.QRToken)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.Len(t, res.Chain, 3)
	assert.Equal(t, env.distA.ID, res.Chain[1].FromPartyID)
	assert.Equal(t, env.distB.ID, res.Chain[2].FromPartyID)
}

func TestConcurrentAcceptAndReject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.place(t, "")

	d, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)
	legID := activeLegID(t, d)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, errs[0] = env.svc.AcceptLeg(ctx, as(env.distA), order.ID, legID)
	}()
	go func() {
		defer wg.Done()
		<-start
		_, errs[1] = env.svc.RejectLeg(ctx, as(env.distA), order.ID, legID, "capacity")
	}()
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	}
	assert.Equal(t, 1, succeeded)

	legs, err := env.svc.GetLegs(ctx, as(env.supplier), order.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Contains(t, []models.LegStatus{models.LegStatusAccepted, models.LegStatusRejected}, legs[0].Status)
}

func TestExpireStaleLegs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.place(t, "")

	past := models.Now().Add(-48 * time.Hour)
	env.svc.WithMachine(fulfillment.NewMachineWithClock(func() time.Time { return past }))
	_, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)
	env.svc.WithMachine(fulfillment.NewMachine())

	n, err := env.svc.ExpireStaleLegs(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := env.svc.GetOrder(ctx, as(env.supplier), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingReassign, d.Order.Status)
	assert.Equal(t, fulfillment.ReasonAcceptanceTimeout, *d.Legs[0].Reason)

	n, err = env.svc.ExpireStaleLegs(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrackingPublishFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.place(t, "")

	env.tracking.fail = true
	d, err := env.svc.RejectOrder(ctx, as(env.supplier), order.ID, "out of stock")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, d.Order.Status)

	_, err = env.svc.RejectOrder(ctx, as(env.supplier), order.ID, "again")
	assert.ErrorIs(t, err, models.ErrAlreadyFinal)
}

func TestApprove_UnknownParty(t *testing.T) {
	env := newTestEnv(t)
	order := env.place(t, "")

	missing := int64(12345)
	_, err := env.svc.ApproveOrder(context.Background(), as(env.supplier), order.ID, &RouteRequest{TransporterID: &missing})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.True(t, strings.Contains(err.Error(), "12345"))

	_, err = env.svc.ApproveOrder(context.Background(), as(env.supplier), 999, &RouteRequest{TransporterID: &env.transporter.ID})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
