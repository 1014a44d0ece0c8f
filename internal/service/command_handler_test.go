package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func command(id, kind string, orderID int64, actor models.Caller) *models.CustodyCommand {
	return &models.CustodyCommand{
		BaseEvent: models.BaseEvent{EventID: id, EventType: kind},
		OrderID:   orderID,
		Actor:     actor,
	}
}

func TestCommandHandler_AppliesActiveLegOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := NewCommandHandler(env.repo, env.svc)

	order := env.place(t, "")
	_, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)

	accept := command("evt-accept", models.CommandAcceptLeg, order.ID, as(env.distA))
	require.NoError(t, h.Handle(ctx, accept))

	d, err := env.svc.GetOrder(ctx, as(env.supplier), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, d.Order.Status)
	assert.Equal(t, models.LegStatusAccepted, d.Legs[0].Status)

	published := len(env.events.seen())
	require.NoError(t, h.Handle(ctx, accept))
	assert.Len(t, env.events.seen(), published, "a redelivered command is skipped")

	processed, err := env.repo.IsEventProcessed(ctx, "evt-accept")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestCommandHandler_RefusalIsFinal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := NewCommandHandler(env.repo, env.svc)

	order := env.place(t, "")
	d, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)

	reject := command("evt-reject", models.CommandRejectLeg, order.ID, as(env.distB))
	reject.LegID = d.Legs[0].ID
	reject.Reason = "capacity"
	require.NoError(t, h.Handle(ctx, reject), "domain refusals are not redelivered")

	processed, err := env.repo.IsEventProcessed(ctx, "evt-reject")
	require.NoError(t, err)
	assert.True(t, processed)

	d, err = env.svc.GetOrder(ctx, as(env.supplier), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LegStatusPending, d.Legs[0].Status)
}

func TestCommandHandler_ShipAndDeliver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := NewCommandHandler(env.repo, env.svc)

	order := env.place(t, "")
	_, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)

	for _, cmd := range []*models.CustodyCommand{
		command("c1", models.CommandAcceptLeg, order.ID, as(env.distA)),
		command("c2", models.CommandShipLeg, order.ID, as(env.supplier)),
		command("c3", models.CommandConfirmReceipt, order.ID, as(env.distA)),
	} {
		require.NoError(t, h.Handle(ctx, cmd), cmd.EventType)
	}

	ship := command("c4", models.CommandShipLeg, order.ID, as(env.distA))
	ship.TransporterID = &env.transporter.ID
	require.NoError(t, h.Handle(ctx, ship))
	require.NoError(t, h.Handle(ctx, command("c5", models.CommandConfirmDelivery, order.ID, as(env.customer))))

	d, err := env.svc.GetOrder(ctx, as(env.customer), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, d.Order.Status)

	_, err = env.repo.GetVerificationByOrderID(ctx, order.ID)
	assert.NoError(t, err)
}

func TestCommandHandler_RejectsMissingEventID(t *testing.T) {
	env := newTestEnv(t)
	h := NewCommandHandler(env.repo, env.svc)

	err := h.Handle(context.Background(), command("", models.CommandAcceptLeg, 1, as(env.distA)))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCommandHandler_ClaimsEventWithTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := NewCommandHandler(env.repo, env.svc)

	order := env.place(t, "")
	_, err := env.svc.ApproveOrder(ctx, as(env.supplier), order.ID,
		&RouteRequest{DistributorID: &env.distA.ID, TransporterID: &env.transporter.ID})
	require.NoError(t, err)

	// a refused transition rolls back its claim
	wrong := command("evt-claim", models.CommandAcceptLeg, order.ID, as(env.distB))
	err = h.dispatch(withCommand(ctx, wrong), wrong)
	require.ErrorIs(t, err, models.ErrForbidden)
	processed, err := env.repo.IsEventProcessed(ctx, "evt-claim")
	require.NoError(t, err)
	assert.False(t, processed)

	accept := command("evt-claim", models.CommandAcceptLeg, order.ID, as(env.distA))
	require.NoError(t, h.dispatch(withCommand(ctx, accept), accept))
	processed, err = env.repo.IsEventProcessed(ctx, "evt-claim")
	require.NoError(t, err)
	assert.True(t, processed, "claimed in the same transaction as the acceptance")

	// a redelivery that slipped past the pre-check is stopped by the claim
	published := len(env.events.seen())
	err = h.dispatch(withCommand(ctx, accept), accept)
	assert.ErrorIs(t, err, errDuplicateCommand)
	assert.Len(t, env.events.seen(), published)
}
