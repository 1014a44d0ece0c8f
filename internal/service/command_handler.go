package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/fulfillment"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

var errDuplicateCommand = errors.New("command already processed")

type commandKey struct{}

// withCommand marks ctx so the order transaction claims the command's event
// id together with the transition it applies.
func withCommand(ctx context.Context, cmd *models.CustodyCommand) context.Context {
	return context.WithValue(ctx, commandKey{}, cmd)
}

func commandFrom(ctx context.Context) (*models.CustodyCommand, bool) {
	cmd, ok := ctx.Value(commandKey{}).(*models.CustodyCommand)
	return cmd, ok
}

// CommandHandler applies custody commands consumed from Kafka. Each command
// is processed at most once, keyed by its event id.
type CommandHandler struct {
	store   store.Repository
	service *OrderService
	logger  *zap.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(repo store.Repository, svc *OrderService) *CommandHandler {
	return &CommandHandler{
		store:   repo,
		service: svc,
		logger:  util.ComponentLogger("command-handler"),
	}
}

// Register binds every supported command type on the broker's event handler
func (h *CommandHandler) Register(eh *broker.EventHandler) {
	for _, t := range []string{
		models.CommandAcceptLeg,
		models.CommandRejectLeg,
		models.CommandShipLeg,
		models.CommandConfirmReceipt,
		models.CommandConfirmDelivery,
	} {
		eh.On(t, h.Handle)
	}
}

// Handle applies one command. Refusals by the state machine are final and
// the command is marked processed; infrastructure errors are returned so the
// message is not committed.
func (h *CommandHandler) Handle(ctx context.Context, cmd *models.CustodyCommand) error {
	ctx, span := util.StartSpan(ctx, "CommandHandler.Handle")
	defer span.End()

	if cmd.EventID == "" {
		return fmt.Errorf("command without event id: %w", models.ErrInvalidInput)
	}

	processed, err := h.store.IsEventProcessed(ctx, cmd.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		h.logger.Info("Command already processed", zap.String("event_id", cmd.EventID))
		util.CommandsProcessedTotal.WithLabelValues(cmd.EventType, "duplicate").Inc()
		return nil
	}

	err = h.dispatch(withCommand(ctx, cmd), cmd)
	switch {
	case errors.Is(err, errDuplicateCommand):
		h.logger.Info("Command already processed", zap.String("event_id", cmd.EventID))
		util.CommandsProcessedTotal.WithLabelValues(cmd.EventType, "duplicate").Inc()
		return nil
	case err == nil:
		// claimed inside the order transaction
		util.CommandsProcessedTotal.WithLabelValues(cmd.EventType, "applied").Inc()
		return nil
	case isDomainError(err):
		h.logger.Warn("Command refused",
			zap.String("type", cmd.EventType),
			zap.Int64("order_id", cmd.OrderID),
			zap.Error(err))
		util.CommandsProcessedTotal.WithLabelValues(cmd.EventType, errorLabel(err)).Inc()
	default:
		util.CommandsProcessedTotal.WithLabelValues(cmd.EventType, "error").Inc()
		return err
	}

	if err := h.store.MarkEventProcessed(ctx, cmd.EventID, cmd.EventType); err != nil {
		h.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

func (h *CommandHandler) dispatch(ctx context.Context, cmd *models.CustodyCommand) error {
	legID, err := h.resolveLeg(ctx, cmd)
	if err != nil {
		return err
	}

	switch cmd.EventType {
	case models.CommandAcceptLeg:
		_, err = h.service.AcceptLeg(ctx, cmd.Actor, cmd.OrderID, legID)
	case models.CommandRejectLeg:
		_, err = h.service.RejectLeg(ctx, cmd.Actor, cmd.OrderID, legID, cmd.Reason)
	case models.CommandShipLeg:
		_, err = h.service.ShipLeg(ctx, cmd.Actor, cmd.OrderID, legID, cmd.TransporterID)
	case models.CommandConfirmReceipt:
		_, err = h.service.ConfirmReceipt(ctx, cmd.Actor, cmd.OrderID, legID)
	case models.CommandConfirmDelivery:
		_, _, err = h.service.ConfirmDelivery(ctx, cmd.Actor, cmd.OrderID, legID)
	default:
		err = fmt.Errorf("unknown command %q: %w", cmd.EventType, models.ErrInvalidInput)
	}
	return err
}

// resolveLeg returns the command's leg, defaulting to the order's active leg
func (h *CommandHandler) resolveLeg(ctx context.Context, cmd *models.CustodyCommand) (int64, error) {
	if cmd.LegID != 0 {
		return cmd.LegID, nil
	}
	order, err := h.store.GetOrderByID(ctx, cmd.OrderID)
	if err != nil {
		return 0, err
	}
	legs, err := h.store.GetLegsByOrderID(ctx, cmd.OrderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load legs: %w", err)
	}
	r := fulfillment.NewRoute(order, legs)
	i := r.ActiveLeg()
	if i < 0 {
		return 0, fmt.Errorf("order %d has no active leg: %w", cmd.OrderID, models.ErrInvalidTransition)
	}
	return r.Legs[i].ID, nil
}

func isDomainError(err error) bool {
	for _, target := range []error{
		models.ErrInvalidTransition,
		models.ErrNoRouteAvailable,
		models.ErrAlreadyFinal,
		models.ErrForbidden,
		models.ErrNotFound,
		models.ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
