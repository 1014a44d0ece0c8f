package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderEvent publishes an order-level transition
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishLegEvent publishes a leg transition
func (ep *EventPublisher) PublishLegEvent(ctx context.Context, event *models.LegEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// CommandFunc applies a decoded custody command
type CommandFunc func(ctx context.Context, cmd *models.CustodyCommand) error

// EventHandler routes custody commands to registered handlers
type EventHandler struct {
	handlers map[string]CommandFunc
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]CommandFunc),
		logger:   util.ComponentLogger("commands"),
	}
}

// On registers a handler for a command type
func (eh *EventHandler) On(commandType string, handler CommandFunc) {
	eh.handlers[commandType] = handler
}

// HandleMessage decodes a command and dispatches it by type
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var cmd models.CustodyCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal custody command: %w", err)
	}

	eh.logger.Info("Handling command",
		zap.String("type", cmd.EventType),
		zap.String("event_id", cmd.EventID),
		zap.Int64("order_id", cmd.OrderID))

	handler, ok := eh.handlers[cmd.EventType]
	if !ok {
		eh.logger.Warn("Unhandled command type", zap.String("type", cmd.EventType))
		return nil
	}
	return handler(ctx, &cmd)
}
