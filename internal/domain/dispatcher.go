package domain

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

// EventHandler processes a domain event.
type EventHandler func(ctx context.Context, event *DomainEvent) error

// EventDispatcher routes domain events to registered handlers.
// Dispatch happens after the change is committed; handlers are side channels
// (audit, metrics) and never feed back into VM state.
type EventDispatcher struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Register registers a handler for a specific event type.
func (d *EventDispatcher) Register(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch dispatches an event to all registered handlers.
// All handlers are called sequentially. If any handler fails, the error is logged
// but remaining handlers are still executed (best-effort delivery).
func (d *EventDispatcher) Dispatch(ctx context.Context, event *DomainEvent) error {
	d.mu.RLock()
	handlers := d.handlers[event.EventType]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("No handlers registered for event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Event handler failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EventType, err)
			}
		}
	}

	return firstErr
}

// DispatchPayload builds an event around a JSON payload and dispatches it.
func (d *EventDispatcher) DispatchPayload(ctx context.Context, eventType EventType, vmID int64, actor string, payload interface{ ToJSON() ([]byte, error) }) error {
	if d == nil {
		return nil
	}
	data, err := payload.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return d.Dispatch(ctx, &DomainEvent{
		EventID:       NewEventID(),
		EventType:     eventType,
		AggregateType: "vm",
		AggregateID:   strconv.FormatInt(vmID, 10),
		Payload:       data,
		CreatedBy:     actor,
		CreatedAt:     time.Now().UTC(),
	})
}

// NewEventID generates a time-ordered event id.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
