package event

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/bytedance/gopkg/util/gopool"
	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("event bus is closed")

// EventHandler represents a function that handles events
type EventHandler func(event *CallEvent)

// EventMiddleware represents middleware that can wrap event handlers
type EventMiddleware func(next EventHandler) EventHandler

// Publisher is the write side of the bus handed to services
type Publisher interface {
	Publish(event *CallEvent) error
}

// EventBus defines the interface for event bus operations
type EventBus interface {
	Publisher
	Subscribe(eventType EventType, handler EventHandler) error
	Use(middleware EventMiddleware)
	Close() error
	GetStats() BusStats
}

// BusStats contains statistics about the event bus
type BusStats struct {
	TotalEvents     int64            `json:"total_events"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	ActiveHandlers  int              `json:"active_handlers"`
	SubscriberCount map[string]int   `json:"subscriber_count"`
}

// Dispatcher runs one handler invocation. The default hands it to gopool.
type Dispatcher func(task func())

// DefaultEventBus fans each event out to its subscribers asynchronously
type DefaultEventBus struct {
	subscribers map[EventType][]EventHandler
	middleware  []EventMiddleware
	mutex       sync.RWMutex
	dispatch    Dispatcher
	closed      atomic.Bool
	stats       BusStats
	statsMutex  sync.RWMutex
}

// NewEventBus creates a bus that dispatches on the shared gopool
func NewEventBus() *DefaultEventBus {
	return NewEventBusWithDispatcher(gopool.Go)
}

// NewEventBusWithDispatcher creates a bus with a custom dispatcher
func NewEventBusWithDispatcher(dispatch Dispatcher) *DefaultEventBus {
	if dispatch == nil {
		dispatch = gopool.Go
	}
	return &DefaultEventBus{
		subscribers: make(map[EventType][]EventHandler),
		middleware:  make([]EventMiddleware, 0),
		dispatch:    dispatch,
		stats: BusStats{
			EventsByType:    make(map[string]int64),
			SubscriberCount: make(map[string]int),
		},
	}
}

// Publish delivers event to every subscriber of its type.
// Handlers run off the caller's goroutine; Publish never blocks on them.
func (b *DefaultEventBus) Publish(event *CallEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mutex.RLock()
	handlers := make([]EventHandler, len(b.subscribers[event.Type]))
	copy(handlers, b.subscribers[event.Type])
	middleware := make([]EventMiddleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mutex.RUnlock()

	b.updateStats(event.Type)

	if len(handlers) == 0 {
		logger.Base().Debug("No subscribers for event type", zap.String("type", string(event.Type)))
		return nil
	}

	for _, handler := range handlers {
		h := handler
		for i := len(middleware) - 1; i >= 0; i-- {
			h = middleware[i](h)
		}
		b.dispatch(func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Base().Error("Event handler panic", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSid), zap.Any("panic", r))
				}
			}()
			h(event)
		})
	}

	return nil
}

// Subscribe subscribes to events of a specific type
func (b *DefaultEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mutex.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	b.mutex.Unlock()

	b.statsMutex.Lock()
	b.stats.SubscriberCount[string(eventType)]++
	b.stats.ActiveHandlers++
	b.statsMutex.Unlock()

	logger.Base().Info("Subscribed to event type", zap.String("event_type", string(eventType)))
	return nil
}

// Use adds middleware to the event bus
func (b *DefaultEventBus) Use(middleware EventMiddleware) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// Close stops accepting events and drops all subscribers
func (b *DefaultEventBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mutex.Lock()
	b.subscribers = make(map[EventType][]EventHandler)
	b.middleware = make([]EventMiddleware, 0)
	b.mutex.Unlock()

	logger.Base().Info("Event bus closed")
	return nil
}

// GetStats returns current bus statistics
func (b *DefaultEventBus) GetStats() BusStats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()

	stats := BusStats{
		TotalEvents:     b.stats.TotalEvents,
		EventsByType:    make(map[string]int64, len(b.stats.EventsByType)),
		ActiveHandlers:  b.stats.ActiveHandlers,
		SubscriberCount: make(map[string]int, len(b.stats.SubscriberCount)),
	}
	for k, v := range b.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range b.stats.SubscriberCount {
		stats.SubscriberCount[k] = v
	}
	return stats
}

func (b *DefaultEventBus) updateStats(eventType EventType) {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()

	b.stats.TotalEvents++
	b.stats.EventsByType[string(eventType)]++
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(*CallEvent) error { return nil }
