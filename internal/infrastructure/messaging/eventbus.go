// Package messaging implements the in-process event bus that carries
// committed domain events to projections and external sinks.
package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("handler panicked")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus fans events out to subscribers. In async mode handlers
// run on a bounded worker pool and Publish returns immediately; in sync
// mode they run on the publishing goroutine in subscription order.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	middlewares []Middleware
	asyncMode   bool
	pool        pond.Pool
	log         *logger.Logger
	metrics     *EventBusMetrics
	closed      bool
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode enables asynchronous event processing.
	AsyncMode bool

	// WorkerPoolSize is the number of concurrent handler executions.
	WorkerPoolSize int

	// QueueSize bounds pending handler executions. Zero means unbounded.
	QueueSize int

	Logger *logger.Logger

	EnableMetrics bool
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
		EnableMetrics:  true,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}
	log := config.Logger.With(logger.Component("event_bus"))

	bus := &InMemoryEventBus{
		handlers:    make(map[shared.EventType][]shared.EventHandler),
		asyncMode:   config.AsyncMode,
		log:         log,
		middlewares: []Middleware{RecoveryMiddleware(log)},
	}
	if config.AsyncMode {
		var opts []pond.Option
		if config.QueueSize > 0 {
			opts = append(opts, pond.WithQueueSize(config.QueueSize))
		}
		bus.pool = pond.NewPool(config.WorkerPoolSize, opts...)
	}
	if config.EnableMetrics {
		bus.metrics = NewEventBusMetrics()
	}
	return bus
}

// Use appends middleware applied to every handler invocation. Recovery is
// always installed first.
func (b *InMemoryEventBus) Use(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, m)
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.log.Debug("subscribed handler", logger.EventType(string(eventType)))
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	b.log.Debug("subscribed global handler")
	return nil
}

// Publish delivers the event to the type's handlers, then to the global
// ones. Handler errors are logged and never returned.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrEventBusClosed
	}

	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	if len(handlers) == 0 {
		b.log.Debug("no handlers for event", logger.EventType(string(event.EventType())))
		return nil
	}

	if b.metrics != nil {
		b.metrics.RecordPublish(event.EventType())
	}

	for _, h := range handlers {
		h = chain(h, b.middlewares)
		if b.asyncMode {
			// The read lock keeps Close from stopping the pool mid-submit.
			b.pool.Submit(func() { b.execute(event, h) })
		} else {
			b.execute(event, h)
		}
	}
	return nil
}

func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) {
	start := time.Now()
	err := handler(event)
	duration := time.Since(start)

	if b.metrics != nil {
		b.metrics.RecordHandlerExecution(event.EventType(), duration, err == nil)
	}
	if err != nil {
		b.log.Error("event handler failed",
			logger.EventType(string(event.EventType())),
			logger.String("aggregate_id", event.AggregateID()),
			logger.Latency(duration),
			logger.Err(err),
		)
	}
}

// Close stops accepting events and waits for queued handlers to finish.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.pool != nil {
		b.pool.StopAndWait()
	}
	b.log.Info("event bus closed")
	return nil
}

// Metrics returns the collector, or nil when metrics are disabled.
func (b *InMemoryEventBus) Metrics() *EventBusMetrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// EventBusMetrics tracks event bus counters.
type EventBusMetrics struct {
	mu sync.RWMutex

	PublishedTotal       map[shared.EventType]int64
	HandlerExecutions    int64
	HandlerSuccesses     int64
	HandlerFailures      int64
	HandlerTotalDuration time.Duration
}

// NewEventBusMetrics creates new metrics tracker.
func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{PublishedTotal: make(map[shared.EventType]int64)}
}

// RecordPublish records a publish event.
func (m *EventBusMetrics) RecordPublish(eventType shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedTotal[eventType]++
}

// RecordHandlerExecution records a handler execution.
func (m *EventBusMetrics) RecordHandlerExecution(_ shared.EventType, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HandlerExecutions++
	m.HandlerTotalDuration += duration
	if success {
		m.HandlerSuccesses++
	} else {
		m.HandlerFailures++
	}
}

// EventBusMetricsSnapshot is a point-in-time copy of the counters.
type EventBusMetricsSnapshot struct {
	TotalPublished         int64
	TotalHandlerExecs      int64
	HandlerFailures        int64
	HandlerSuccessRate     float64
	AverageHandlerDuration time.Duration
}

// Snapshot returns a copy of current metrics.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var published int64
	for _, v := range m.PublishedTotal {
		published += v
	}
	s := EventBusMetricsSnapshot{
		TotalPublished:     published,
		TotalHandlerExecs:  m.HandlerExecutions,
		HandlerFailures:    m.HandlerFailures,
		HandlerSuccessRate: 1.0,
	}
	if m.HandlerExecutions > 0 {
		s.AverageHandlerDuration = m.HandlerTotalDuration / time.Duration(m.HandlerExecutions)
		s.HandlerSuccessRate = float64(m.HandlerSuccesses) / float64(m.HandlerExecutions)
	}
	return s
}
