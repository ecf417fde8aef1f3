package messaging

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// chain applies middlewares so the first one is outermost.
func chain(h shared.EventHandler, middlewares []Middleware) shared.EventHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RecoveryMiddleware turns a handler panic into an ErrHandlerPanic error.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic recovered",
						logger.EventType(string(event.EventType())),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs every completed handler at debug level.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			if err == nil {
				log.Debug("handler completed",
					logger.EventType(string(event.EventType())),
					logger.String("aggregate_id", event.AggregateID()),
					logger.Latency(time.Since(start)),
				)
			}
			return err
		}
	}
}

// FilterMiddleware skips events the predicate rejects.
func FilterMiddleware(keep func(shared.Event) bool) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			if !keep(event) {
				return nil
			}
			return next(event)
		}
	}
}
