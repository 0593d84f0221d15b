package event

import (
	"fmt"
	"time"

	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"go.uber.org/zap"
)

// LoggingMiddleware logs each handler invocation with its duration
func LoggingMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		start := time.Now()
		defer func() {
			fields := []zap.Field{
				zap.String("type", string(event.Type)),
				zap.String("call_sid", event.CallSid),
				zap.Duration("duration", time.Since(start)),
			}
			if event.IsError() {
				logger.Base().Warn("Handled error event", append(fields, zap.Error(event.Error))...)
				return
			}
			logger.Base().Debug("Event handler completed", fields...)
		}()

		next(event)
	}
}

// RecoveryMiddleware keeps a panicking subscriber from taking down the dispatcher
func RecoveryMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		defer func() {
			if r := recover(); r != nil {
				logger.Base().Error("Panic in event handler",
					zap.String("type", string(event.Type)),
					zap.String("call_sid", event.CallSid),
					zap.Error(fmt.Errorf("handler panic: %v", r)),
				)
			}
		}()

		next(event)
	}
}

// ValidationMiddleware drops malformed events before they reach subscribers
func ValidationMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		if event == nil {
			logger.Base().Error("Received nil event")
			return
		}
		if event.Type == "" {
			logger.Base().Error("Event type is empty", zap.String("call_sid", event.CallSid))
			return
		}
		if event.CallSid == "" {
			logger.Base().Error("Call sid is empty", zap.String("type", string(event.Type)))
			return
		}
		next(event)
	}
}

// TimeoutMiddleware stops waiting for a handler after timeout. The handler
// itself keeps running.
func TimeoutMiddleware(timeout time.Duration) EventMiddleware {
	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) {
			done := make(chan struct{})
			go func() {
				defer close(done)
				RecoveryMiddleware(next)(event)
			}()

			select {
			case <-done:
			case <-time.After(timeout):
				logger.Base().Warn("Event handler timeout", zap.String("type", string(event.Type)), zap.String("call_sid", event.CallSid), zap.Duration("timeout", timeout))
			}
		}
	}
}

// CreateDefaultMiddlewareChain returns the chain used by the server
func CreateDefaultMiddlewareChain() []EventMiddleware {
	return []EventMiddleware{
		RecoveryMiddleware,
		ValidationMiddleware,
		TimeoutMiddleware(30 * time.Second),
		LoggingMiddleware,
	}
}
