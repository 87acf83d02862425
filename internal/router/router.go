// Package router maps inbound relay frames to the single handler registered
// for their type.
package router

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/pet-lobby-client/internal/metrics"
	"github.com/park285/pet-lobby-client/internal/obslog"
	"github.com/park285/pet-lobby-client/internal/protocol"
)

// Handler consumes one decoded frame. It runs synchronously on the
// dispatching goroutine.
type Handler func(in *protocol.Inbound)

type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.Type]Handler

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		handlers: make(map[protocol.Type]Handler),
		logger:   obslog.Or(logger, "router"),
		metrics:  m,
	}
}

// Register binds h to t. A second registration for the same type replaces
// the first.
func (r *Router) Register(t protocol.Type, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.handlers[t]; ok {
		r.logger.Debug("router_handler_replaced", zap.String("type", string(t)))
	}
	r.handlers[t] = h
	r.mu.Unlock()
}

// Unregister removes the handler for t, if any.
func (r *Router) Unregister(t protocol.Type) {
	r.mu.Lock()
	delete(r.handlers, t)
	r.mu.Unlock()
}

// Registered reports whether t currently has a handler.
func (r *Router) Registered(t protocol.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Dispatch decodes raw and invokes the matching handler. It reports whether a
// handler ran to completion; every other outcome is logged and dropped.
func (r *Router) Dispatch(raw []byte) bool {
	in, err := protocol.Parse(raw)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = metrics.ReasonUnknownType
		}
		fields := []zap.Field{zap.String("reason", reason), zap.Error(err), zap.Int("bytes", len(raw))}
		if in != nil && in.Envelope != nil {
			fields = append(fields, zap.String("type", string(in.Envelope.Type)))
		}
		r.logger.Warn("router_drop", fields...)
		r.metrics.IncDropped(reason)
		return false
	}

	t := in.Envelope.Type
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("router_drop", zap.String("reason", metrics.ReasonUnregistered), zap.String("type", string(t)))
		r.metrics.IncDropped(metrics.ReasonUnregistered)
		return false
	}

	if err := r.invoke(h, in); err != nil {
		r.logger.Error("router_handler_panic", zap.String("type", string(t)), zap.Int64("sender_id", in.Envelope.SenderID), zap.Error(err))
		r.metrics.IncDropped(metrics.ReasonPanic)
		return false
	}
	r.metrics.IncDispatched(string(t))
	return true
}

// DispatchBatch dispatches each frame in order; a failing frame never stops
// the ones after it. It returns how many frames were handled.
func (r *Router) DispatchBatch(raws [][]byte) int {
	n := 0
	for _, raw := range raws {
		if r.Dispatch(raw) {
			n++
		}
	}
	return n
}

func (r *Router) invoke(h Handler, in *protocol.Inbound) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	h(in)
	return nil
}
