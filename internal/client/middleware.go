package client

import (
	"context"
	"encoding/json"

	"pushrpc/internal/protocol"
)

// Invocation carries the identifying context of one transport operation
// through the middleware chain.
type Invocation struct {
	ClientID string
	ItemName string
	Type     protocol.InvocationType
}

// Handler is one transport operation as seen by middleware
type Handler func(ctx context.Context, inv *Invocation, params json.RawMessage) (json.RawMessage, error)

// Middleware wraps a Handler. A middleware may observe parameters, time
// the operation, or short-circuit by returning without calling next.
type Middleware func(next Handler) Handler

// chain composes middlewares around h, first middleware outermost
func chain(middlewares []Middleware, h Handler) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
