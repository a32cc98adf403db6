package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushrpc/internal/httpchannel"
	"pushrpc/internal/protocol"
	"pushrpc/internal/pushchannel"
	"pushrpc/internal/registry"
)

// Core orchestrates the subscription registry, the HTTP channel, and the
// push channel behind the consumer-facing operations. mu serializes the
// in-flight-subscribe tracker; the registry serializes its own
// transitions with its own mutex. No cross-key ordering is promised.
type Core struct {
	clientID string
	opts     Options
	registry *registry.Registry
	http     *httpchannel.Channel
	push     *pushchannel.Channel // nil when push delivery is disabled
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[*registry.Consumer]*pendingSubscribe
}

// pendingSubscribe tracks a consumer whose initial HTTP subscribe has
// not resolved yet, so an unsubscribe racing the subscribe can be
// reconciled when it does.
type pendingSubscribe struct {
	itemName string
	params   json.RawMessage
	canceled bool
}

// New creates a new Core. The client id is minted once and stays
// constant for the Core's lifetime.
func New(opts Options) (*Core, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	opts = opts.withDefaults()

	clientID := uuid.NewString()
	logger := opts.Logger.With().Str("component", "rpc-client").Str("clientID", clientID).Logger()

	c := &Core{
		clientID: clientID,
		opts:     opts,
		registry: registry.New(opts.Cache, logger),
		http: httpchannel.New(httpchannel.Options{
			BaseURL:     opts.BaseURL,
			ClientID:    clientID,
			CallTimeout: opts.CallTimeout,
			Logger:      logger,
		}),
		logger:  logger,
		pending: make(map[*registry.Consumer]*pendingSubscribe),
	}

	if opts.Subscribe {
		c.push = pushchannel.New(pushchannel.Options{
			URL:                   opts.PushURL,
			ClientID:              clientID,
			ReconnectDelay:        opts.ReconnectDelay,
			ErrorDelayMaxDuration: opts.ErrorDelayMaxDuration,
			PingInterval:          opts.PingInterval,
			Logger:                logger,
		}, c.consumeFrame, c.resubscribe)

		if opts.ConnectOnCreate {
			c.push.Connect()
		}
	}

	return c, nil
}

// ClientID returns the opaque client identifier
func (c *Core) ClientID() string {
	return c.clientID
}

// SubscriptionCount reports the number of local consumer entries for the
// key
func (c *Core) SubscriptionCount(itemName string, params []any) int {
	raw, err := marshalParams(params)
	if err != nil {
		return 0
	}
	return c.registry.Count(itemName, raw)
}

// Call invokes a callable item and returns the decoded result
func (c *Core) Call(ctx context.Context, itemName string, params []any, opts ...CallOption) (json.RawMessage, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	h := chain(c.opts.Middleware, func(ctx context.Context, inv *Invocation, p json.RawMessage) (json.RawMessage, error) {
		return c.http.Call(ctx, inv.ItemName, p, co.timeout)
	})
	return h(ctx, c.invocation(itemName, protocol.InvokeCall), raw)
}

// Subscribe attaches a consumer to a topic. A cached value, if any, is
// delivered synchronously before the network resolves; the authoritative
// initial value follows from the HTTP subscribe. A failed subscribe
// records no subscription and returns the error.
func (c *Core) Subscribe(ctx context.Context, itemName string, params []any, consumer *registry.Consumer, opts ...CallOption) error {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	// Stale-while-revalidate: the consumer observes the cached value
	// before the first network-delivered value.
	if cached, ok := c.registry.GetCached(itemName, raw); ok {
		consumer.Deliver(cached)
	}

	if c.push != nil {
		// Connect failures stay inside the channel's retry loop; the
		// subscribe proceeds over HTTP regardless.
		c.push.Connect()
	}

	c.mu.Lock()
	c.pending[consumer] = &pendingSubscribe{itemName: itemName, params: raw}
	c.mu.Unlock()

	h := chain(c.opts.Middleware, func(ctx context.Context, inv *Invocation, p json.RawMessage) (json.RawMessage, error) {
		if c.push == nil {
			// Push delivery disabled: a subscribe degrades to a one-shot
			// call; the server records no subscription.
			return c.http.Call(ctx, inv.ItemName, p, co.timeout)
		}
		return c.http.Subscribe(ctx, inv.ItemName, p, co.timeout)
	})
	initial, err := h(ctx, c.invocation(itemName, protocol.InvokeSubscribe), raw)

	c.mu.Lock()
	p := c.pending[consumer]
	delete(c.pending, consumer)
	canceled := p != nil && p.canceled
	c.mu.Unlock()

	if err != nil {
		return err
	}

	if canceled {
		// The consumer unsubscribed while the subscribe was in flight.
		// The server has recorded the subscription by now; compensate
		// unless other consumers still hold the key.
		if c.push != nil && c.registry.Count(itemName, raw) == 0 {
			c.unsubscribeRemote(context.Background(), itemName, raw)
		}
		return nil
	}

	c.registry.Subscribe(initial, itemName, raw, consumer)
	return nil
}

// Unsubscribe detaches a consumer. The server-side unsubscribe is issued
// only when the last consumer for the key is gone; its errors are logged,
// not raised.
func (c *Core) Unsubscribe(ctx context.Context, itemName string, params []any, consumer *registry.Consumer) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if p, ok := c.pending[consumer]; ok {
		// The initial subscribe has not resolved; it will reconcile the
		// server state when it does.
		p.canceled = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if last := c.registry.Unsubscribe(itemName, raw, consumer); last && c.push != nil {
		c.unsubscribeRemote(ctx, itemName, raw)
	}
	return nil
}

// Close releases the push socket. The registry stays intact: consumers
// keep their handlers, and a later reconnect (under an outer supervisor)
// restores server state through the resubscribe pass.
func (c *Core) Close() {
	if c.push != nil {
		c.push.Close()
	}
	c.logger.Info().Msg("client closed")
}

// consumeFrame feeds pushed frames into the registry
func (c *Core) consumeFrame(itemName string, params, data json.RawMessage) {
	c.registry.Consume(itemName, params, data)
}

// resubscribe re-establishes every live subscription after a reconnect.
// A key whose subscribe fails is irrecoverable for this generation: its
// consumers are detached and receive nothing further.
func (c *Core) resubscribe() {
	subs := c.registry.Snapshot()
	if len(subs) == 0 {
		return
	}
	c.logger.Info().Int("subscriptions", len(subs)).Msg("resubscribing after reconnect")

	for _, sub := range subs {
		h := chain(c.opts.Middleware, func(ctx context.Context, inv *Invocation, p json.RawMessage) (json.RawMessage, error) {
			return c.http.Subscribe(ctx, inv.ItemName, p, 0)
		})
		value, err := h(context.Background(), c.invocation(sub.ItemName, protocol.InvokeSubscribe), sub.Params)
		if err != nil {
			c.logger.Warn().Err(err).Str("item", sub.ItemName).Msg("resubscribe failed, detaching consumers")
			for _, consumer := range sub.Consumers {
				c.registry.Unsubscribe(sub.ItemName, sub.Params, consumer)
			}
			continue
		}
		c.registry.Consume(sub.ItemName, sub.Params, value)
	}
}

// unsubscribeRemote drops the server-side subscription; failures are
// logged because the local state is already reconciled.
func (c *Core) unsubscribeRemote(ctx context.Context, itemName string, params json.RawMessage) {
	h := chain(c.opts.Middleware, func(ctx context.Context, inv *Invocation, p json.RawMessage) (json.RawMessage, error) {
		return nil, c.http.Unsubscribe(ctx, inv.ItemName, p)
	})
	if _, err := h(ctx, c.invocation(itemName, protocol.InvokeUnsubscribe), params); err != nil {
		c.logger.Warn().Err(err).Str("item", itemName).Msg("server unsubscribe failed")
	}
}

func (c *Core) invocation(itemName string, kind protocol.InvocationType) *Invocation {
	return &Invocation{ClientID: c.clientID, ItemName: itemName, Type: kind}
}

func marshalParams(params []any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`[]`), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return raw, nil
}
