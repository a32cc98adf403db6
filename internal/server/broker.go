package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pushrpc/internal/cache"
	"pushrpc/internal/protocol"
)

// Handler computes the current value of an item. Every registered item
// is callable; it is also a topic, because Trigger pushes whatever the
// handler returns at trigger time.
type Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Broker is the server side of the runtime: it answers calls, records
// subscriptions keyed by client id, and pushes triggered values over the
// session's socket. Subscribing the same (clientID, key) twice is
// idempotent, which keeps at most one server-side subscription per key
// however often a client repeats or replays its subscribe.
type Broker struct {
	itemsMu sync.RWMutex
	items   map[string]Handler

	mu       sync.Mutex
	sessions map[string]*session

	mux    *http.ServeMux
	msgID  atomic.Int64
	logger zerolog.Logger
}

// NewBroker creates a new Broker
func NewBroker(logger zerolog.Logger) *Broker {
	b := &Broker{
		items:    make(map[string]Handler),
		sessions: make(map[string]*session),
		logger:   logger.With().Str("component", "broker").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.RouteCall, func(w http.ResponseWriter, r *http.Request) {
		b.handleInvoke(w, r, protocol.InvokeCall)
	})
	mux.HandleFunc(protocol.RouteSubscribe, func(w http.ResponseWriter, r *http.Request) {
		b.handleInvoke(w, r, protocol.InvokeSubscribe)
	})
	mux.HandleFunc(protocol.RouteUnsubscribe, func(w http.ResponseWriter, r *http.Request) {
		b.handleInvoke(w, r, protocol.InvokeUnsubscribe)
	})
	mux.HandleFunc(protocol.RoutePush, b.handlePush)
	b.mux = mux

	return b
}

// Register adds an item to the service tree
func (b *Broker) Register(name string, handler Handler) {
	b.itemsMu.Lock()
	b.items[name] = handler
	b.itemsMu.Unlock()
	b.logger.Debug().Str("item", name).Msg("item registered")
}

// ServeHTTP implements http.Handler
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

func (b *Broker) handleInvoke(w http.ResponseWriter, r *http.Request, kind protocol.InvocationType) {
	if r.Method != http.MethodPost {
		writeError(w, protocol.NewError(http.StatusMethodNotAllowed, "POST required"))
		return
	}

	itemName, err := itemFromPath(r.URL.Path, kind)
	if err != nil {
		writeError(w, protocol.NewError(http.StatusBadRequest, err.Error()))
		return
	}

	clientID := r.Header.Get(protocol.ClientIDHeader)
	if clientID == "" {
		writeError(w, protocol.NewError(http.StatusBadRequest, "missing "+protocol.ClientIDHeader+" header"))
		return
	}

	params, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, protocol.NewError(http.StatusBadRequest, "failed to read body"))
		return
	}
	if len(params) == 0 {
		params = []byte(`[]`)
	}

	b.logger.Debug().Str("clientID", clientID).Str("item", itemName).Stringer("type", kind).Msg("invoke")

	switch kind {
	case protocol.InvokeCall:
		b.handleCall(w, r, itemName, params)
	case protocol.InvokeSubscribe:
		b.handleSubscribe(w, r, clientID, itemName, params)
	case protocol.InvokeUnsubscribe:
		b.handleUnsubscribe(w, clientID, itemName, params)
	}
}

func (b *Broker) handleCall(w http.ResponseWriter, r *http.Request, itemName string, params json.RawMessage) {
	handler, ok := b.handler(itemName)
	if !ok {
		writeError(w, protocol.NewError(protocol.CodeNotFound, "unknown item: "+itemName))
		return
	}

	value, err := handler(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, value)
}

func (b *Broker) handleSubscribe(w http.ResponseWriter, r *http.Request, clientID, itemName string, params json.RawMessage) {
	handler, ok := b.handler(itemName)
	if !ok {
		writeError(w, protocol.NewError(protocol.CodeNotFound, "unknown item: "+itemName))
		return
	}

	// The supplier runs first: a failing subscribe must leave no
	// subscription behind.
	value, err := handler(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	// Record before responding, so a trigger arriving after this request
	// resolves is guaranteed to reach the session.
	s := b.getOrCreateSession(clientID)
	s.subscribe(cache.Key(itemName, params), itemName, params)

	writeJSON(w, value)
}

func (b *Broker) handleUnsubscribe(w http.ResponseWriter, clientID, itemName string, params json.RawMessage) {
	b.mu.Lock()
	s := b.sessions[clientID]
	b.mu.Unlock()

	if s != nil {
		s.unsubscribe(cache.Key(itemName, params))
	}
	writeJSON(w, json.RawMessage(`null`))
}

// handlePush upgrades the connection and attaches it to the session with
// the same client id, so pushes land on the socket matching the HTTP
// channel that created the subscriptions.
func (b *Broker) handlePush(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(protocol.ClientIDHeader)
	if clientID == "" {
		clientID = r.URL.Query().Get("clientId")
	}
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	b.logger.Info().Str("clientID", clientID).Str("remoteAddr", r.RemoteAddr).Msg("push socket attached")

	s := b.getOrCreateSession(clientID)
	s.attach(conn)
}

// Trigger evaluates the item's handler once and pushes the value to
// every session subscribed to the (itemName, parameters) key.
func (b *Broker) Trigger(ctx context.Context, itemName string, params json.RawMessage) error {
	handler, ok := b.handler(itemName)
	if !ok {
		return fmt.Errorf("unknown item: %s", itemName)
	}
	if len(params) == 0 {
		params = json.RawMessage(`[]`)
	}
	key := cache.Key(itemName, params)

	b.mu.Lock()
	targets := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.hasKey(key) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	value, err := handler(ctx, params)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", itemName, err)
	}

	frame := &protocol.DataFrame{
		MessageID: b.msgID.Add(1),
		ItemName:  itemName,
		Params:    params,
		Data:      value,
	}
	data, err := frame.Bytes()
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	for _, s := range targets {
		s.send(data)
	}
	b.logger.Debug().Str("item", itemName).Int("sessions", len(targets)).Msg("triggered")
	return nil
}

// SubscriptionCount reports how many sessions hold a subscription for
// the key
func (b *Broker) SubscriptionCount(itemName string, params json.RawMessage) int {
	if len(params) == 0 {
		params = json.RawMessage(`[]`)
	}
	key := cache.Key(itemName, params)

	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, s := range b.sessions {
		if s.hasKey(key) {
			count++
		}
	}
	return count
}

// DisconnectAll force-closes every attached push socket. As on any socket
// close, each closed socket takes its session's subscriptions with it;
// clients rebuild them through their resubscribe pass. Session entries
// stay registered, and a session with no attached socket keeps its
// subscriptions.
func (b *Broker) DisconnectAll() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.detach()
	}
	b.logger.Info().Int("sessions", len(sessions)).Msg("disconnected all push sockets")
}

// Close disconnects every session
func (b *Broker) Close() {
	b.DisconnectAll()
	b.logger.Info().Msg("broker closed")
}

func (b *Broker) handler(itemName string) (Handler, bool) {
	b.itemsMu.RLock()
	defer b.itemsMu.RUnlock()
	h, ok := b.items[itemName]
	return h, ok
}

func (b *Broker) getOrCreateSession(clientID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[clientID]
	if !ok {
		s = newSession(clientID, b.logger)
		b.sessions[clientID] = s
		b.logger.Debug().Str("clientID", clientID).Msg("created session")
	}
	return s
}

func itemFromPath(path string, kind protocol.InvocationType) (string, error) {
	var route string
	switch kind {
	case protocol.InvokeCall:
		route = protocol.RouteCall
	case protocol.InvokeSubscribe:
		route = protocol.RouteSubscribe
	case protocol.InvokeUnsubscribe:
		route = protocol.RouteUnsubscribe
	}

	name := strings.TrimPrefix(path, route)
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid item path: %s", path)
	}
	unescaped, err := url.PathUnescape(name)
	if err != nil {
		return "", fmt.Errorf("invalid item name: %w", err)
	}
	return unescaped, nil
}

func writeJSON(w http.ResponseWriter, value json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	if len(value) == 0 {
		value = json.RawMessage(`null`)
	}
	w.Write(value)
}

func writeError(w http.ResponseWriter, err error) {
	var envelope *protocol.Error
	if !errors.As(err, &envelope) {
		envelope = protocol.NewError(protocol.CodeInternal, err.Error())
	}

	status := envelope.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope)
}
