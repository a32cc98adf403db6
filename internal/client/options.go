package client

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pushrpc/internal/cache"
	"pushrpc/internal/protocol"
)

// Default option values
const (
	DefaultCallTimeout           = 5 * time.Second
	DefaultReconnectDelay        = time.Second
	DefaultErrorDelayMaxDuration = 30 * time.Second
	DefaultPingInterval          = 30 * time.Second
)

// Options configures a Core
type Options struct {
	// BaseURL is the broker's HTTP endpoint, e.g. http://host:8080.
	BaseURL string
	// PushURL is the broker's WebSocket endpoint. Derived from BaseURL
	// when empty.
	PushURL string

	// CallTimeout is the default per-call deadline. Individual
	// invocations may override it with WithTimeout.
	CallTimeout time.Duration
	// ReconnectDelay is the initial push reconnect backoff.
	ReconnectDelay time.Duration
	// ErrorDelayMaxDuration caps the push reconnect backoff.
	ErrorDelayMaxDuration time.Duration
	// PingInterval is the push liveness probe period.
	PingInterval time.Duration

	// Subscribe enables push delivery. When false, subscribes degrade to
	// one-shot calls: the consumer receives the initial value only.
	Subscribe bool
	// ConnectOnCreate opens the push socket eagerly at construction.
	ConnectOnCreate bool

	// Cache is an optional stale-while-revalidate adapter.
	Cache cache.Cache
	// Middleware wraps every invocation, outermost first.
	Middleware []Middleware

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ErrorDelayMaxDuration == 0 {
		o.ErrorDelayMaxDuration = DefaultErrorDelayMaxDuration
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PushURL == "" {
		o.PushURL = derivePushURL(o.BaseURL)
	}
	return o
}

// derivePushURL maps an http(s) base URL to the ws(s) push endpoint
func derivePushURL(baseURL string) string {
	pushURL := baseURL
	switch {
	case strings.HasPrefix(pushURL, "https://"):
		pushURL = "wss://" + strings.TrimPrefix(pushURL, "https://")
	case strings.HasPrefix(pushURL, "http://"):
		pushURL = "ws://" + strings.TrimPrefix(pushURL, "http://")
	}
	return pushURL + protocol.RoutePush
}

// CallOption adjusts a single invocation
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the default call deadline for one invocation
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}
