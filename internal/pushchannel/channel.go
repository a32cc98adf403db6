package pushchannel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pushrpc/internal/protocol"
)

// ErrClosed is returned by Connect after the channel has been closed
var ErrClosed = errors.New("push channel closed")

const (
	handshakeTimeout = 10 * time.Second
	pingWriteWait    = 5 * time.Second
	defaultReadWait  = 60 * time.Second
)

// DataFunc receives every pushed frame
type DataFunc func(itemName string, params, data json.RawMessage)

// Options for creating a Channel
type Options struct {
	URL                   string
	ClientID              string
	ReconnectDelay        time.Duration
	ErrorDelayMaxDuration time.Duration
	PingInterval          time.Duration
	Logger                zerolog.Logger
}

// Channel owns one WebSocket used only to receive pushed data. It keeps
// the socket alive with pings, reconnects with bounded backoff after any
// close or error, and notifies its owner after every reconnect so
// server-side subscriptions can be restored.
type Channel struct {
	url            string
	clientID       string
	reconnectDelay time.Duration
	errorDelayMax  time.Duration
	pingInterval   time.Duration
	onData         DataFunc
	onReconnected  func()
	logger         zerolog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	running       bool
	everConnected bool
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Channel. onReconnected fires after every successful
// open except the first in the channel's lifetime.
func New(opts Options, onData DataFunc, onReconnected func()) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:            opts.URL,
		clientID:       opts.ClientID,
		reconnectDelay: opts.ReconnectDelay,
		errorDelayMax:  opts.ErrorDelayMaxDuration,
		pingInterval:   opts.PingInterval,
		onData:         onData,
		onReconnected:  onReconnected,
		logger:         opts.Logger.With().Str("component", "push-channel").Logger(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Connect ensures the connection loop is running. Dial failures are not
// returned; the loop retries with backoff until Close. Idempotent.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	return nil
}

// Connected returns true if the socket is currently open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close terminates the channel. No reconnect is attempted afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.logger.Info().Msg("push channel closed")
}

// run is the connection loop: dial, serve the socket until it fails,
// back off, repeat. Backoff resets on every successful open.
func (c *Channel) run() {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.reconnectDelay
	b.MaxInterval = c.errorDelayMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			c.logger.Warn().Err(err).Dur("retryIn", wait).Msg("push connect failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		reconnected := c.everConnected
		c.everConnected = true
		c.mu.Unlock()

		c.logger.Info().Str("url", c.url).Bool("reconnect", reconnected).Msg("push channel connected")
		if reconnected && c.onReconnected != nil {
			go c.onReconnected()
		}

		pingDone := make(chan struct{})
		c.wg.Add(1)
		go c.pingLoop(conn, pingDone)

		c.readLoop(conn)
		close(pingDone)
		conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		c.logger.Warn().Dur("retryIn", wait).Msg("push channel lost, reconnecting")
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set(protocol.ClientIDHeader, c.clientID)

	ctx, cancel := context.WithTimeout(c.ctx, handshakeTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	return conn, err
}

// readWait is the liveness window: a pong (or any message) must arrive
// before it elapses, or the read fails and the reconnect loop takes over.
func (c *Channel) readWait() time.Duration {
	if c.pingInterval > 0 {
		return 2 * c.pingInterval
	}
	return defaultReadWait
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	readWait := c.readWait()
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("push read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("len", len(data)).Msg("push frame parse error")
			continue
		}
		if frame == nil {
			continue
		}
		c.onData(frame.ItemName, frame.Params, frame.Data)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	if c.pingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
				conn.Close()
				return
			}
		}
	}
}
