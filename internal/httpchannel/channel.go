package httpchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"pushrpc/internal/protocol"
)

// Options for creating a Channel
type Options struct {
	BaseURL     string
	ClientID    string
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// Channel is the request/response side of the transport. It initiates
// calls, subscribes, and unsubscribes; it is stateless beyond its base
// URL and client id.
type Channel struct {
	baseURL     string
	clientID    string
	callTimeout time.Duration
	client      *http.Client
	logger      zerolog.Logger
}

// New creates a new Channel
func New(opts Options) *Channel {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	return &Channel{
		baseURL:     opts.BaseURL,
		clientID:    opts.ClientID,
		callTimeout: opts.CallTimeout,
		client:      &http.Client{Transport: transport},
		logger:      opts.Logger.With().Str("component", "http-channel").Logger(),
	}
}

// Call posts the parameters and returns the decoded result. A zero
// timeout uses the channel's default deadline.
func (c *Channel) Call(ctx context.Context, itemName string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return c.post(ctx, protocol.RouteCall, itemName, params, timeout)
}

// Subscribe requests the current value and registers the subscription on
// the server side; the server keys it by client id.
func (c *Channel) Subscribe(ctx context.Context, itemName string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return c.post(ctx, protocol.RouteSubscribe, itemName, params, timeout)
}

// Unsubscribe tells the server to drop its subscription for the key
func (c *Channel) Unsubscribe(ctx context.Context, itemName string, params json.RawMessage) error {
	_, err := c.post(ctx, protocol.RouteUnsubscribe, itemName, params, 0)
	return err
}

func (c *Channel) post(ctx context.Context, route, itemName string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.callTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body := params
	if len(body) == 0 {
		body = json.RawMessage(`[]`)
	}

	reqURL := c.baseURL + route + url.PathEscape(itemName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(protocol.ClientIDHeader, c.clientID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, c.timeoutError(route, itemName, timeout)
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, c.timeoutError(route, itemName, timeout)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if envelope := protocol.ErrorFromJSON(data); envelope != nil {
			return nil, envelope
		}
		return nil, protocol.NewError(resp.StatusCode, fmt.Sprintf("HTTP error %d: %s", resp.StatusCode, data))
	}

	return data, nil
}

func (c *Channel) timeoutError(route, itemName string, timeout time.Duration) *protocol.Error {
	c.logger.Debug().Str("route", route).Str("item", itemName).Dur("timeout", timeout).Msg("request deadline elapsed")
	return protocol.NewError(protocol.CodeTimeout, fmt.Sprintf("%s%s timed out after %s", route, itemName, timeout))
}
