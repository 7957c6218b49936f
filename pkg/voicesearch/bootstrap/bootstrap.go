// Package bootstrap obtains the credentials for a voice-search session from
// the HTTP session endpoint.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/voicesearch/pkg/core"
)

const DefaultTimeout = 15 * time.Second

// Credentials is the successful bootstrap response.
type Credentials struct {
	WebSocketURL string `json:"websocket_url"`
	SessionID    string `json:"session_id,omitempty"`
}

// Request is the optional body sent with the bootstrap POST.
type Request struct {
	Language string `json:"language,omitempty"`
}

// Client posts to the session endpoint.
type Client struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient returns a Client with the default transport.
func NewClient(endpoint, token string) *Client {
	return &Client{
		Endpoint:   strings.TrimSpace(endpoint),
		Token:      token,
		HTTPClient: newDefaultHTTPClient(),
	}
}

// newDefaultHTTPClient sets transport-level timeouts and leaves the request
// lifetime to the context.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Create requests a new session. 401 maps to AuthRequired, 402 and 403 to
// SubscriptionRequired; every other failure is a TransportError.
func (c *Client) Create(ctx context.Context, req Request) (Credentials, error) {
	const op = "session bootstrap"

	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		return Credentials{}, core.NewTransportError(op, errors.New("session endpoint is not configured"))
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Credentials{}, core.NewTransportError(op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, core.NewTransportError(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(c.Token); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return Credentials{}, core.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, core.NewTransportError(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Credentials{}, core.NewAuthRequiredError(errorMessage(raw, "sign in to use voice search"))
	case resp.StatusCode == http.StatusPaymentRequired, resp.StatusCode == http.StatusForbidden:
		return Credentials{}, core.NewSubscriptionRequiredError(errorMessage(raw, "voice search requires an active subscription"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		terr := core.NewTransportError(op, fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(raw, http.StatusText(resp.StatusCode))))
		terr.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		return Credentials{}, terr
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, core.NewTransportError(op, fmt.Errorf("decode response: %w", err))
	}
	creds.WebSocketURL = strings.TrimSpace(creds.WebSocketURL)
	if creds.WebSocketURL == "" {
		return Credentials{}, core.NewTransportError(op, errors.New("response is missing websocket_url"))
	}
	if c.Logger != nil {
		c.Logger.Debug("session bootstrapped", "session_id", creds.SessionID)
	}
	return creds, nil
}

// errorMessage extracts a human message from a JSON error body of the form
// {"error":"..."} or {"error":{"message":"..."}}.
func errorMessage(body []byte, fallback string) string {
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &flat) == nil && strings.TrimSpace(flat.Error) != "" {
		return strings.TrimSpace(flat.Error)
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && strings.TrimSpace(nested.Error.Message) != "" {
		return strings.TrimSpace(nested.Error.Message)
	}
	return fallback
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), DefaultTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
