package httpclient

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

	"github.com/cenkalti/backoff/v4"
)

// ErrNoToken is returned by calls that need a bearer token when none is set.
var ErrNoToken = errors.New("client has no token - call SetToken() first")

// Client provides HTTP client for the dbcast REST API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new dbcast HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		token:      config.Token,
		baseURL:    baseURL,
	}, nil
}

// Status returns the public server status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/status", nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return &resp, nil
}

// PublishEvent publishes a change event. event is marshalled as JSON unless
// it is already a []byte or json.RawMessage.
func (c *Client) PublishEvent(ctx context.Context, event any) (*PublishResponse, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}

	var resp PublishResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/events", event, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}
	return &resp, nil
}

// Metrics returns server counters. Any authenticated token works.
func (c *Client) Metrics(ctx context.Context) (*MetricsResponse, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}

	var resp MetricsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/metrics", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	return &resp, nil
}

// Sockets lists connected sockets and rooms (admin only)
func (c *Client) Sockets(ctx context.Context) (*SocketStatsResponse, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}

	var resp SocketStatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/sockets", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get socket stats: %w", err)
	}
	return &resp, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		return data, nil
	}
}

// doRequest performs an HTTP request with optional authentication. Network
// errors and 5xx responses are retried with exponential backoff.
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody, respBody any, requireAuth bool) error {
	fullURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	payload, err := encodeBody(reqBody)
	if err != nil {
		return err
	}

	var bodyBytes []byte
	operation := func() error {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if requireAuth && c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		bodyBytes, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 400 {
			apiErr := decodeError(resp.StatusCode, bodyBytes)
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialBackoff
	b.MaxInterval = c.config.MaxBackoff
	b.MaxElapsedTime = 0
	var policy backoff.BackOff = b
	if c.config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(c.config.MaxRetries))
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Message == "" {
		return &APIError{StatusCode: status, Message: string(bytes.TrimSpace(body))}
	}
	return &APIError{
		StatusCode: status,
		Kind:       errResp.Kind,
		Message:    errResp.Message,
		Details:    errResp.Details,
	}
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}
