/**
 * @description
 * This package provides a client for the actuation gateway: the door lock and the
 * tinytuya smart devices behind it. Every call is a single attempt; callers decide
 * what a failure means for them.
 *
 * The gateway reports some failures with HTTP 200 and `{"status":"error"}` in the
 * body, so both the status code and the body are checked.
 */
package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Door actions accepted by `POST /door`.
const (
	DoorOpen   = "open"
	DoorClose  = "close"
	DoorToggle = "toggle"
)

// ErrCommandRejected is returned when the gateway accepted the request but
// reported a failed command in its body.
var ErrCommandRejected = errors.New("actuation command rejected")

// APIResponse is the generic `{status, message}` envelope of the gateway.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusResponse is the tinytuya status body. Depending on firmware the power
// state is either a top-level `power` flag or data point "1".
type StatusResponse struct {
	Power *bool                  `json:"power,omitempty"`
	DPS   map[string]interface{} `json:"dps,omitempty"`
	Error string                 `json:"Error,omitempty"`
}

// Client is a client for the actuation gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new actuation gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Door sends a door command (open, close or toggle).
func (c *Client) Door(ctx context.Context, action string) error {
	body, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/door", body)
	return err
}

// TurnOn powers a device on.
func (c *Client) TurnOn(ctx context.Context, deviceID string) error {
	_, err := c.do(ctx, http.MethodGet, "/tinytuya/turnon/"+url.PathEscape(deviceID), nil)
	return err
}

// TurnOff powers a device off.
func (c *Client) TurnOff(ctx context.Context, deviceID string) error {
	_, err := c.do(ctx, http.MethodGet, "/tinytuya/turnoff/"+url.PathEscape(deviceID), nil)
	return err
}

// DeviceStatus reads the raw power state of a device.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (*StatusResponse, error) {
	raw, err := c.do(ctx, http.MethodGet, "/tinytuya/status/"+url.PathEscape(deviceID), nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	if status.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrCommandRejected, status.Error)
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("actuation gateway base url is empty")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to actuation gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("actuation gateway returned error status %d", resp.StatusCode)
	}

	var envelope APIResponse
	if json.Unmarshal(respBody, &envelope) == nil && strings.EqualFold(envelope.Status, "error") {
		return nil, fmt.Errorf("%w: %s", ErrCommandRejected, envelope.Message)
	}
	return respBody, nil
}
