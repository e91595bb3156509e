/**
 * @description
 * This package provides a client for the hardware gateway that fronts the RFID
 * card reader. The gateway has no push channel: callers poll `GET /card/uid` and
 * receive the UID of the card currently on the reader, if any.
 */
package cardreader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Read statuses reported by the gateway.
const (
	StatusSuccess = "success"
	StatusNoCard  = "nocard"
	StatusError   = "error"
)

// CardResponse is the body returned by `GET /card/uid`.
type CardResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	CardUID string `json:"card_uid,omitempty"`
}

// Client is a client for the card reader gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new card reader client. A single poll must finish well
// inside a few polling ticks, hence the short timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}
}

// ReadCard performs a single poll of the reader.
func (c *Client) ReadCard(ctx context.Context) (*CardResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("card reader base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/card/uid", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to card reader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("card reader returned error status %d", resp.StatusCode)
	}

	var response CardResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	response.CardUID = strings.TrimSpace(response.CardUID)
	return &response, nil
}
