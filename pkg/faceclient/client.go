/**
 * @description
 * This package provides a client for the remote face verification service. The
 * service compares two images (the live capture and the user's reference photo)
 * and answers with a match flag and an embedding distance.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VerifyRequest is the payload for `POST /verify`.
type VerifyRequest struct {
	ModelName        string `json:"model_name"`
	DetectorBackend  string `json:"detector_backend"`
	DistanceMetric   string `json:"distance_metric"`
	Align            bool   `json:"align"`
	Img1             string `json:"img1"`
	Img2             string `json:"img2"`
	EnforceDetection bool   `json:"enforce_detection"`
	AntiSpoofing     bool   `json:"anti_spoofing"`
}

// VerifyResponse is the service answer. Raw holds the undecoded body.
type VerifyResponse struct {
	Verified        bool            `json:"verified"`
	Distance        float64         `json:"distance"`
	Threshold       float64         `json:"threshold"`
	Model           string          `json:"model"`
	DetectorBackend string          `json:"detector_backend"`
	Error           string          `json:"error,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// APIError is returned when the service answers with a non-200 status.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("verification service error: status %d - %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("verification service error: status %d", e.StatusCode)
}

// Client is a client for the face verification service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new verification client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify submits one image pair. The returned response always carries Raw when a
// body was read, including on APIError.
func (c *Client) Verify(ctx context.Context, payload VerifyRequest) (*VerifyResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("verification service base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to verification service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var response VerifyResponse
	decodeErr := json.Unmarshal(respBody, &response)
	if len(respBody) > 0 && json.Valid(respBody) {
		response.Raw = json.RawMessage(respBody)
	}

	if resp.StatusCode != http.StatusOK {
		return &response, &APIError{StatusCode: resp.StatusCode, Message: response.Error, Body: respBody}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	return &response, nil
}
