package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// HTTPClient implements Engine against the engine's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new engine HTTP client. timeout bounds a whole
// request including reading the response.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Compute(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			return nil, fmt.Errorf("%w: status %d", ErrEngineFailure, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngineFailure, resp.StatusCode, msg)
	}

	var engineResp analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&engineResp); err != nil {
		return nil, classifyDecodeError(err)
	}
	if engineResp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrEngineFailure, engineResp.Error)
	}
	if len(engineResp.Results) == 0 || string(engineResp.Results) == "null" {
		return nil, fmt.Errorf("%w: empty results", ErrEngineFailure)
	}
	return engineResp.Results, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
}

// classifyDecodeError keeps timeouts distinguishable when the body read is cut short.
func classifyDecodeError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}
	return fmt.Errorf("%w: decoding response: %v", ErrEngineFailure, err)
}

type analyzeResponse struct {
	Results json.RawMessage `json:"results"`
	Error   string          `json:"error,omitempty"`
}

// Compile-time check that HTTPClient implements Engine.
var _ Engine = (*HTTPClient)(nil)
