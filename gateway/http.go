package gateway

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

// HTTPClient talks to a processor exposing POST /captures and POST /payouts.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type captureRequest struct {
	EscrowID string `json:"escrow_id"`
	Amount   int64  `json:"amount"`
}

type payoutRequest struct {
	EscrowID string `json:"escrow_id"`
	PayeeID  string `json:"payee_id"`
	Amount   int64  `json:"amount"`
}

type processorResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

func (c *HTTPClient) Capture(ctx context.Context, escrowID string, amount int64, key string) (Result, error) {
	return c.post(ctx, "/captures", key, captureRequest{EscrowID: escrowID, Amount: amount})
}

func (c *HTTPClient) Payout(ctx context.Context, escrowID, payeeID string, amount int64, key string) (Result, error) {
	return c.post(ctx, "/payouts", key, payoutRequest{EscrowID: escrowID, PayeeID: payeeID, Amount: amount})
}

func (c *HTTPClient) post(ctx context.Context, path, key string, body any) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("gateway: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("gateway: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrTimeout, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: read body: %v", ErrTimeout, path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("gateway: %s: status %d", path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Result{}, fmt.Errorf("%w: %s: status %d: %s", ErrRejected, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out processorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("gateway: %s: decode response: %w", path, err)
	}
	res := Result{Outcome: Outcome(out.Status), Reference: out.Reference, Message: out.Message}
	switch res.Outcome {
	case OutcomeSuccess, OutcomePending, OutcomeFailed:
		return res, nil
	}
	return Result{}, fmt.Errorf("gateway: %s: unknown status %q", path, out.Status)
}
