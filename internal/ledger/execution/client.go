// Package execution implements the REST client for the execution ledger API.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/crypto"
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// Client is the HMAC-authenticated REST client for the execution ledger.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// NewClient creates a new execution ledger client.
func NewClient(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IsPositionOutOfRange asks the execution ledger whether the position's pool
// price has left its configured range.
func (c *Client) IsPositionOutOfRange(ctx context.Context, executionID string) (domain.RangeCheck, error) {
	path := fmt.Sprintf("/positions/%s/range", url.PathEscape(executionID))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.RangeCheck{}, fmt.Errorf("execution: range check %s: %w", executionID, err)
	}

	var resp struct {
		OutOfRange   bool    `json:"out_of_range"`
		CurrentPrice float64 `json:"current_price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.RangeCheck{}, fmt.Errorf("execution: decode range check: %w", err)
	}

	return domain.RangeCheck{
		OutOfRange:   resp.OutOfRange,
		CurrentPrice: resp.CurrentPrice,
	}, nil
}

// LiquidateAndReturn closes the execution-side position and routes the
// proceeds toward the custody vault. The receipt carries the execution side's
// estimate; the settled amount arrives later through the custody ledger.
func (c *Client) LiquidateAndReturn(ctx context.Context, req domain.LiquidationRequest) (domain.LiquidationReceipt, error) {
	path := fmt.Sprintf("/positions/%s/liquidate", url.PathEscape(req.ExecutionID))
	payload := struct {
		BaseAsset      string `json:"base_asset"`
		Destination    string `json:"destination"`
		MinOut         string `json:"min_out"`
		IdempotencyKey string `json:"idempotency_key"`
	}{
		BaseAsset:      req.BaseAsset,
		Destination:    req.Destination.Hex(),
		MinOut:         req.MinOut.String(),
		IdempotencyKey: req.IdempotencyKey,
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return domain.LiquidationReceipt{}, fmt.Errorf("execution: liquidate %s: %w", req.ExecutionID, err)
	}

	var resp struct {
		ExecutionID  string    `json:"execution_id"`
		TxID         string    `json:"tx_id"`
		EstimatedOut string    `json:"estimated_out"`
		SubmittedAt  time.Time `json:"submitted_at"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.LiquidationReceipt{}, fmt.Errorf("execution: decode liquidation receipt: %w", err)
	}

	estimated, err := decimal.NewFromString(resp.EstimatedOut)
	if err != nil {
		return domain.LiquidationReceipt{}, fmt.Errorf("execution: parse estimated_out %q: %w", resp.EstimatedOut, err)
	}

	return domain.LiquidationReceipt{
		ExecutionID:  resp.ExecutionID,
		TxID:         resp.TxID,
		EstimatedOut: estimated,
		SubmittedAt:  resp.SubmittedAt,
	}, nil
}

// doSignedRequest builds, signs (HMAC), sends, and reads an HTTP request
// against the execution ledger API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var jsonBody []byte
	var bodyReader io.Reader
	if reqBody != nil {
		var err error
		jsonBody, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	for k, v := range c.auth.Headers(method, path, string(jsonBody)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkStatus maps non-2xx responses to domain errors.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case apiErr.Code == "not_liquidatable":
		return fmt.Errorf("%w: %s", domain.ErrNotLiquidatable, apiErr.Message)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrLedgerUnavailable, statusCode, apiErr.Message)
	default:
		return fmt.Errorf("execution: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}

// Compile-time interface check.
var _ domain.ExecutionGateway = (*Client)(nil)
