// Package custody implements the REST client for the custody ledger API.
package custody

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

	"github.com/shopspring/decimal"

	"github.com/rangekeeperhq/rangekeeper/internal/crypto"
	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// Client is the HMAC-authenticated REST client for the custody ledger.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// NewClient creates a new custody ledger client.
//
// baseURL is the API root, e.g. "https://custody.rangekeeper.internal/api/v1".
func NewClient(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// DispatchInvestment earmarks funds on the custody ledger and dispatches the
// cross-ledger investment message. Returns the custody-assigned position id.
func (c *Client) DispatchInvestment(ctx context.Context, req domain.InvestmentRequest) (string, error) {
	payload := investRequestJSON{
		UserID:         req.UserID,
		Wallet:         req.Wallet.Hex(),
		PoolID:         req.PoolID,
		BaseAsset:      req.BaseAsset,
		Amount:         req.Amount.String(),
		LowerRangePct:  req.LowerRangePct,
		UpperRangePct:  req.UpperRangePct,
		IdempotencyKey: req.IdempotencyKey,
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/positions/invest", payload)
	if err != nil {
		return "", fmt.Errorf("custody: dispatch investment: %w", err)
	}

	var resp struct {
		PositionID string `json:"position_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("custody: decode invest response: %w", err)
	}
	if resp.PositionID == "" {
		return "", errors.New("custody: invest response missing position_id")
	}

	return resp.PositionID, nil
}

// ConfirmExecution records the execution-side identifiers on the custody
// ledger. Confirming an already-confirmed position is a no-op.
func (c *Client) ConfirmExecution(ctx context.Context, positionID, executionID string, liquidity decimal.Decimal) error {
	path := fmt.Sprintf("/positions/%s/confirm", url.PathEscape(positionID))
	payload := struct {
		ExecutionID string `json:"execution_id"`
		Liquidity   string `json:"liquidity"`
	}{ExecutionID: executionID, Liquidity: liquidity.String()}

	_, err := c.doSignedRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		// The ledger reports a repeat confirmation as a conflict; the caller
		// treats it as success.
		if errors.Is(err, errAlreadyConfirmed) {
			return nil
		}
		return fmt.Errorf("custody: confirm execution %s: %w", positionID, err)
	}

	return nil
}

// SettleLiquidation asks the custody ledger to credit the returned amount
// against the position.
func (c *Client) SettleLiquidation(ctx context.Context, positionID string, received decimal.Decimal) error {
	path := fmt.Sprintf("/positions/%s/settle", url.PathEscape(positionID))
	payload := struct {
		Received string `json:"received"`
	}{Received: received.String()}

	if _, err := c.doSignedRequest(ctx, http.MethodPost, path, payload); err != nil {
		return fmt.Errorf("custody: settle liquidation %s: %w", positionID, err)
	}

	return nil
}

// ListPositions returns every position the custody ledger holds for the user.
func (c *Client) ListPositions(ctx context.Context, userID string) ([]domain.LedgerPosition, error) {
	params := url.Values{}
	params.Set("user_id", userID)
	path := "/positions?" + params.Encode()

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: list positions for %s: %w", userID, err)
	}

	var resp struct {
		Positions []ledgerPositionJSON `json:"positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("custody: decode positions: %w", err)
	}

	out := make([]domain.LedgerPosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		pos, err := p.toDomain()
		if err != nil {
			return nil, fmt.Errorf("custody: position %s: %w", p.ID, err)
		}
		out = append(out, pos)
	}

	return out, nil
}

// GetAvailableBalance returns the user's undeployed capital on the custody
// ledger, denominated in the vault base asset.
func (c *Client) GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("user_id", userID)
	path := "/balances?" + params.Encode()

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custody: balance for %s: %w", userID, err)
	}

	var resp struct {
		Available string `json:"available"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("custody: decode balance: %w", err)
	}
	available, err := decimal.NewFromString(resp.Available)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custody: parse balance %q: %w", resp.Available, err)
	}

	return available, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// errAlreadyConfirmed marks the conflict response for a repeat confirmation.
var errAlreadyConfirmed = errors.New("custody: execution already confirmed")

// doSignedRequest builds, signs (HMAC), sends, and reads an HTTP request
// against the custody ledger API.
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

	fullURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
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

// apiError is the custody ledger's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// checkStatus maps non-2xx responses to domain sentinels where the ledger
// reports a permanent validation error, and to ErrLedgerUnavailable for
// transient server-side failures.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch apiErr.Code {
	case "insufficient_balance":
		return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, apiErr.Message)
	case "range_invalid":
		return fmt.Errorf("%w: %s", domain.ErrRangeInvalid, apiErr.Message)
	case "chain_unsupported":
		return fmt.Errorf("%w: %s", domain.ErrChainUnsupported, apiErr.Message)
	case "not_liquidatable":
		return fmt.Errorf("%w: %s", domain.ErrNotLiquidatable, apiErr.Message)
	case "already_confirmed":
		return errAlreadyConfirmed
	}

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
	case statusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, apiErr.Message)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrLedgerUnavailable, statusCode, apiErr.Message)
	default:
		return fmt.Errorf("custody: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}

// Compile-time interface check.
var _ domain.CustodyGateway = (*Client)(nil)
