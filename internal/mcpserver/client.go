package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config points the tools at a running scoring API.
type Config struct {
	APIURL   string // e.g. "http://localhost:8080"
	User     string // empty when the API runs without basic auth
	Password string
}

// Client calls the scoring API over HTTP. It holds no state of its own.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient returns a Client with a 30s request timeout.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Detail)
}

// newAPIError prefers the body's message, then its error code, then the
// raw body.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	detail := string(body)
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			detail = payload.Message
		} else if payload.Error != "" {
			detail = payload.Error
		}
	}
	return &APIError{Status: status, Detail: detail}
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	target := c.cfg.APIURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, newAPIError(resp.StatusCode, raw)
	}
	return raw, nil
}

// TransactionRequest is the body of a scoring call.
type TransactionRequest struct {
	ID         int64  `json:"id"`
	MerchantID int64  `json:"merchant_id"`
	UserID     int64  `json:"user_id"`
	DeviceID   *int64 `json:"device_id,omitempty"`
	CardNumber string `json:"card_number"`
	Date       string `json:"date"`
	Amount     string `json:"amount"`
}

// Score scores a transaction. With persist it is recorded; otherwise it is a
// dry run that leaves no trace.
func (c *Client) Score(ctx context.Context, tx TransactionRequest, persist bool) (json.RawMessage, error) {
	path := "/v1/recommendations"
	if persist {
		path = "/v1/transactions"
	}
	return c.call(ctx, http.MethodPost, path, nil, map[string]any{"transaction": tx})
}

// GetTransaction returns a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, "/v1/transactions/"+strconv.FormatInt(id, 10), nil, nil)
}

// FlagChargeback marks a transaction as charged back.
func (c *Client) FlagChargeback(ctx context.Context, id int64) (json.RawMessage, error) {
	path := "/v1/transactions/" + strconv.FormatInt(id, 10) + "/chargeback"
	return c.call(ctx, http.MethodPatch, path, nil, nil)
}

// ListUserTransactions returns a page of a user's transactions, newest first.
func (c *Client) ListUserTransactions(ctx context.Context, userID int64, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/users/" + strconv.FormatInt(userID, 10) + "/transactions"
	return c.call(ctx, http.MethodGet, path, q, nil)
}

// ListRules describes the active rule set, or version when given.
func (c *Client) ListRules(ctx context.Context, version string) (json.RawMessage, error) {
	q := url.Values{}
	if version != "" {
		q.Set("version", version)
	}
	return c.call(ctx, http.MethodGet, "/v1/rules", q, nil)
}
