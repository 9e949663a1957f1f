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

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // User access token (JWT)
}

// Client is a pure HTTP client for the escrow API. Every call acts as the
// user the token was issued to.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Payment json.RawMessage `json:"payment"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		// A duplicate initiate answers 409 with the job's active payment.
		if resp.StatusCode == http.StatusConflict && len(apiErr.Payment) > 0 {
			return json.RawMessage(respBody), nil
		}
		if apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// InitiatePayment places the escrow hold for a job's accepted bid.
func (c *Client) InitiatePayment(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/payment", nil, nil)
}

// GetPayment returns one payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, nil)
}

// ListPayments lists payments the user is party to.
func (c *Client) ListPayments(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/payments", q, nil)
}

// ApprovePayment releases a held payment to the freelancer.
func (c *Client) ApprovePayment(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/approve", nil, nil)
}

// DisputePayment voids a held payment back to the business.
func (c *Client) DisputePayment(ctx context.Context, paymentID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/dispute", nil, body)
}

// GetBalance returns the freelancer's balance summary.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/balance", nil, nil)
}

// RequestWithdrawal pays part of the available balance out.
func (c *Client) RequestWithdrawal(ctx context.Context, amount string) (json.RawMessage, error) {
	body := map[string]string{"amount": amount}
	return c.doRequest(ctx, http.MethodPost, "/v1/withdrawals", nil, body)
}

// ListWithdrawals lists the freelancer's withdrawals, newest first.
func (c *Client) ListWithdrawals(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/withdrawals", q, nil)
}

// GetPayoutAccount reports the payout onboarding state.
func (c *Client) GetPayoutAccount(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payout-account", nil, nil)
}
