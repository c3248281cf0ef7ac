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

	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/scoring"
)

// Config holds the configuration for connecting to the credit risk API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret on admin routes
}

// Client is a pure HTTP client for the credit risk API.
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
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ProfileResponse is the body of the profile and recompute endpoints.
type ProfileResponse struct {
	Profile         *scoring.Profile `json:"profile"`
	BandDescription string           `json:"bandDescription"`
}

// ProfileList is one page of /v1/credit-profiles.
type ProfileList struct {
	Profiles   []*scoring.Profile `json:"profiles"`
	Count      int                `json:"count"`
	NextCursor string             `json:"next_cursor"`
	HasMore    bool               `json:"has_more"`
}

// ListParams narrows list_credit_profiles.
type ListParams struct {
	RiskBand string
	Stale    *bool
	Limit    int
	Cursor   string
}

// doRequest makes an HTTP request and decodes a successful JSON body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, admin bool, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if admin && c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(bytes.TrimSpace(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetProfile returns the stored credit profile for a customer.
func (c *Client) GetProfile(ctx context.Context, customerID string) (*ProfileResponse, error) {
	var out ProfileResponse
	path := "/v1/customers/" + url.PathEscape(customerID) + "/credit-profile"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExplainScore returns the per-rule breakdown of a customer's score.
func (c *Client) ExplainScore(ctx context.Context, customerID string) (*scoring.Explanation, error) {
	var out scoring.Explanation
	path := "/v1/customers/" + url.PathEscape(customerID) + "/credit-profile/explain"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recompute forces a fresh score for a customer.
func (c *Client) Recompute(ctx context.Context, customerID string) (*ProfileResponse, error) {
	var out ProfileResponse
	path := "/v1/customers/" + url.PathEscape(customerID) + "/recompute-score"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProfiles returns one page of profiles.
func (c *Client) ListProfiles(ctx context.Context, p ListParams) (*ProfileList, error) {
	q := url.Values{}
	if p.RiskBand != "" {
		q.Set("risk_band", p.RiskBand)
	}
	if p.Stale != nil {
		q.Set("stale", strconv.FormatBool(*p.Stale))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	var out ProfileList
	if err := c.doRequest(ctx, http.MethodGet, "/v1/credit-profiles", q, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary returns portfolio-wide score statistics.
func (c *Client) Summary(ctx context.Context) (*scoring.Summary, error) {
	var out struct {
		Summary *scoring.Summary `json:"summary"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/credit-profiles/summary", nil, false, &out); err != nil {
		return nil, err
	}
	if out.Summary == nil {
		return nil, fmt.Errorf("summary missing from response")
	}
	return out.Summary, nil
}

// FindCustomer looks a customer up by email.
func (c *Client) FindCustomer(ctx context.Context, email string) (*customers.Customer, error) {
	var out struct {
		Customers []*customers.Customer `json:"customers"`
	}
	q := url.Values{"email": {email}}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/customers", q, false, &out); err != nil {
		return nil, err
	}
	if len(out.Customers) == 0 {
		return nil, fmt.Errorf("no customer with email %s", email)
	}
	return out.Customers[0], nil
}
