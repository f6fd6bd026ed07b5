package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the LoanLens API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// Client is a plain HTTP client for the LoanLens session API.
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
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CreateSessionParams is the body of POST /v1/sessions.
type CreateSessionParams struct {
	Amount          float64 `json:"amount"`
	TermDays        int     `json:"termDays"`
	Jurisdiction    string  `json:"jurisdiction"`
	ResearchConsent bool    `json:"researchConsent"`
	Anonymized      bool    `json:"anonymized"`
}

// CreateSession starts a new simulated loan session.
func (c *Client) CreateSession(ctx context.Context, p CreateSessionParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions", nil, p)
}

// GetSession returns a session, with its event log when withEvents is set.
func (c *Client) GetSession(ctx context.Context, id string, withEvents bool) (json.RawMessage, error) {
	var q url.Values
	if withEvents {
		q = url.Values{"events": {"true"}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), q, nil)
}

// GetAnalytics returns the analysis report for a session.
func (c *Client) GetAnalytics(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id)+"/analytics", nil, nil)
}

// AdvancePhase moves a session to the given phase.
func (c *Client) AdvancePhase(ctx context.Context, id, phase string) (json.RawMessage, error) {
	body := map[string]string{"phase": phase}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/phase", nil, body)
}

// ListPatterns lists catalog patterns, optionally filtered by category.
func (c *Client) ListPatterns(ctx context.Context, category string) (json.RawMessage, error) {
	var q url.Values
	if category != "" {
		q = url.Values{"category": {category}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/patterns", q, nil)
}
