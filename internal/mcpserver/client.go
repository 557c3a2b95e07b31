package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config holds the configuration for connecting to the scoring API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // Per-request timeout; training can be slow
}

// APIClient is an HTTP client for the scoring API.
type APIClient struct {
	http *resty.Client
}

// NewAPIClient creates a new client for the scoring API.
func NewAPIClient(cfg Config) *APIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &APIClient{
		http: resty.New().
			SetBaseURL(cfg.APIURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *APIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		var apiErr apiError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode(), apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode(), resp.String())
	}

	return json.RawMessage(resp.Body()), nil
}

// QueryArgs are the filters for QueryTransactions. Zero values are omitted.
type QueryArgs struct {
	UserID        string
	RiskLevel     string
	Source        string
	OnlyAnomalies bool
	Start         string
	End           string
	Limit         int
	Cursor        string
}

func (a QueryArgs) values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("user_id", a.UserID)
	set("risk_level", a.RiskLevel)
	set("source", a.Source)
	set("start", a.Start)
	set("end", a.End)
	set("cursor", a.Cursor)
	if a.OnlyAnomalies {
		q.Set("only_anomalies", "true")
	}
	if a.Limit > 0 {
		q.Set("limit", strconv.Itoa(a.Limit))
	}
	return q
}

// QueryTransactions lists stored transactions matching the filters.
func (c *APIClient) QueryTransactions(ctx context.Context, args QueryArgs) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions", args.values(), nil)
}

// ExplainTransaction returns the explanation for a scored transaction.
func (c *APIClient) ExplainTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id)+"/explain", nil, nil)
}

// GetStatistics returns warehouse-wide statistics.
func (c *APIClient) GetStatistics(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/statistics", nil, nil)
}

// GetUserProfile returns the running profile of one user.
func (c *APIClient) GetUserProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/profile", nil, nil)
}

// TrainModel fits a new model. A nil contamination uses the server default.
func (c *APIClient) TrainModel(ctx context.Context, contamination *float64, variant string) (json.RawMessage, error) {
	body := map[string]any{}
	if contamination != nil {
		body["contamination"] = *contamination
	}
	if variant != "" {
		body["variant"] = variant
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/model/train", nil, body)
}

// ScoreAll scores every transaction not yet scored by the active model.
func (c *APIClient) ScoreAll(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/model/score", nil, nil)
}
