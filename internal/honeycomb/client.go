// Package honeycomb implements the query client for the Honeycomb
// analytics API: create a query, run it, poll for the result.
package honeycomb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/choobs96/token-overlay/internal/config"
	"github.com/choobs96/token-overlay/internal/logger"
	"github.com/choobs96/token-overlay/internal/models"
)

const (
	defaultBaseURL = "https://api.honeycomb.io"

	// Columns emitted by the Claude Code telemetry exporter.
	colInputTokens  = "claude_code.tokens.input"
	colOutputTokens = "claude_code.tokens.output"
	colCachedTokens = "claude_code.tokens.cache_read"
	colCost         = "claude_code.cost.usage"

	breakdownLimit = 100

	pollDelay    = 300 * time.Millisecond
	maxPollTries = 15
)

// Client issues time-bounded usage queries for a single user. It holds
// no mutable state; every fetch is a pure network round trip.
type Client struct {
	baseURL     string
	apiKey      string
	dataset     string
	environment string
	userEmail   string
	httpClient  *http.Client
}

// New creates a query client from the loaded configuration.
func New(cfg *config.Config) *Client {
	return &Client{
		baseURL:     defaultBaseURL,
		apiKey:      cfg.APIKey,
		dataset:     cfg.Dataset,
		environment: cfg.Environment,
		userEmail:   cfg.UserEmail,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// querySpec is the body of the create-query request.
type querySpec struct {
	Calculations []calculation `json:"calculations"`
	Filters      []filter      `json:"filters"`
	Breakdowns   []string      `json:"breakdowns,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	StartTime    int64         `json:"start_time"`
	EndTime      int64         `json:"end_time"`
}

type calculation struct {
	Op     string `json:"op"`
	Column string `json:"column,omitempty"`
}

type filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  string `json:"value"`
}

type createResponse struct {
	ID string `json:"id"`
}

// resultRow is one breakdown row of a completed query. The SUM keys are
// the literal column names Honeycomb echoes back.
type resultRow struct {
	Model        string   `json:"model"`
	InputTokens  *float64 `json:"SUM(claude_code.tokens.input)"`
	OutputTokens *float64 `json:"SUM(claude_code.tokens.output)"`
	CachedTokens *float64 `json:"SUM(claude_code.tokens.cache_read)"`
	Cost         *float64 `json:"SUM(claude_code.cost.usage)"`
	Count        *float64 `json:"COUNT"`
}

type queryResults struct {
	Complete bool `json:"complete"`
	Data     struct {
		Results []struct {
			Data resultRow `json:"data"`
		} `json:"results"`
	} `json:"data"`
}

// FetchWindow runs one aggregate query over [start, end) grouped by
// model and returns the rows as usage events stamped with the window
// start. The call blocks until the query completes or ctx expires.
func (c *Client) FetchWindow(ctx context.Context, start, end time.Time) ([]models.UsageEvent, error) {
	spec := querySpec{
		Calculations: []calculation{
			{Op: "SUM", Column: colInputTokens},
			{Op: "SUM", Column: colOutputTokens},
			{Op: "SUM", Column: colCachedTokens},
			{Op: "SUM", Column: colCost},
			{Op: "COUNT"},
		},
		Filters: []filter{
			{Column: "user.email", Op: "=", Value: c.userEmail},
		},
		Breakdowns: []string{"model"},
		Limit:      breakdownLimit,
		StartTime:  start.UTC().Unix(),
		EndTime:    end.UTC().Unix(),
	}

	queryID, err := c.createQuery(ctx, spec)
	if err != nil {
		return nil, err
	}

	resultID, err := c.runQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}

	results, err := c.pollResults(ctx, resultID)
	if err != nil {
		return nil, err
	}

	return rowsToEvents(results, start)
}

// createQuery is step 1: register the query spec with the dataset.
func (c *Client) createQuery(ctx context.Context, spec querySpec) (string, error) {
	var resp createResponse
	path := fmt.Sprintf("/1/queries/%s", url.PathEscape(c.dataset))
	if err := c.do(ctx, http.MethodPost, path, spec, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &APIError{Kind: KindMalformed, Message: "create query response missing id"}
	}
	return resp.ID, nil
}

// runQuery is step 2: start an execution of the registered query.
func (c *Client) runQuery(ctx context.Context, queryID string) (string, error) {
	var resp createResponse
	path := fmt.Sprintf("/1/query_results/%s", url.PathEscape(c.dataset))
	body := map[string]string{"query_id": queryID}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &APIError{Kind: KindMalformed, Message: "run query response missing result id"}
	}
	return resp.ID, nil
}

/// pollResults is step 3: poll the result until the backend marks it
// complete. The retry policy retries incomplete results with a fixed
// delay up to a bounded number of attempts.
func (c *Client) pollResults(ctx context.Context, resultID string) (*queryResults, error) {
	rp := retrypolicy.NewBuilder[*queryResults]().
		HandleIf(func(r *queryResults, err error) bool {
			return err == nil && r != nil && !r.Complete
		}).
		WithDelay(pollDelay).
		WithMaxRetries(maxPollTries).
		Build()

	path := fmt.Sprintf("/1/query_results/%s/%s", url.PathEscape(c.dataset), url.PathEscape(resultID))

	results, err := failsafe.With(rp).WithContext(ctx).Get(func() (*queryResults, error) {
		var r queryResults
		if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		if errors.Is(err, retrypolicy.ErrExceeded) {
			return nil, &APIError{Kind: KindTimeout, Message: "query result never completed", Err: err}
		}
		return nil, err
	}
	if !results.Complete {
		return nil, &APIError{Kind: KindTimeout, Message: "query result never completed"}
	}
	return results, nil
}

// rowsToEvents converts breakdown rows into usage events. Rows with an
// empty model and zero counts are skipped (Honeycomb emits a catch-all
// row for events outside the breakdown limit).
func rowsToEvents(results *queryResults, windowStart time.Time) ([]models.UsageEvent, error) {
	events := make([]models.UsageEvent, 0, len(results.Data.Results))
	for _, item := range results.Data.Results {
		row := item.Data
		if row.Model == "" && floatOrZero(row.Count) == 0 {
			continue
		}

		in := floatOrZero(row.InputTokens)
		out := floatOrZero(row.OutputTokens)
		cached := floatOrZero(row.CachedTokens)
		if in < 0 || out < 0 || cached < 0 {
			return nil, &APIError{
				Kind:    KindMalformed,
				Message: fmt.Sprintf("negative token count for model %q", row.Model),
			}
		}

		ev := models.UsageEvent{
			Timestamp:    windowStart,
			Model:        row.Model,
			InputTokens:  int64(in),
			OutputTokens: int64(out),
			CachedTokens: int64(cached),
		}
		if row.Cost != nil {
			cost := *row.Cost
			ev.Cost = &cost
		}
		events = append(events, ev)
	}
	return events, nil
}

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// do performs one authenticated round trip and decodes the response,
// classifying every failure mode into the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u := fmt.Sprintf("%s%s?environment=%s", c.baseURL, path, url.QueryEscape(c.environment))

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Honeycomb-Team", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindAuth, Status: resp.StatusCode, Message: "API key rejected"}
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{
			Kind:    KindNotFound,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("dataset %q or environment %q not found", c.dataset, c.environment),
		}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return &APIError{Kind: KindTransport, Status: resp.StatusCode, Message: truncate(string(data), 200)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &APIError{Kind: KindMalformed, Message: "failed to decode response", Err: err}
		}
	}
	return nil
}

// classifyTransport distinguishes deadline expiry from other network
// failures.
func classifyTransport(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Kind: KindTimeout, Message: "request deadline exceeded", Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &APIError{Kind: KindTimeout, Message: "network timeout", Err: err}
	default:
		return &APIError{Kind: KindTransport, Message: "request failed", Err: err}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
