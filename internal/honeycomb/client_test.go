package honeycomb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/choobs96/token-overlay/internal/config"
)

// MockRoundTripper implements http.RoundTripper for testing
type MockRoundTripper struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}

func newTestClient(rt http.RoundTripper) *Client {
	c := New(&config.Config{
		APIKey:      "test-key",
		UserEmail:   "user@example.com",
		Dataset:     "claude-code",
		Environment: "production",
	})
	c.httpClient = &http.Client{Transport: rt}
	return c
}

func jsonResponse(status int, body any) *http.Response {
	data, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// resultsBody builds a completed query result with the given rows.
func resultsBody(complete bool, rows ...map[string]any) map[string]any {
	results := make([]map[string]any, len(rows))
	for i, r := range rows {
		results[i] = map[string]any{"data": r}
	}
	return map[string]any{
		"complete": complete,
		"data":     map[string]any{"results": results},
	}
}

func TestFetchWindow_ThreeStepFlow(t *testing.T) {
	var polls atomic.Int32
	rt := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("X-Honeycomb-Team") != "test-key" {
				t.Errorf("missing auth header on %s", req.URL.Path)
			}
			if got := req.URL.Query().Get("environment"); got != "production" {
				t.Errorf("environment param = %q, want production", got)
			}

			switch {
			case req.Method == http.MethodPost && req.URL.Path == "/1/queries/claude-code":
				var spec map[string]any
				if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
					t.Fatalf("bad query spec: %v", err)
				}
				if spec["breakdowns"].([]any)[0] != "model" {
					t.Errorf("breakdowns = %v, want [model]", spec["breakdowns"])
				}
				return jsonResponse(http.StatusCreated, map[string]string{"id": "query-1"}), nil

			case req.Method == http.MethodPost && req.URL.Path == "/1/query_results/claude-code":
				var body map[string]string
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					t.Fatalf("bad run body: %v", err)
				}
				if body["query_id"] != "query-1" {
					t.Errorf("query_id = %q, want query-1", body["query_id"])
				}
				return jsonResponse(http.StatusCreated, map[string]string{"id": "result-1"}), nil

			case req.Method == http.MethodGet && req.URL.Path == "/1/query_results/claude-code/result-1":
				// Incomplete on the first two polls.
				if polls.Add(1) < 3 {
					return jsonResponse(http.StatusOK, resultsBody(false)), nil
				}
				return jsonResponse(http.StatusOK, resultsBody(true,
					map[string]any{
						"model":                              "claude-opus-4-5-20251101",
						"SUM(claude_code.tokens.input)":      1000.0,
						"SUM(claude_code.tokens.output)":     500.0,
						"SUM(claude_code.tokens.cache_read)": 200.0,
						"SUM(claude_code.cost.usage)":        1.25,
						"COUNT":                              12.0,
					},
				)), nil
			}
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
			return nil, nil
		},
	}

	c := newTestClient(rt)
	start := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	events, err := c.FetchWindow(context.Background(), start, end)
	if err != nil {
		t.Fatalf("FetchWindow() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	ev := events[0]
	if ev.Model != "claude-opus-4-5-20251101" {
		t.Errorf("Model = %q", ev.Model)
	}
	if ev.InputTokens != 1000 || ev.OutputTokens != 500 || ev.CachedTokens != 200 {
		t.Errorf("tokens = %d/%d/%d, want 1000/500/200", ev.InputTokens, ev.OutputTokens, ev.CachedTokens)
	}
	if ev.Cost == nil || *ev.Cost != 1.25 {
		t.Errorf("Cost = %v, want 1.25", ev.Cost)
	}
	if !ev.Timestamp.Equal(start) {
		t.Errorf("Timestamp = %v, want window start %v", ev.Timestamp, start)
	}
	if got := polls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestFetchWindow_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		resp func(req *http.Request) (*http.Response, error)
		want ErrorKind
	}{
		{
			name: "Unauthorized",
			resp: func(_ *http.Request) (*http.Response, error) {
				return textResponse(http.StatusUnauthorized, "bad key"), nil
			},
			want: KindAuth,
		},
		{
			name: "Forbidden",
			resp: func(_ *http.Request) (*http.Response, error) {
				return textResponse(http.StatusForbidden, "forbidden"), nil
			},
			want: KindAuth,
		},
		{
			name: "DatasetNotFound",
			resp: func(_ *http.Request) (*http.Response, error) {
				return textResponse(http.StatusNotFound, "no such dataset"), nil
			},
			want: KindNotFound,
		},
		{
			name: "ServerError",
			resp: func(_ *http.Request) (*http.Response, error) {
				return textResponse(http.StatusInternalServerError, "boom"), nil
			},
			want: KindTransport,
		},
		{
			name: "GarbageBody",
			resp: func(_ *http.Request) (*http.Response, error) {
				return textResponse(http.StatusOK, "<html>not json</html>"), nil
			},
			want: KindMalformed,
		},
		{
			name: "DeadlineExceeded",
			resp: func(req *http.Request) (*http.Response, error) {
				return nil, &url.Error{Op: "Post", URL: req.URL.String(), Err: context.DeadlineExceeded}
			},
			want: KindTimeout,
		},
		{
			name: "ConnectionRefused",
			resp: func(req *http.Request) (*http.Response, error) {
				return nil, &url.Error{Op: "Post", URL: req.URL.String(), Err: errors.New("connection refused")}
			},
			want: KindTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(&MockRoundTripper{RoundTripFunc: tt.resp})

			_, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
			if err == nil {
				t.Fatal("FetchWindow() returned nil error")
			}
			if got := Kind(err); got != tt.want {
				t.Errorf("Kind(err) = %v, want %v (err: %v)", got, tt.want, err)
			}
		})
	}
}

func TestFetchWindow_NegativeTokensMalformed(t *testing.T) {
	step := 0
	rt := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			step++
			switch step {
			case 1, 2:
				return jsonResponse(http.StatusCreated, map[string]string{"id": fmt.Sprintf("id-%d", step)}), nil
			default:
				return jsonResponse(http.StatusOK, resultsBody(true,
					map[string]any{
						"model":                         "claude-opus-4-5-20251101",
						"SUM(claude_code.tokens.input)": -5.0,
						"COUNT":                         1.0,
					},
				)), nil
			}
		},
	}

	c := newTestClient(rt)
	_, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if Kind(err) != KindMalformed {
		t.Errorf("Kind(err) = %v, want KindMalformed (err: %v)", Kind(err), err)
	}
}

func TestFetchWindow_SkipsCatchAllRow(t *testing.T) {
	step := 0
	rt := &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			step++
			switch step {
			case 1, 2:
				return jsonResponse(http.StatusCreated, map[string]string{"id": fmt.Sprintf("id-%d", step)}), nil
			default:
				return jsonResponse(http.StatusOK, resultsBody(true,
					map[string]any{"model": "", "COUNT": 0.0},
					map[string]any{
						"model":                         "claude-haiku-4-5-20251001",
						"SUM(claude_code.tokens.input)": 10.0,
						"COUNT":                         1.0,
					},
				)), nil
			}
		},
	}

	c := newTestClient(rt)
	events, err := c.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("FetchWindow() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1 (catch-all row not skipped)", len(events))
	}
	if events[0].Cost != nil {
		t.Error("Cost set without a backend-reported value")
	}
}

func TestErrorKindString(t *testing.T) {
	kinds := map[ErrorKind]string{
		KindUnknown:   "unknown",
		KindAuth:      "auth",
		KindNotFound:  "not_found",
		KindTimeout:   "timeout",
		KindTransport: "transport",
		KindMalformed: "malformed_response",
	}
	for kind, want := range kinds {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}

func TestKind_UnclassifiedError(t *testing.T) {
	if got := Kind(errors.New("plain")); got != KindUnknown {
		t.Errorf("Kind(plain error) = %v, want KindUnknown", got)
	}
}
