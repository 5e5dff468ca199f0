// Package httpclient implements the retrying HTTP client (C1) used for both
// SPARQL queries and feature-service requests. Both operations retry on
// transient network errors and on non-2xx responses using exponential
// backoff over a total time budget, and detect the feature service's habit
// of returning HTTP 200 with an embedded JSON "error" object.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/config"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
)

// Config configures a Client.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	HTTP    config.HTTPConfig
	Limiter *rate.Limiter // optional; built from HTTP.RateLimitPerSecond if nil
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HTTP.RequestTimeout <= 0 {
		return errors.New("request timeout must be greater than 0")
	}
	if c.HTTP.BackoffBudget <= 0 {
		return errors.New("backoff budget must be greater than 0")
	}
	if c.Limiter == nil {
		rps := c.HTTP.RateLimitPerSecond
		if rps <= 0 {
			rps = 10
		}
		c.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return nil
}

// Client is the retrying HTTP client (C1).
type Client struct {
	log     *slog.Logger
	clock   clockwork.Clock
	http    *http.Client
	bulk    *http.Client
	cfg     Config
	limiter *rate.Limiter
}

// New constructs a Client from cfg.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		http:    &http.Client{Timeout: cfg.HTTP.RequestTimeout},
		bulk:    &http.Client{Timeout: cfg.HTTP.BulkRequestTimeout},
		cfg:     cfg,
		limiter: cfg.Limiter,
	}, nil
}

// SparqlResult is the decoded SPARQL JSON results format
// (https://www.w3.org/TR/sparql11-results-json/).
type SparqlResult struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []map[string]SparqlBinding `json:"bindings"`
	} `json:"results"`
}

// SparqlBinding is one bound value in a SPARQL result row.
type SparqlBinding struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Rows flattens the SPARQL JSON results format into one binding-name ->
// value map per row, satisfying internal/paginate's SparqlResult interface.
func (r *SparqlResult) Rows() []map[string]string {
	rows := make([]map[string]string, len(r.Results.Bindings))
	for i, binding := range r.Results.Bindings {
		row := make(map[string]string, len(binding))
		for k, v := range binding {
			row[k] = v.Value
		}
		rows[i] = row
	}
	return rows
}

// SparqlPost sends query as the request body with content type
// application/sparql-query and decodes the SPARQL JSON results response.
func (c *Client) SparqlPost(ctx context.Context, endpoint, query string) (*SparqlResult, error) {
	var result SparqlResult
	op := "sparql_post"
	err := c.withRetry(ctx, op, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(query))
		if err != nil {
			return false, &errs.RemoteFatal{Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/sparql-query")
		req.Header.Set("Accept", "application/sparql-results+json")

		body, status, err := c.do(ctx, c.http, req)
		if err != nil {
			return true, &errs.TransientRemote{Op: op, Err: err}
		}
		if status == http.StatusUnauthorized {
			return false, &errs.AuthExpired{Op: op}
		}
		if status < 200 || status >= 300 {
			return classifyStatus(op, status, body)
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return false, &errs.DataIntegrity{Op: op, Err: fmt.Errorf("decode sparql json results: %w", err)}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ServiceRequest issues a query or mutation against the ESRI-style feature
// service and returns the parsed JSON body. A 200 response whose body
// contains an "error" object is treated as transient unless its code is 498
// (AuthExpired, surfaced so callers can refresh a token and retry once).
func (c *Client) ServiceRequest(ctx context.Context, method, target string, form url.Values) (map[string]any, error) {
	var result map[string]any
	op := fmt.Sprintf("service_request:%s", target)
	httpClient := c.http
	err := c.withRetry(ctx, op, func() (bool, error) {
		var req *http.Request
		var err error
		if method == http.MethodGet {
			u := target
			if len(form) > 0 {
				u = target + "?" + form.Encode()
			}
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		} else {
			req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
			if err == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return false, &errs.RemoteFatal{Op: op, Err: err}
		}

		body, status, err := c.do(ctx, httpClient, req)
		if err != nil {
			return true, &errs.TransientRemote{Op: op, Err: err}
		}
		if status == http.StatusUnauthorized {
			return false, &errs.AuthExpired{Op: op}
		}
		if status < 200 || status >= 300 {
			return classifyStatus(op, status, body)
		}

		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return false, &errs.DataIntegrity{Op: op, Err: fmt.Errorf("decode feature service json: %w", err)}
		}
		if errObj, ok := decoded["error"].(map[string]any); ok {
			code, _ := errObj["code"].(float64)
			if int(code) == 498 {
				return false, &errs.AuthExpired{Op: op}
			}
			return true, &errs.TransientRemote{Op: op, Err: fmt.Errorf("feature service error: %v", errObj)}
		}
		result = decoded
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BulkServiceRequest issues a form POST through the client configured with
// the longer bulk-mutation timeout, used by the sync engine's applyEdits posts.
func (c *Client) BulkServiceRequest(ctx context.Context, target string, form url.Values) (map[string]any, error) {
	var result map[string]any
	op := fmt.Sprintf("bulk_service_request:%s", target)
	err := c.withRetry(ctx, op, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return false, &errs.RemoteFatal{Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		body, status, err := c.do(ctx, c.bulk, req)
		if err != nil {
			return true, &errs.TransientRemote{Op: op, Err: err}
		}
		if status == http.StatusUnauthorized {
			return false, &errs.AuthExpired{Op: op}
		}
		if status < 200 || status >= 300 {
			return classifyStatus(op, status, body)
		}

		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return false, &errs.DataIntegrity{Op: op, Err: fmt.Errorf("decode applyEdits response: %w", err)}
		}
		if errObj, ok := decoded["error"].(map[string]any); ok {
			code, _ := errObj["code"].(float64)
			if int(code) == 498 {
				return false, &errs.AuthExpired{Op: op}
			}
			return true, &errs.TransientRemote{Op: op, Err: fmt.Errorf("feature service error: %v", errObj)}
		}
		result = decoded
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func classifyStatus(op string, status int, body []byte) (bool, error) {
	if status == 498 {
		return false, &errs.AuthExpired{Op: op}
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return true, &errs.TransientRemote{Op: op, Err: fmt.Errorf("status %d: %s", status, truncate(body))}
	}
	return false, &errs.RemoteFatal{Op: op, Err: fmt.Errorf("status %d: %s", status, truncate(body))}
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "...(truncated)"
	}
	return string(b)
}

func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// withRetry runs fn with exponential backoff + jitter until it succeeds, a
// non-retryable error is returned, the backoff budget is exhausted, or ctx
// is cancelled. fn returns (retryable, err).
func (c *Client) withRetry(ctx context.Context, op string, fn func() (retryable bool, err error)) error {
	deadline := c.clock.Now().Add(c.cfg.HTTP.BackoffBudget)
	attempt := 0
	base := 1000 // ms
	const maxBackoffMS = 60_000

	for {
		attempt++
		retryable, err := fn()
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		if c.clock.Now().After(deadline) {
			return &errs.RemoteFatal{Op: op, Err: fmt.Errorf("backoff budget exhausted after %d attempts: %w", attempt, err)}
		}

		backoffMS := base << uint(min(attempt-1, 10))
		if backoffMS > maxBackoffMS {
			backoffMS = maxBackoffMS
		}
		jitter := 0.5 + rand.Float64()*0.5
		wait := durationMS(float64(backoffMS) * jitter)

		c.log.Warn("backing off after transient error", "op", op, "attempt", attempt, "wait", wait, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func durationMS(ms float64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
