// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package logsapi implements the AppMetrica Logs API export client.
//
// Exports are pulled as GET {host}/logs/v1/export/{source}.json requests.
// The API prepares large reports asynchronously: HTTP 202 means the report
// is still being built and the same request must be re-issued later. HTTP
// 429 is retried with exponential backoff. When a requested range is too
// large for the current parts_count, the API answers 400 (with a "too many
// rows" payload) or 413; both map to ErrTooManyParts so the adaptive loader
// can split the pull further.
package logsapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/logpump/internal/config"
	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/metrics"
)

// ErrTooManyParts is returned when the API rejects a request because the
// selected range holds too many rows for the current division count.
var ErrTooManyParts = errors.New("logs api: too many rows for requested parts count")

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 64 * 1024 // 64KB

// Batch is one decoded chunk of export rows.
type Batch []map[string]any

// PullRequest describes a single logical export pull. A nil DateSince and
// DateUntil means an unbounded "latest" pull. PartsCount splits the range
// into that many server-side parts, fetched sequentially.
type PullRequest struct {
	AppID         string
	Source        string
	Fields        []string
	DateSince     *time.Time
	DateUntil     *time.Time
	DateDimension string
	EventName     string
	PartsCount    int
}

// Puller is the pull surface consumed by the loader. Implemented by Client
// and by CircuitBreakerClient.
type Puller interface {
	Pull(ctx context.Context, req PullRequest, fn func(Batch) error) error
}

// Client talks to the AppMetrica Logs API.
//
// Thread safety: safe for concurrent use; each request is independent and
// the shared rate limiter is itself concurrency-safe.
type Client struct {
	host        string
	token       string
	client      *http.Client
	limiter     *rate.Limiter
	allowCached bool

	maxRetries     int           // retries on HTTP 429
	retryBaseDelay time.Duration // doubles each 429 retry
	pollInterval   time.Duration // wait between 202 re-requests
}

// NewClient creates a Logs API client from configuration.
func NewClient(cfg *config.AppMetricaConfig) *Client {
	return &Client{
		host:  strings.TrimRight(cfg.Host, "/"),
		token: cfg.Token,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		// The Logs API throttles aggressively; pace requests instead of
		// relying on 429 recovery alone.
		limiter:        rate.NewLimiter(rate.Every(time.Second), 1),
		allowCached:    cfg.AllowCached,
		maxRetries:     5,
		retryBaseDelay: time.Second,
		pollInterval:   10 * time.Second,
	}
}

// Pull fetches every part of the request sequentially, invoking fn once per
// decoded batch. A too-coarse parts count surfaces as ErrTooManyParts; no fn
// invocation happens for the failing part.
func (c *Client) Pull(ctx context.Context, req PullRequest, fn func(Batch) error) error {
	parts := req.PartsCount
	if parts < 1 {
		parts = 1
	}

	for part := 0; part < parts; part++ {
		batch, err := c.pullPart(ctx, req, parts, part)
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return fmt.Errorf("failed to consume %s batch: %w", req.Source, err)
		}
	}
	return nil
}

// pullPart fetches one part of the export, polling while the server is
// still preparing the report.
func (c *Client) pullPart(ctx context.Context, req PullRequest, parts, part int) (Batch, error) {
	reqURL := c.buildURL(req, parts, part)

	start := time.Now()
	batch, err := c.fetch(ctx, req.Source, reqURL)
	metrics.APIRequestDuration.WithLabelValues(req.Source).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.APIRequestsTotal.WithLabelValues(req.Source, "ok").Inc()
	case errors.Is(err, ErrTooManyParts):
		metrics.APIRequestsTotal.WithLabelValues(req.Source, "too_many_parts").Inc()
	default:
		metrics.APIRequestsTotal.WithLabelValues(req.Source, "error").Inc()
	}
	return batch, err
}

// buildURL assembles the export request URL.
func (c *Client) buildURL(req PullRequest, parts, part int) string {
	params := url.Values{}
	params.Set("application_id", req.AppID)
	params.Set("fields", strings.Join(req.Fields, ","))
	if req.DateSince != nil {
		params.Set("date_since", req.DateSince.Format("2006-01-02 15:04:05"))
	}
	if req.DateUntil != nil {
		params.Set("date_until", req.DateUntil.Format("2006-01-02 15:04:05"))
	}
	if req.DateDimension != "" {
		params.Set("date_dimension", req.DateDimension)
	}
	if req.EventName != "" {
		params.Set("event_name", req.EventName)
	}
	if parts > 1 {
		params.Set("parts_count", strconv.Itoa(parts))
		params.Set("part_number", strconv.Itoa(part))
	}
	return fmt.Sprintf("%s/logs/v1/export/%s.json?%s", c.host, req.Source, params.Encode())
}

// fetch issues the request, handling 202 preparation polling and 429
// backoff. Returns the decoded batch on 200.
func (c *Client) fetch(ctx context.Context, source, reqURL string) (Batch, error) {
	rateAttempt := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.doRequest(ctx, reqURL)
		if err != nil {
			return nil, fmt.Errorf("%s export request failed: %w", source, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			defer resp.Body.Close()
			return decodeBatch(resp.Body)

		case http.StatusAccepted:
			// Report is still being prepared server-side; re-issue the
			// identical request after a pause.
			closeBody(resp)
			logging.Debug().Str("source", source).Msg("Export not ready yet, polling")
			if err := sleepCtx(ctx, c.pollInterval); err != nil {
				return nil, err
			}

		case http.StatusTooManyRequests:
			closeBody(resp)
			if rateAttempt == c.maxRetries {
				metrics.APIRequestsTotal.WithLabelValues(source, "rate_limited").Inc()
				return nil, fmt.Errorf("%s export rate limited after %d retries (HTTP 429)", source, c.maxRetries)
			}
			delay := c.retryBaseDelay * time.Duration(1<<uint(rateAttempt))
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
					delay = seconds
				}
			}
			rateAttempt++
			logging.Warn().Str("source", source).Dur("delay", delay).Msg("Rate limited by Logs API, backing off")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}

		case http.StatusRequestEntityTooLarge:
			closeBody(resp)
			return nil, ErrTooManyParts

		case http.StatusBadRequest:
			body := readBodyForError(resp.Body)
			closeBody(resp)
			if isTooManyRowsPayload(body) {
				return nil, ErrTooManyParts
			}
			return nil, fmt.Errorf("%s export rejected (HTTP 400): %s", source, string(body))

		default:
			body := readBodyForError(resp.Body)
			closeBody(resp)
			return nil, fmt.Errorf("%s export failed with status %d: %s", source, resp.StatusCode, string(body))
		}
	}
}

func (c *Client) doRequest(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+c.token)
	if !c.allowCached {
		req.Header.Set("Cache-Control", "no-cache")
	}
	return c.client.Do(req)
}

// exportResponse is the 200 response envelope.
type exportResponse struct {
	Data []map[string]any `json:"data"`
}

func decodeBatch(r io.Reader) (Batch, error) {
	var out exportResponse
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode export response: %w", err)
	}
	return out.Data, nil
}

// isTooManyRowsPayload recognizes the 400 variants the API uses when the
// requested range exceeds the per-part row limit.
func isTooManyRowsPayload(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "too many") || strings.Contains(lower, "parts_count")
}

// readBodyForError reads at most maxErrorBodySize bytes for diagnostics.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

func closeBody(resp *http.Response) {
	_ = resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
