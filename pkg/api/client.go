// Package api is the REST client for the run events, summary and terminate endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

const (
	DefaultTimeout = 15 * time.Second
	maxErrorBody   = 4 * 1024
)

type Config struct {
	BaseURL string
	// RetryMax is the number of automatic retries for transport errors and 5xx responses.
	// Zero means a failed request surfaces immediately.
	RetryMax   int
	Timeout    time.Duration
	Header     http.Header
	HTTPClient *http.Client
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return ""
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.URL, e.Status, body)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

type Client struct {
	base   *url.URL
	header http.Header
	http   *retryablehttp.Client
	logger zerolog.Logger
}

var (
	_ timeline.EventsFetcher  = (*Client)(nil)
	_ timeline.SummaryFetcher = (*Client)(nil)
)

func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("api client: base URL is empty")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "api client: parse base URL")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("api client: unsupported scheme %q", base.Scheme)
	}
	if cfg.RetryMax < 0 {
		return nil, errors.New("api client: retry max must be >= 0")
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	} else {
		rc.HTTPClient.Timeout = DefaultTimeout
		if cfg.Timeout > 0 {
			rc.HTTPClient.Timeout = cfg.Timeout
		}
	}

	return &Client{
		base:   base,
		header: cfg.Header.Clone(),
		http:   rc,
		logger: log.With().Str("component", "api").Str("base_url", base.String()).Logger(),
	}, nil
}

// ListEvents fetches one page of a run's events. The cursor is sent in both parameter forms.
func (c *Client) ListEvents(ctx context.Context, runID string, q timeline.EventsQuery) (timeline.EventsPage, error) {
	if c == nil {
		return timeline.EventsPage{}, errors.New("api client is not initialized")
	}
	var page timeline.EventsPage
	if err := c.do(ctx, http.MethodGet, runPath(runID, "events"), EventsValues(q), &page); err != nil {
		return timeline.EventsPage{}, err
	}
	if page.Items == nil {
		page.Items = []timeline.RunTimelineEvent{}
	}
	return page, nil
}

func (c *Client) GetSummary(ctx context.Context, runID string) (timeline.RunSummary, error) {
	if c == nil {
		return timeline.RunSummary{}, errors.New("api client is not initialized")
	}
	var s timeline.RunSummary
	if err := c.do(ctx, http.MethodGet, runPath(runID, "summary"), nil, &s); err != nil {
		return timeline.RunSummary{}, err
	}
	if s.RunID == "" {
		s.RunID = runID
	}
	return s, nil
}

func (c *Client) Terminate(ctx context.Context, runID string) error {
	if c == nil {
		return errors.New("api client is not initialized")
	}
	return c.do(ctx, http.MethodPost, runPath(runID, "terminate"), nil, nil)
}

// EventsValues renders q as the events endpoint query string.
func EventsValues(q timeline.EventsQuery) url.Values {
	v := url.Values{}
	if len(q.Types) > 0 {
		parts := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			parts = append(parts, string(t))
		}
		v.Set("types", strings.Join(parts, ","))
	}
	if len(q.Statuses) > 0 {
		parts := make([]string, 0, len(q.Statuses))
		for _, s := range q.Statuses {
			parts = append(parts, string(s))
		}
		v.Set("statuses", strings.Join(parts, ","))
	}
	if q.Cursor != nil && !q.Cursor.IsZero() {
		v.Set("cursorTs", q.Cursor.Ts)
		v.Set("cursorId", q.Cursor.ID)
		v.Set("cursorParamMode", "both")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Order != "" {
		v.Set("order", string(q.Order))
	}
	return v
}

func runPath(runID string, leaf string) string {
	return "/runs/" + url.PathEscape(runID) + "/" + leaf
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrapf(err, "api: build %s %s", method, path)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "api: %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Method: method, URL: u.Path, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "api: decode %s %s", method, path)
	}
	return nil
}
