// internal/backend/client.go
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/probe-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rowJSON keeps numbers as json.Number so bigint ids survive the round trip.
var rowJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 4 << 20

// Recorder receives request accounting. Implemented by the metrics package.
type Recorder interface {
	ObserveRequest(op string, status int)
	ObserveRetry(op string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, int) {}
func (nopRecorder) ObserveRetry(string)        {}

// Response is a successful (2xx) backend reply.
type Response struct {
	Status int
	Body   []byte
	// Rows holds the decoded body when it is a JSON array of objects.
	Rows []map[string]interface{}
	// Total is the exact row count from Content-Range, or -1 when the
	// server did not report one.
	Total int64
}

// Client talks to a PostgREST endpoint under <url>/rest/v1.
type Client struct {
	base       *url.URL
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        config.BackendConfig
	recorder   Recorder
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRecorder wires request and retry accounting.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// New validates the endpoint configuration and builds a client.
func New(cfg config.BackendConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if err := cfg.RequireEndpoint(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.URL)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &Client{
		base:       base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		cfg:        cfg,
		recorder:   nopRecorder{},
		logger:     logger.Named("backend"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the REST URL for a table.
func (c *Client) Endpoint(table string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/rest/v1/" + url.PathEscape(table)
	return u.String()
}

// Select reads rows. query carries PostgREST parameters such as select,
// order, limit or column filters like id=eq.1.
func (c *Client) Select(ctx context.Context, table string, query url.Values) (*Response, error) {
	return c.do(ctx, "select", http.MethodGet, table, query, nil, nil)
}

// Count is Select with an exact row count requested; see Response.Total.
func (c *Client) Count(ctx context.Context, table string, query url.Values) (*Response, error) {
	return c.do(ctx, "select", http.MethodGet, table, query, nil, http.Header{"Prefer": {"count=exact"}})
}

// Insert posts rows (an object or a slice of objects). With returning the
// inserted rows are echoed back.
func (c *Client) Insert(ctx context.Context, table string, rows interface{}, returning bool) (*Response, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, &BackendError{Op: "insert", Table: table, Err: fmt.Errorf("encoding rows: %w", err)}
	}
	prefer := "return=minimal"
	if returning {
		prefer = "return=representation"
	}
	return c.do(ctx, "insert", http.MethodPost, table, nil, body, http.Header{"Prefer": {prefer}})
}

// Delete removes the rows matched by query. An empty filter is refused
// since PostgREST would otherwise reject or, worse, delete everything.
func (c *Client) Delete(ctx context.Context, table string, query url.Values) (*Response, error) {
	if len(query) == 0 {
		return nil, &BackendError{Op: "delete", Table: table, Err: errors.New("refusing to delete without a filter")}
	}
	return c.do(ctx, "delete", http.MethodDelete, table, query, nil, http.Header{"Prefer": {"return=representation"}})
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	// The retry count bounds the loop, not elapsed time.
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)
}

func (c *Client) do(ctx context.Context, op, method, table string, query url.Values, body []byte, header http.Header) (*Response, error) {
	endpoint := c.Endpoint(table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	logger := c.logger.With(zap.String("op", op), zap.String("table", table))

	var result *Response
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(&BackendError{Op: op, Table: table, Err: err})
		}
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.recorder.ObserveRequest(op, 0)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &BackendError{Op: op, Table: table, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		c.recorder.ObserveRequest(op, resp.StatusCode)
		if err != nil {
			return &BackendError{Op: op, Table: table, Status: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
		}
		logger.Debug("Backend responded.",
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)),
			zap.Int("bytes", len(data)))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			be := parseError(op, table, resp.StatusCode, data)
			if be.Retryable() {
				return be
			}
			return backoff.Permanent(be)
		}

		result = &Response{Status: resp.StatusCode, Body: data, Total: parseTotal(resp.Header.Get("Content-Range"))}
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
			if err := rowJSON.Unmarshal(trimmed, &result.Rows); err != nil {
				return backoff.Permanent(&BackendError{Op: op, Table: table, Status: resp.StatusCode, Err: fmt.Errorf("decoding rows: %w", err)})
			}
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.recorder.ObserveRetry(op)
		logger.Warn("Backend request failed, retrying...", zap.Error(err), zap.Duration("backoff", next))
	}

	if err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify); err != nil {
		if _, ok := AsBackendError(err); !ok {
			err = &BackendError{Op: op, Table: table, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func parseError(op, table string, status int, body []byte) *BackendError {
	be := &BackendError{Op: op, Table: table, Status: status}
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && (ae.Code != "" || ae.Message != "") {
		be.Code = ae.Code
		be.Message = ae.Message
		be.Hint = ae.Hint
		return be
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		be.Message = msg
	}
	return be
}

// parseTotal reads the total from a Content-Range header like "0-9/42" or "*/0".
func parseTotal(contentRange string) int64 {
	_, total, ok := strings.Cut(contentRange, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
