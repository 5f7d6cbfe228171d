// internal/source/fetch.go
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

const maxPageBytes = 10 << 20

// CacheBustParam is appended to every fetched URL so CDNs and proxies hand
// back the current deployment.
const CacheBustParam = "v"

// StatusError is a non-2xx page response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// NewClient returns an HTTP client that negotiates and decodes compressed pages.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newDecompressingTransport(nil),
	}
}

// Page is a fetched HTML document. FirstByte and Elapsed are measured from
// the moment the request is sent.
type Page struct {
	URL       string
	Status    int
	Body      []byte
	FetchedAt time.Time
	FirstByte time.Duration
	Elapsed   time.Duration
	doc       *goquery.Document
}

// Fetch downloads target with caching disabled end to end.
func Fetch(ctx context.Context, client *http.Client, target string) (*Page, error) {
	if client == nil {
		client = NewClient(30 * time.Second)
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid page url %q", target)
	}
	q := u.Query()
	q.Set(CacheBustParam, strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	req.Header.Set("User-Agent", "probe-cli")

	var firstByte time.Duration
	start := time.Now()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Since(start) },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: target, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", target, err)
	}
	elapsed := time.Since(start)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", target, err)
	}

	return &Page{
		URL:       target,
		Status:    resp.StatusCode,
		Body:      body,
		FetchedAt: time.Now(),
		FirstByte: firstByte,
		Elapsed:   elapsed,
		doc:       doc,
	}, nil
}

// ResponseRow reports how long the fetch took, failing above limit. A zero
// limit only records the timing.
func (p *Page) ResponseRow(limit time.Duration) reporting.Row {
	actual := fmt.Sprintf("%s (first byte %s)", p.Elapsed.Round(time.Millisecond), p.FirstByte.Round(time.Millisecond))
	if limit <= 0 {
		return reporting.PassRow("response time", "measured", actual)
	}
	expected := "<= " + limit.String()
	if p.Elapsed > limit {
		return reporting.FailRow("response time", expected, actual, "the host answers slower than the configured limit")
	}
	return reporting.PassRow("response time", expected, actual)
}

// Contains reports whether the raw source includes marker, comments included.
func (p *Page) Contains(marker string) bool {
	return bytes.Contains(p.Body, []byte(marker))
}

// Title returns the trimmed document title.
func (p *Page) Title() string {
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}

// Count returns how many elements match selector in the static markup.
func (p *Page) Count(selector string) int {
	return p.doc.Find(selector).Length()
}

// Rows renders the deployment checks: the marker, a non-empty title and at
// least one match per selector.
func (p *Page) Rows(marker string, selectors []string) []reporting.Row {
	rows := make([]reporting.Row, 0, 2+len(selectors))
	if marker != "" {
		if p.Contains(marker) {
			rows = append(rows, reporting.PassRow("marker", marker, "found"))
		} else {
			rows = append(rows, reporting.FailRow("marker", marker, "missing", "deployed source does not contain the marker yet"))
		}
	}
	if title := p.Title(); title != "" {
		rows = append(rows, reporting.PassRow("title", "non-empty", title))
	} else {
		rows = append(rows, reporting.FailRow("title", "non-empty", "", "page has no <title>"))
	}
	for _, sel := range selectors {
		n := p.Count(sel)
		row := reporting.PassRow("selector "+sel, ">0", strconv.Itoa(n))
		if n == 0 {
			row = reporting.FailRow("selector "+sel, ">0", "0", "")
		}
		rows = append(rows, row)
	}
	return rows
}

var errMarkerMissing = errors.New("marker not found")

// WaitForMarker refetches target until its source contains marker, up to
// attempts times. Rolling static deployments often take minutes to show up.
// The last page fetched is returned even on failure.
func WaitForMarker(ctx context.Context, client *http.Client, target, marker string, attempts int, interval time.Duration, logger *zap.Logger) (*Page, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		last  *Page
		tries int
	)
	operation := func() error {
		tries++
		page, err := Fetch(ctx, client, target)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Status < 500 && se.Status != http.StatusNotFound {
				return backoff.Permanent(err)
			}
			logger.Debug("Fetch failed, retrying.", zap.Int("attempt", tries), zap.Error(err))
			return err
		}
		last = page
		if marker == "" || page.Contains(marker) {
			return nil
		}
		logger.Info("Marker not deployed yet.", zap.String("marker", marker), zap.Int("attempt", tries), zap.Int("of", attempts))
		return errMarkerMissing
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return last, fmt.Errorf("after %d attempts: %w", tries, err)
	}
	return last, nil
}
