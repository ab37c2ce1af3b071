// Package scraper fetches web pages and extracts the text of CSS-selected elements.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pagewatch/pkg/watch"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

const maxBodyBytes = 10 << 20

// ChallengeError indicates an anti-bot interstitial was served instead of the page.
type ChallengeError struct {
	URL    string
	Status int
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("anti-bot challenge (HTTP %d): %s", e.Status, e.URL)
}

// IsChallenge checks if an error is an anti-bot challenge.
func IsChallenge(err error) bool {
	var c *ChallengeError
	return errors.As(err, &c)
}

// HTTPStatusError indicates a non-2xx response that was not a challenge.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// Retryable reports whether the status may succeed on a later attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// Renderer loads a page in a real browser and returns the rendered HTML.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// strategy is the way one attempt fetches the page. Attempts escalate
// through the strategies in order and stay on the last one.
type strategy int

const (
	strategyDirect strategy = iota
	strategyRevalidate
	strategyBrowser
)

func (s strategy) String() string {
	switch s {
	case strategyDirect:
		return "direct"
	case strategyRevalidate:
		return "revalidate"
	case strategyBrowser:
		return "browser"
	default:
		return "unknown"
	}
}

// Scraper fetches pages and extracts element text.
type Scraper struct {
	client   *http.Client
	browser  Renderer
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
	jitter   time.Duration
}

// New creates a new scraper. The client should carry a cookie jar so that
// challenge cookies survive between attempts. browser may be nil.
func New(client *http.Client, browser Renderer, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:   client,
		browser:  browser,
		logger:   logger,
		attempts: 4,
		delay:    time.Second,
		maxDelay: 10 * time.Second,
		jitter:   time.Second,
	}
}

// Fetch returns the trimmed text of each selector found on the page. Selectors
// that match nothing are absent from the snapshot. Any failure is a *watch.FetchError.
func (s *Scraper) Fetch(ctx context.Context, pageURL string, selectors []string) (watch.Snapshot, error) {
	compiled, err := compileAll(selectors)
	if err != nil {
		return nil, &watch.FetchError{URL: pageURL, Err: err}
	}

	start := time.Now()
	doc, err := s.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, &watch.FetchError{URL: pageURL, Err: err}
	}

	snap := extract(doc, compiled)
	s.logger.Info("Page parsed successfully",
		"url", pageURL,
		"selectors", len(selectors),
		"found", len(snap),
		"duration_ms", time.Since(start).Milliseconds())
	return snap, nil
}

func (s *Scraper) strategies() []strategy {
	if s.browser != nil {
		return []strategy{strategyDirect, strategyRevalidate, strategyBrowser}
	}
	return []strategy{strategyDirect, strategyRevalidate}
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	var doc *goquery.Document
	var lastErr error
	plan := s.strategies()
	attempt := 0

	err := retry.Do(
		func() error {
			st := plan[min(attempt, len(plan)-1)]
			attempt++

			d, err := s.fetchWith(ctx, st, pageURL)
			if err != nil {
				lastErr = err
				return err
			}
			doc = d
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.MaxDelay(s.maxDelay),
		retry.MaxJitter(s.jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			next := plan[min(int(n)+1, len(plan)-1)]
			s.logger.Info("Retrying fetch after error", "url", pageURL, "attempt", n+1, "next_strategy", next.String(), "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		}
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("after %d attempts: %w", attempt, lastErr)
	}
	return doc, nil
}

func retryable(err error) bool {
	var status *HTTPStatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return true
}

func (s *Scraper) fetchWith(ctx context.Context, st strategy, pageURL string) (*goquery.Document, error) {
	if st == strategyBrowser {
		return s.render(ctx, pageURL)
	}

	s.logger.Info("HTTP request starting",
		"method", "GET",
		"url", pageURL,
		"strategy", st.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	setBrowserHeaders(req, st)

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		s.logger.Warn("HTTP request failed",
			"url", pageURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	s.logger.Info("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(body))

	if isChallenge(resp.StatusCode, resp.Header, body) {
		s.logger.Warn("Anti-bot challenge served", "url", pageURL, "status_code", resp.StatusCode, "strategy", st.String())
		return nil, &ChallengeError{URL: pageURL, Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: pageURL, Status: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to parse HTML", "url", pageURL, "error", err)
		return nil, retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
	}
	return doc, nil
}

func (s *Scraper) render(ctx context.Context, pageURL string) (*goquery.Document, error) {
	s.logger.Info("Browser render starting", "url", pageURL)

	startTime := time.Now()
	html, err := s.browser.Render(ctx, pageURL)
	duration := time.Since(startTime)
	if err != nil {
		s.logger.Warn("Browser render failed", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("render: %w", err)
	}

	s.logger.Info("Browser render completed", "url", pageURL, "duration_ms", duration.Milliseconds(), "content_length", len(html))

	if hasChallengeMarker([]byte(html)) {
		return nil, &ChallengeError{URL: pageURL, Status: http.StatusOK}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
	}
	return doc, nil
}

// setBrowserHeaders sets essential Chrome-like headers to avoid getting blocked.
// The revalidate profile asks intermediaries for a fresh copy and presents a
// same-origin referer, the way a reload after a challenge does.
func setBrowserHeaders(req *http.Request, st strategy) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Note: Don't set Accept-Encoding - let Go's http.Client handle compression automatically
	req.Header.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-User", "?1")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	if st != strategyRevalidate {
		req.Header.Set("Sec-Fetch-Site", "none")
		req.Header.Set("Cache-Control", "max-age=0")
		return
	}

	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Referer", req.URL.Scheme+"://"+req.URL.Host+"/")
}

var challengeMarkers = [][]byte{
	[]byte("Just a moment..."),
	[]byte("cf-chl"),
	[]byte("Attention Required"),
	[]byte("challenge-platform"),
}

func hasChallengeMarker(body []byte) bool {
	for _, m := range challengeMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// isChallenge reports whether a response is a Cloudflare-style interstitial.
func isChallenge(status int, header http.Header, body []byte) bool {
	if strings.EqualFold(header.Get("Cf-Mitigated"), "challenge") {
		return true
	}
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
	default:
		return false
	}
	if strings.Contains(strings.ToLower(header.Get("Server")), "cloudflare") {
		return true
	}
	return hasChallengeMarker(body)
}
