package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pagewatch/pkg/watch"
)

const productPage = `<!DOCTYPE html>
<html><head><title>Widget</title></head>
<body>
  <h1 class="title">  Deluxe
     Widget </h1>
  <div id="Product-Price-123">$25</div>
  <span class="price now">$19</span>
  <div id="2col">two columns</div>
  <ul><li class="stock">In stock</li><li class="stock">Ships today</li></ul>
</body></html>`

const challengePage = `<!DOCTYPE html><html><head><title>Just a moment...</title></head>
<body><div id="cf-chl-widget"></div></body></html>`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScraper(t *testing.T, browser Renderer) *Scraper {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	s := New(&http.Client{Jar: jar, Timeout: 5 * time.Second}, browser, quietLogger())
	s.delay = time.Millisecond
	s.maxDelay = 5 * time.Millisecond
	s.jitter = time.Millisecond
	return s
}

type fakeRenderer struct {
	html  string
	err   error
	calls atomic.Int32
}

func (f *fakeRenderer) Render(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	return f.html, f.err
}

func TestFetchExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("request missing User-Agent")
		}
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()

	s := testScraper(t, nil)
	snap, err := s.Fetch(context.Background(), srv.URL, []string{".title", "li.stock", "h2.gone"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	want := watch.Snapshot{
		".title":   "Deluxe Widget",
		"li.stock": "In stock",
	}
	if len(snap) != len(want) {
		t.Fatalf("Fetch() = %v, want %v", snap, want)
	}
	for k, v := range want {
		if snap[k] != v {
			t.Errorf("Fetch()[%q] = %q, want %q", k, snap[k], v)
		}
	}
	if _, ok := snap["h2.gone"]; ok {
		t.Error("unmatched selector should be absent from the snapshot")
	}
}

func TestFetchSelectorFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()

	tests := []struct {
		selector string
		want     string
	}{
		{"#Product-Price-123", "$25"},
		{"#product-price-123", "$25"},
		{"#Price", "$25"},
		{"#2col", "two columns"},
		{".price now", "$19"},
		{".price.now", "$19"},
	}

	s := testScraper(t, nil)
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			snap, err := s.Fetch(context.Background(), srv.URL, []string{tt.selector})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if got := snap[tt.selector]; got != tt.want {
				t.Errorf("Fetch()[%q] = %q, want %q", tt.selector, got, tt.want)
			}
		})
	}
}

func TestFetchChallengeEscalatesWithCookies(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n == 1 {
			http.SetCookie(w, &http.Cookie{Name: "cf_clearance", Value: "ok", Path: "/"})
			w.Header().Set("Server", "cloudflare")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, challengePage)
			return
		}
		if _, err := r.Cookie("cf_clearance"); err != nil {
			t.Error("second attempt did not carry the challenge cookie")
		}
		if got := r.Header.Get("Cache-Control"); got != "no-cache" {
			t.Errorf("second attempt Cache-Control = %q, want %q", got, "no-cache")
		}
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()

	s := testScraper(t, nil)
	snap, err := s.Fetch(context.Background(), srv.URL, []string{".title"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if snap[".title"] != "Deluxe Widget" {
		t.Errorf("Fetch()[.title] = %q, want %q", snap[".title"], "Deluxe Widget")
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestFetchFallsBackToBrowser(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Cf-Mitigated", "challenge")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, challengePage)
	}))
	defer srv.Close()

	r := &fakeRenderer{html: productPage}
	s := testScraper(t, r)
	snap, err := s.Fetch(context.Background(), srv.URL, []string{".title"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if snap[".title"] != "Deluxe Widget" {
		t.Errorf("Fetch()[.title] = %q, want %q", snap[".title"], "Deluxe Widget")
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	if got := r.calls.Load(); got != 1 {
		t.Errorf("renderer calls = %d, want 1", got)
	}
}

func TestFetchChallengeExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, challengePage)
	}))
	defer srv.Close()

	s := testScraper(t, nil)
	_, err := s.Fetch(context.Background(), srv.URL, []string{".title"})
	if err == nil {
		t.Fatal("Fetch() error = nil, want challenge error")
	}
	var fe *watch.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Fetch() error = %T, want *watch.FetchError", err)
	}
	if !IsChallenge(err) {
		t.Errorf("IsChallenge(%v) = false, want true", err)
	}
}

func TestFetchStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		wantErr  bool
		wantReqs int32
	}{
		{"not found is final", []int{404}, true, 1},
		{"server error retried", []int{500, 502, 200}, false, 3},
		{"server error exhausted", []int{500, 500, 500, 500}, true, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := int(requests.Add(1)) - 1
				status := tt.statuses[min(n, len(tt.statuses)-1)]
				w.WriteHeader(status)
				fmt.Fprint(w, productPage)
			}))
			defer srv.Close()

			s := testScraper(t, nil)
			_, err := s.Fetch(context.Background(), srv.URL, []string{".title"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Fetch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := requests.Load(); got != tt.wantReqs {
				t.Errorf("requests = %d, want %d", got, tt.wantReqs)
			}
			if err != nil {
				var se *HTTPStatusError
				if !errors.As(err, &se) {
					t.Errorf("Fetch() error = %v, want *HTTPStatusError", err)
				}
			}
		})
	}
}

func TestFetchInvalidSelector(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, productPage)
	}))
	defer srv.Close()

	s := testScraper(t, nil)
	_, err := s.Fetch(context.Background(), srv.URL, []string{".title", "div[unclosed"})
	if !IsSelectorError(err) {
		t.Fatalf("Fetch() error = %v, want *SelectorError", err)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
}

func TestFetchHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s := testScraper(t, nil)
	start := time.Now()
	_, err := s.Fetch(ctx, srv.URL, []string{".title"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fetch() took %v after the deadline", elapsed)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{".price now", ".price.now"},
		{"  .price  ", ".price"},
		{".card .price", ".card .price"},
		{"#main .price", "#main .price"},
		{"div > span", "div > span"},
		{".a b c", ".a b c"},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`a\:b`, "a:b"},
		{`a\2eb`, "a.b"},
		{`plain`, "plain"},
	}
	for _, tt := range tests {
		if got := unescape(tt.in); got != tt.want {
			t.Errorf("unescape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsChallengeResponse(t *testing.T) {
	cf := http.Header{}
	cf.Set("Server", "cloudflare")
	mitigated := http.Header{}
	mitigated.Set("Cf-Mitigated", "challenge")

	tests := []struct {
		name   string
		header http.Header
		body   string
		status int
		want   bool
	}{
		{"plain ok", http.Header{}, "<html></html>", 200, false},
		{"mitigated header", mitigated, "", 403, true},
		{"cloudflare 503", cf, "", 503, true},
		{"cloudflare 404", cf, "", 404, false},
		{"marker 403", http.Header{}, "<title>Just a moment...</title>", 403, true},
		{"attention 429", http.Header{}, "Attention Required! | Cloudflare", 429, true},
		{"marker on 200", http.Header{}, "Just a moment...", 200, false},
		{"plain 403", http.Header{}, "forbidden", 403, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isChallenge(tt.status, tt.header, []byte(tt.body)); got != tt.want {
				t.Errorf("isChallenge() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestFetchLivePage is an integration test against a stable public page.
func TestFetchLivePage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := New(&http.Client{Timeout: 30 * time.Second}, nil, quietLogger())
	snap, err := s.Fetch(context.Background(), "https://example.com/", []string{"h1"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.Contains(snap["h1"], "Example") {
		t.Errorf("Fetch()[h1] = %q, want it to contain %q", snap["h1"], "Example")
	}
}
