package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// settleInterval is how often a rendered page is re-read while a challenge resolves.
const settleInterval = 500 * time.Millisecond

// Browser renders pages in a headless Chrome driven over the DevTools protocol.
// Chrome is launched on first use and shared by every render.
type Browser struct {
	browser *rod.Browser
	logger  *slog.Logger
	bin     string
	mu      sync.Mutex
}

// NewBrowser creates a renderer. bin is the Chrome binary; empty lets the
// launcher locate or download one.
func NewBrowser(bin string, logger *slog.Logger) *Browser {
	return &Browser{bin: bin, logger: logger}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().Headless(true)
	if b.bin != "" {
		l = l.Bin(b.bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	b.logger.Info("Headless browser started", "control_url", controlURL)
	b.browser = browser
	return browser, nil
}

// reset drops a browser that failed so the next render relaunches it.
func (b *Browser) reset(stale *rod.Browser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != stale {
		return
	}
	if err := stale.Close(); err != nil {
		b.logger.Warn("Failed to close stale browser", "error", err)
	}
	b.browser = nil
}

// Render loads pageURL and returns its HTML once the load event fired and
// any interstitial challenge has cleared, or ctx ends.
func (b *Browser) Render(ctx context.Context, pageURL string) (string, error) {
	browser, err := b.connect()
	if err != nil {
		return "", err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		b.reset(browser)
		return "", fmt.Errorf("create page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			b.logger.Warn("Failed to close page", "url", pageURL, "error", err)
		}
	}()

	p := page.Context(ctx)
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}

	for {
		html, err := p.HTML()
		if err != nil {
			return "", fmt.Errorf("read html: %w", err)
		}
		if !hasChallengeMarker([]byte(html)) {
			return html, nil
		}

		select {
		case <-ctx.Done():
			// The caller classifies whatever was rendered last.
			return html, nil
		case <-time.After(settleInterval):
		}
	}
}

// Close shuts down Chrome if it was started.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
