package crawler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"

	"landwatch/config"
	"landwatch/utils"
)

// PageFetcher acquires one target page and returns the outerHTML of every
// loaded listing item. Implementations own the dynamic-content dance;
// parsing is the extractor's job.
type PageFetcher interface {
	FetchItems(ctx context.Context, url string) ([]string, error)
}

// Candidate containers/roots for the listing area. Tried in order.
var (
	contentRootJS = `(function() {
		var sels = ['#articleListArea', '.item_list', '.list_contents', '#complexOverviewList'];
		for (var i = 0; i < sels.length; i++) {
			if (document.querySelector(sels[i])) return true;
		}
		return false;
	})()`

	articleTabJS = `(function() {
		var sels = ['#complexOverviewList a[href*="article"]', '.tab_area a.article', 'a[role="tab"][href*="article"]'];
		for (var i = 0; i < sels.length; i++) {
			var el = document.querySelector(sels[i]);
			if (el) { el.click(); return true; }
		}
		return false;
	})()`

	itemIDsJS = `(function() {
		var sels = ['#articleListArea .item', '.item_list .item', 'div.item_inner', 'div.item'];
		for (var i = 0; i < sels.length; i++) {
			var items = document.querySelectorAll(sels[i]);
			if (items.length > 0) {
				return Array.prototype.map.call(items, function(el, idx) {
					return el.getAttribute('data-article-no') || el.id || ('idx' + idx);
				});
			}
		}
		return [];
	})()`

	scrollJS = `(function() {
		var sels = ['#articleListArea', '.item_list', '.list_contents'];
		for (var i = 0; i < sels.length; i++) {
			var c = document.querySelector(sels[i]);
			if (c && c.scrollHeight > c.clientHeight) {
				c.scrollTop = c.scrollHeight;
				return 'container';
			}
		}
		window.scrollTo(0, document.body.scrollHeight);
		return 'window';
	})()`

	itemHTMLJS = `(function() {
		var sels = ['#articleListArea .item', '.item_list .item', 'div.item_inner', 'div.item'];
		for (var i = 0; i < sels.length; i++) {
			var items = document.querySelectorAll(sels[i]);
			if (items.length > 0) {
				return Array.prototype.map.call(items, function(el) { return el.outerHTML; });
			}
		}
		return [];
	})()`
)

// Page drives a single target page through navigate → wait → scroll-load
// and hands back raw item HTML.
type Page struct {
	cfg     *config.Config
	logger  *utils.Logger
	running *atomic.Bool
}

// NewPage creates a Page fetcher. running is the orchestrator's
// cooperative stop flag, checked inside the scroll loop.
func NewPage(cfg *config.Config, logger *utils.Logger, running *atomic.Bool) *Page {
	return &Page{cfg: cfg, logger: logger, running: running}
}

// FetchItems navigates to url, waits for the content root, loads all items
// by scrolling, and returns their outerHTML.
func (p *Page) FetchItems(ctx context.Context, url string) ([]string, error) {
	if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
		return nil, fmt.Errorf("page: navigate: %w", err)
	}

	// Content-root timeout is non-fatal: parse whatever rendered.
	if !p.waitForContent(ctx) {
		p.logger.Warn("[page] content root not detected within %v — parsing best-effort", p.cfg.ContentTimeout)
	}

	// The articles sub-view is not always present; absence is expected.
	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(articleTabJS, &clicked)); err == nil && clicked {
		p.logger.Debug("[page] clicked articles tab")
		p.sleep(ctx, p.cfg.ScrollInterval)
	}

	if err := p.scrollLoad(ctx); err != nil {
		return nil, err
	}

	var htmls []string
	if err := chromedp.Run(ctx, chromedp.Evaluate(itemHTMLJS, &htmls)); err != nil {
		return nil, fmt.Errorf("page: collect items: %w", err)
	}
	return htmls, nil
}

func (p *Page) waitForContent(ctx context.Context) bool {
	deadline := time.Now().Add(p.cfg.ContentTimeout)
	for time.Now().Before(deadline) {
		var found bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(contentRootJS, &found)); err == nil && found {
			return true
		}
		if !p.sleep(ctx, 250*time.Millisecond) {
			return false
		}
	}
	return false
}

// scrollLoad drains the lazy-loaded list: scroll, wait, re-measure; stop
// once the item count holds for the stability streak or the attempt cap
// is hit, whichever comes first.
func (p *Page) scrollLoad(ctx context.Context) error {
	seen := make(map[string]struct{})
	lastCount := 0
	stable := 0

	for attempt := 0; attempt < p.cfg.ScrollMaxAttempts; attempt++ {
		if !p.running.Load() {
			p.logger.Debug("[page] stop requested — leaving scroll loop")
			return nil
		}

		var mode string
		if err := chromedp.Run(ctx, chromedp.Evaluate(scrollJS, &mode)); err != nil {
			return fmt.Errorf("page: scroll: %w", err)
		}
		if !p.sleep(ctx, p.cfg.ScrollInterval) {
			return nil
		}

		var ids []string
		if err := chromedp.Run(ctx, chromedp.Evaluate(itemIDsJS, &ids)); err != nil {
			return fmt.Errorf("page: measure items: %w", err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}

		if len(ids) == lastCount {
			stable++
			if stable >= p.cfg.ScrollStableStop {
				p.logger.Debug("[page] item count stable at %d (%d unique) — done scrolling", len(ids), len(seen))
				return nil
			}
		} else {
			stable = 0
			lastCount = len(ids)
		}
	}

	p.logger.Debug("[page] scroll attempt cap reached with %d items", lastCount)
	return nil
}

func (p *Page) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
