// Package extract pulls product and image data out of rendered store pages.
// Discovery is layered: known gallery selectors first, then page metadata,
// then a raw page-source scan, so a redesigned storefront degrades to fewer
// images instead of none.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/scrape"
)

// Config bounds the waits the engine performs on a page.
type Config struct {
	NavTimeout    time.Duration
	ChallengeWait time.Duration
	ImageWait     time.Duration
}

// Engine drives a single browser tab. Callers supply the tab context from
// their session manager.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// New returns an Engine with the given wait budget.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 40 * time.Second
	}
	if cfg.ChallengeWait <= 0 {
		cfg.ChallengeWait = 25 * time.Second
	}
	if cfg.ImageWait <= 0 {
		cfg.ImageWait = 8 * time.Second
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Navigate loads the URL in the tab and waits out any bot-check interstitial.
// A renderer timeout alone is tolerated: heavy pages often finish their
// DOM long before every tracker loads, so extraction proceeds on whatever
// rendered.
func (e *Engine) Navigate(tab context.Context, pageURL string) error {
	navCtx, cancel := context.WithTimeout(tab, e.cfg.NavTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(pageURL)); err != nil {
		if scrape.IsSessionLost(err) {
			return err
		}
		if !scrape.IsNavigationTimeout(err) {
			return fmt.Errorf("navigate %s: %w", pageURL, err)
		}
		e.logger.Debug("navigation timed out, continuing with partial page",
			zap.String("url", pageURL))
	}
	return e.waitOutChallenge(tab)
}

// waitOutChallenge polls the page title until the anti-bot interstitial
// clears or the wait budget runs out. Running out is not an error; the
// extraction layers below will simply come up empty.
func (e *Engine) waitOutChallenge(tab context.Context) error {
	deadline := time.Now().Add(e.cfg.ChallengeWait)
	for {
		var title string
		if err := chromedp.Run(tab, chromedp.Title(&title)); err != nil {
			return err
		}
		if !IsChallengeTitle(title) {
			return nil
		}
		if time.Now().After(deadline) {
			e.logger.Warn("challenge page did not clear", zap.String("title", title))
			return nil
		}
		select {
		case <-tab.Done():
			return tab.Err()
		case <-time.After(time.Second):
		}
	}
}

// IsChallengeTitle reports whether a page title belongs to a bot-check
// interstitial rather than store content.
func IsChallengeTitle(title string) bool {
	t := strings.ToLower(title)
	for _, needle := range []string{"just a moment", "attention required", "checking your browser"} {
		if strings.Contains(t, needle) {
			return true
		}
	}
	return false
}

// ProductImages returns the gallery image URLs on the current product page,
// absolute and deduplicated. An empty slice with nil error means the page
// rendered but no usable gallery was found.
func (e *Engine) ProductImages(tab context.Context, pageURL string) ([]string, error) {
	script := fmt.Sprintf(productImagesScript, e.cfg.ImageWait.Milliseconds())

	var raw []string
	err := chromedp.Run(tab, chromedp.Evaluate(script, &raw, awaitPromise))
	if err != nil {
		return nil, err
	}

	urls := NormalizeImageURLs(raw, pageURL)
	if len(urls) > 0 {
		return urls, nil
	}

	// Last resort: scan the raw page source for catalog media paths.
	var html string
	if err := chromedp.Run(tab, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, err
	}
	return NormalizeImageURLs(scrape.CatalogImageURLsFromHTML(html, pageURL), pageURL), nil
}

// ProductName extracts a display name from the current product page.
func (e *Engine) ProductName(tab context.Context) (string, error) {
	var name string
	if err := chromedp.Run(tab, chromedp.Evaluate(productNameScript, &name)); err != nil {
		return "", err
	}
	return strings.TrimSpace(name), nil
}

// ListingItem is one product tile scraped off a category page.
type ListingItem struct {
	Name  string `json:"name"`
	Price string `json:"price"`
	URL   string `json:"url"`
	Img   string `json:"img"`
}

// ListingProducts scrolls the category page until its height stabilizes and
// returns every product tile found.
func (e *Engine) ListingProducts(tab context.Context, pageURL string) ([]scrape.Product, error) {
	if err := chromedp.Run(tab, chromedp.Evaluate(autoScrollScript, nil, awaitPromise)); err != nil {
		if scrape.IsSessionLost(err) {
			return nil, err
		}
		e.logger.Debug("auto-scroll failed, extracting visible tiles", zap.Error(err))
	}

	var items []ListingItem
	if err := chromedp.Run(tab, chromedp.Evaluate(listingScript, &items)); err != nil {
		return nil, err
	}

	products := make([]scrape.Product, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		productURL := scrape.AbsoluteURL(item.URL, pageURL)
		if productURL == "" {
			continue
		}
		if _, dup := seen[productURL]; dup {
			continue
		}
		seen[productURL] = struct{}{}
		products = append(products, scrape.Product{
			Name:       strings.TrimSpace(item.Name),
			Price:      strings.TrimSpace(item.Price),
			ProductURL: productURL,
			Img:        scrape.AbsoluteURL(item.Img, pageURL),
		})
	}
	return products, nil
}

// NormalizeImageURLs resolves, filters, and deduplicates raw image URLs.
func NormalizeImageURLs(raw []string, base string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, value := range raw {
		abs := scrape.AbsoluteURL(value, base)
		if abs == "" || !scrape.KeepImageURL(abs) {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	return out
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}
