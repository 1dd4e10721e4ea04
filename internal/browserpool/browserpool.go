// Package browserpool manages a pool of reusable headless-browser render
// contexts ("pages") for the Fetch Engine's rendered path.
//
// Grounded on the teacher's internal/fetcher/browser.go (launcher.New()...
// Launch(), rod.New().ControlURL(u).Connect(), browser.Page(...)), with
// pages created through go-rod/stealth (Easonliuliang-purify's go.mod) to
// reduce headless-detection false negatives in the Fetch Engine's
// readiness gates.
package browserpool

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/pageloom/pageloom/pkg/spyglass"
)

// Page wraps a rod.Page with the URL bookkeeping the Crawl Controller needs
// for click-through dedup and satisfies spyglass.RenderedPage.
type Page struct {
	Rod    *rod.Page
	urlStr string
}

// URL implements spyglass.RenderedPage.
func (p *Page) URL() string { return p.urlStr }

// SetURL records the page's current navigated URL.
func (p *Page) SetURL(u string) { p.urlStr = u }

// Reset navigates the page back to a blank state before it's returned to
// the free list.
func (p *Page) Reset() error {
	return p.Rod.Navigate("about:blank")
}

// Pool bounds the number of live pages at maxPages, lazily launching the
// underlying browser on first use.
type Pool struct {
	maxPages int
	logger   *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	browser *rod.Browser
	total   int
	free    []*Page
	closed  bool
}

// New creates a Pool bounded at maxPages. The browser process itself is not
// launched until the first GetPage call.
func New(maxPages int) *Pool {
	p := &Pool{
		maxPages: maxPages,
		logger:   log.New(os.Stderr, "browserpool: ", log.LstdFlags),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) ensureBrowser() error {
	if p.browser != nil {
		return nil
	}
	u, err := launcher.New().
		Headless(true).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Launch()
	if err != nil {
		return fmt.Errorf("browserpool: launch chrome: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("browserpool: connect: %w", err)
	}
	p.browser = browser
	return nil
}

// GetPage returns a free page or creates one, blocking if the pool is
// already at capacity until a page is returned via ClosePage.
func (p *Pool) GetPage() (*Page, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("browserpool: pool closed")
		}
		if len(p.free) > 0 {
			pg := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			p.mu.Unlock()
			return pg, nil
		}
		if p.total < p.maxPages {
			p.total++
			p.mu.Unlock()
			return p.newPage()
		}
		p.cond.Wait()
	}
}

func (p *Pool) newPage() (*Page, error) {
	if err := p.ensureBrowser(); err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	rp, err := stealth.Page(p.browser)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("browserpool: create page: %w", err)
	}
	return &Page{Rod: rp}, nil
}

// ClosePage returns page to the pool when feedIntoPool is true (after
// resetting it to about:blank), or disposes it entirely otherwise.
func (p *Pool) ClosePage(page *Page, feedIntoPool bool) error {
	if feedIntoPool {
		if err := page.Reset(); err != nil {
			p.logger.Printf("reset page before pooling: %v", err)
		}
		p.mu.Lock()
		p.free = append(p.free, page)
		p.cond.Signal()
		p.mu.Unlock()
		return nil
	}

	err := page.Rod.Close()
	p.mu.Lock()
	p.total--
	p.cond.Signal()
	p.mu.Unlock()
	return err
}

// Close tears down the browser process; only the Crawl Controller, on
// exit, should call this.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	browser := p.browser
	p.mu.Unlock()

	if browser == nil {
		return nil
	}
	return browser.Close()
}

// InUse reports the number of pages currently checked out (not on the free
// list), for tests asserting checkout/close symmetry.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - len(p.free)
}

var _ spyglass.RenderedPage = (*Page)(nil)
