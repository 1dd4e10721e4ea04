// Package fetch resolves URLs to ScrapedResponses, either with a plain HTTP
// GET or through a rendered browser page, bounded by two independent
// concurrency gates and a per-URL retry map.
//
// Grounded on original_source/loaders/response_loader/response_loader.py
// (get_response, get_rendered_response, load_responses,
// _wait_for_page_states, _wait_for_page_events, _retry_failed_urls,
// _collect_clickable_null_hrefs) translated onto go-rod/goquery, with the
// two-semaphore idiom taken from the teacher's buffered-channel gates.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/time/rate"

	"github.com/pageloom/pageloom/internal/browserpool"
	"github.com/pageloom/pageloom/internal/eventbus"
	"github.com/pageloom/pageloom/internal/proxypool"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

// nullHrefValues mirrors the source's _HREF_VALUES_TO_CLICK set: anchors
// whose href is one of these are JS-driven rather than real navigation
// targets and become AJAX click-through candidates instead of harvested
// links.
var nullHrefValues = map[string]struct{}{
	"#":                  {},
	"javascript:void(0);": {},
	"javascript:;":        {},
}

// Config mirrors spec §4.D's ResponseLoader settings.
type Config struct {
	MaxConcurrentStatic int
	MaxConcurrentRender int
	UseProxies          bool
	Render              bool
	MaxProxies          int
	MaxRetries          int
	RequestTimeout      time.Duration
	Requirements        spyglass.Requirements
}

// DefaultConfig mirrors the source's ResponseLoader defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStatic: 60,
		MaxConcurrentRender: 5,
		MaxProxies:          30,
		MaxRetries:          3,
		RequestTimeout:      30 * time.Second,
		Requirements:        spyglass.NewRequirements(),
	}
}

// retryStatus tags a retry-map entry: a Retrying/Dropped tag next to the
// attempt count replaces a bare int sentinel so "still retrying" and
// "given up" can never be confused at the call site.
type retryStatus int

const (
	statusRetrying retryStatus = iota
	statusDropped
)

type retryRecord struct {
	status   retryStatus
	attempts int
}

// Engine is the Fetch Engine: component 4.D.
type Engine struct {
	cfg    Config
	bus    *eventbus.Bus
	pages  *browserpool.Pool
	proxy  *proxypool.Pool
	client *http.Client
	logger *log.Logger

	staticSem chan struct{}
	renderSem chan struct{}

	mu      sync.Mutex
	retries map[string]*retryRecord

	limiterMu sync.Mutex
	limiter   *rate.Limiter
}

// NewEngine builds an Engine. pages and proxy may be nil when Render/
// UseProxies are false respectively.
func NewEngine(cfg Config, bus *eventbus.Bus, pages *browserpool.Pool, proxy *proxypool.Pool) *Engine {
	if cfg.MaxConcurrentStatic <= 0 {
		cfg.MaxConcurrentStatic = 1
	}
	if cfg.MaxConcurrentRender <= 0 {
		cfg.MaxConcurrentRender = 1
	}
	return &Engine{
		cfg:       cfg,
		bus:       bus,
		pages:     pages,
		proxy:     proxy,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:    log.New(os.Stderr, "fetch: ", log.LstdFlags),
		staticSem: make(chan struct{}, cfg.MaxConcurrentStatic),
		renderSem: make(chan struct{}, cfg.MaxConcurrentRender),
		retries:   make(map[string]*retryRecord),
	}
}

// SetRunID re-prefixes the engine's logger with runID, so a log line from a
// given crawl run can always be attributed to it (spec §1 session identity
// expansion). Called once by crawl.New before the run starts.
func (e *Engine) SetRunID(runID string) {
	e.logger.SetPrefix(fmt.Sprintf("fetch[%s]: ", runID))
}

// SetCrawlDelay configures the politeness limiter the Crawl Controller calls
// Throttle against, replacing a bare time.Sleep with a composable rate.Limiter
// (spec §4.G crawl-delay, §4.D expansion).
func (e *Engine) SetCrawlDelay(d time.Duration) {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	if d <= 0 {
		e.limiter = nil
		return
	}
	e.limiter = rate.NewLimiter(rate.Every(d), 1)
}

// Throttle blocks until the configured crawl-delay limiter admits one more
// request. It is a no-op when no delay has been configured.
func (e *Engine) Throttle(ctx context.Context) error {
	e.limiterMu.Lock()
	l := e.limiter
	e.limiterMu.Unlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// GetResponse issues a single static GET, rewriting an https URL to http
// when the current proxy only supports http (spec §4.D static path step 2).
func (e *Engine) GetResponse(ctx context.Context, rawURL string) (spyglass.ScrapedResponse, error) {
	e.staticSem <- struct{}{}
	defer func() { <-e.staticSem }()

	reqURL := rawURL
	client := e.client
	if e.cfg.UseProxies && e.proxy != nil {
		if proxy, ok := e.proxy.GetRandom(); ok {
			if proxy.Protocol == "http" && strings.HasPrefix(reqURL, "https") {
				reqURL = "http" + strings.TrimPrefix(reqURL, "https")
			}
			proxyURL, err := url.Parse(proxy.Format())
			if err == nil {
				client = &http.Client{
					Timeout:   e.cfg.RequestTimeout,
					Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
				}
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return spyglass.ScrapedResponse{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return spyglass.ScrapedResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return spyglass.ScrapedResponse{}, err
	}

	if ct := resp.Header.Get("Content-Type"); ct == "" || !strings.Contains(ct, "html") {
		if detected := mimetype.Detect(body); detected != nil && !strings.Contains(detected.String(), "html") {
			e.logger.Printf("non-html content at %s (%s), returning unparsed", rawURL, detected.String())
		}
	}

	return spyglass.ScrapedResponse{
		URL:        rawURL,
		HTML:       string(body),
		StatusCode: resp.StatusCode,
	}, nil
}

// eventProtoByName covers the page-event whitelist entries that map onto a
// single one-shot CDP event; entries absent here (e.g. "worker", "popup")
// have no direct one-shot CDP counterpart in go-rod and are skipped with a
// log line rather than guessed at.
var eventProtoByName = map[string]func() proto.Event{
	"load":             func() proto.Event { return &proto.PageLoadEventFired{} },
	"domcontentloaded": func() proto.Event { return &proto.PageDomContentEventFired{} },
	"request":          func() proto.Event { return &proto.NetworkRequestWillBeSent{} },
	"requestfinished":  func() proto.Event { return &proto.NetworkLoadingFinished{} },
	"requestfailed":    func() proto.Event { return &proto.NetworkLoadingFailed{} },
	"response":         func() proto.Event { return &proto.NetworkResponseReceived{} },
	"dialog":           func() proto.Event { return &proto.PageJavascriptDialogOpening{} },
	"console":          func() proto.Event { return &proto.RuntimeConsoleAPICalled{} },
	"pageerror":        func() proto.Event { return &proto.RuntimeExceptionThrown{} },
	"framenavigated":   func() proto.Event { return &proto.PageFrameNavigated{} },
	"frameattached":    func() proto.Event { return &proto.PageFrameAttached{} },
	"framedetached":    func() proto.Event { return &proto.PageFrameDetached{} },
	"filechooser":      func() proto.Event { return &proto.PageFileChooserOpened{} },
	"websocket":        func() proto.Event { return &proto.NetworkWebSocketCreated{} },
}

// readinessStatusCode decides the rendered path's status code: a
// navigation error always wins, otherwise a readiness timeout (the page
// reached some but not all of the configured states/events within
// RequestTimeout) is reported as a client timeout rather than a silent 200
// (spec §8 scenario 6).
func readinessStatusCode(navErr error, timedOut bool) int {
	if navErr != nil {
		return http.StatusBadRequest
	}
	if timedOut {
		return http.StatusRequestTimeout
	}
	return http.StatusOK
}

// GetRenderedResponse navigates a pooled page to url and waits for the
// configured readiness states/events before reading content (spec §4.D
// rendered path).
func (e *Engine) GetRenderedResponse(ctx context.Context, rawURL string) (spyglass.ScrapedResponse, error) {
	if e.pages == nil {
		return spyglass.ScrapedResponse{}, fmt.Errorf("fetch: render requested but no browser pool configured")
	}

	e.renderSem <- struct{}{}
	defer func() { <-e.renderSem }()

	page, err := e.pages.GetPage()
	if err != nil {
		return spyglass.ScrapedResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	navErr := page.Rod.Context(ctx).Navigate(rawURL)
	if navErr != nil {
		e.logger.Printf("navigate %s: %v", rawURL, navErr)
	}
	page.SetURL(rawURL)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.waitForStates(ctx, page, rawURL) }()
	go func() { defer wg.Done(); e.waitForEvents(ctx, page, rawURL) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	timedOut := false
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Printf("timed out waiting for readiness on %s", rawURL)
		timedOut = true
	}
	statusCode := readinessStatusCode(navErr, timedOut)

	html, err := page.Rod.HTML()
	if err != nil || html == "" {
		e.logger.Printf("empty html for %s, retrying content read once", rawURL)
		html, _ = page.Rod.HTML()
	}

	hrefs := e.collectNullHrefs(page, rawURL)

	return spyglass.ScrapedResponse{
		URL:          rawURL,
		HTML:         html,
		StatusCode:   statusCode,
		Page:         page,
		HrefElements: hrefs,
	}, nil
}

func (e *Engine) waitForStates(ctx context.Context, page *browserpool.Page, rawURL string) {
	if len(e.cfg.Requirements.States) == 0 {
		return
	}
	var wg sync.WaitGroup
	for state := range e.cfg.Requirements.States {
		wg.Add(1)
		go func(state string) {
			defer wg.Done()
			var err error
			switch state {
			case "load":
				err = page.Rod.Context(ctx).WaitLoad()
			case "domcontentloaded":
				err = page.Rod.Context(ctx).WaitDOMStable(500*time.Millisecond, 0)
			case "networkidle":
				err = page.Rod.Context(ctx).WaitIdle(2 * time.Second)
			}
			if err != nil {
				e.logger.Printf("wait state %s on %s: %v", state, rawURL, err)
			}
		}(state)
	}
	wg.Wait()
}

func (e *Engine) waitForEvents(ctx context.Context, page *browserpool.Page, rawURL string) {
	if len(e.cfg.Requirements.Events) == 0 {
		return
	}
	var wg sync.WaitGroup
	for name := range e.cfg.Requirements.Events {
		ctor, ok := eventProtoByName[name]
		if !ok {
			e.logger.Printf("no one-shot CDP mapping for event %q, skipping wait", name)
			continue
		}
		wg.Add(1)
		go func(ctor func() proto.Event) {
			defer wg.Done()
			wait := page.Rod.Context(ctx).WaitEvent(ctor())
			wait()
		}(ctor)
	}
	wg.Wait()
}

// collectNullHrefs implements spec §4.D step 5: anchors whose href is one of
// the JS-driven placeholders become click-through locators instead of
// harvestable links.
func (e *Engine) collectNullHrefs(page *browserpool.Page, rawURL string) []spyglass.NullHrefLocator {
	elements, err := page.Rod.Elements("a[href]")
	if err != nil {
		return nil
	}

	var out []spyglass.NullHrefLocator
	for idx, el := range elements {
		href, err := el.Attribute("href")
		if err != nil || href == nil {
			continue
		}
		if _, ok := nullHrefValues[*href]; !ok {
			continue
		}
		element := el
		out = append(out, spyglass.NullHrefLocator{
			SourcePageURL: rawURL,
			Index:         idx,
			Click: func() error {
				return element.Click(proto.InputMouseButtonLeft, 1)
			},
		})
	}
	return out
}

func (e *Engine) fetchOne(ctx context.Context, rawURL string) spyglass.ScrapedResponse {
	var (
		resp spyglass.ScrapedResponse
		err  error
	)
	if e.cfg.Render {
		resp, err = e.GetRenderedResponse(ctx, rawURL)
	} else {
		resp, err = e.GetResponse(ctx, rawURL)
	}
	if err != nil {
		e.logger.Printf("fetch %s failed: %v", rawURL, err)
		return spyglass.ScrapedResponse{URL: rawURL, StatusCode: 0}
	}
	if resp.StatusCode == 200 {
		e.logger.Printf("good response: url=%s status=%d", rawURL, resp.StatusCode)
	} else {
		e.logger.Printf("bad response: url=%s status=%d", rawURL, resp.StatusCode)
	}
	return resp
}

func (e *Engine) fetchBatch(ctx context.Context, urls []string) map[string]spyglass.ScrapedResponse {
	out := make(map[string]spyglass.ScrapedResponse, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			resp := e.fetchOne(ctx, u)
			mu.Lock()
			out[u] = resp
			mu.Unlock()
		}(u)
	}
	wg.Wait()
	return out
}

// LoadResponses fetches every URL in urls, retries non-200 responses up to
// MaxRetries, emits new_responses on the Event Bus for every 200 response,
// and returns the full url->ScrapedResponse map for those responses (spec
// §4.D batch).
func (e *Engine) LoadResponses(ctx context.Context, urls []string) (map[string]spyglass.ScrapedResponse, error) {
	results := make(map[string]spyglass.ScrapedResponse)

	initial := e.fetchBatch(ctx, urls)
	for u, resp := range initial {
		if resp.StatusCode == 200 {
			results[u] = resp
			continue
		}
		e.mu.Lock()
		e.retries[u] = &retryRecord{status: statusRetrying, attempts: 0}
		e.mu.Unlock()
	}

	for e.hasPendingRetries() {
		e.mu.Lock()
		var toRetry []string
		var toDrop []string
		for u, rec := range e.retries {
			if rec.attempts >= e.cfg.MaxRetries {
				rec.status = statusDropped
				toDrop = append(toDrop, u)
				continue
			}
			toRetry = append(toRetry, u)
		}
		for _, u := range toDrop {
			delete(e.retries, u)
			e.logger.Printf("dropping %s after exhausting retries", u)
		}
		e.mu.Unlock()

		if len(toRetry) == 0 {
			break
		}

		retried := e.fetchBatch(ctx, toRetry)
		for u, resp := range retried {
			if resp.StatusCode == 200 {
				results[u] = resp
				e.mu.Lock()
				delete(e.retries, u)
				e.mu.Unlock()
				continue
			}
			e.mu.Lock()
			if rec, ok := e.retries[u]; ok {
				rec.attempts++
				e.logger.Printf("retry failed: url=%s attempt=%d", u, rec.attempts)
			}
			e.mu.Unlock()
		}
	}

	htmlByURL := make(map[string]string, len(results))
	for u, resp := range results {
		htmlByURL[u] = resp.HTML
	}
	if e.bus != nil {
		if err := e.bus.Trigger(eventbus.Event{Topic: "new_responses", Data: htmlByURL, MaxResponders: -1}); err != nil {
			return results, err
		}
	}

	return results, nil
}

func (e *Engine) hasPendingRetries() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retries) > 0
}
