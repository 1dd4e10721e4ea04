// Package crawl implements the Crawl Controller: the breadth-first frontier
// state machine that drives a Fetch Engine across one seed, gated by
// robots.txt, allowed domains, and URL patterns, with AJAX click-through
// discovery in render mode.
//
// Grounded on original_source/scraping/crawler.py for the overall loop
// (_to_visit/_visited/_current_depth, crawl-delay branch, gating order) and
// codepr-webcrawler/crawler/crawlingrules.go for the robots.txt +
// politeness-delay policy (temoto/robotstxt, fail-open parser, jittered
// default delay).
package crawl

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/publicsuffix"

	"github.com/pageloom/pageloom/internal/browserpool"
	"github.com/pageloom/pageloom/internal/fetch"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

// nullHrefValues mirrors fetch.nullHrefValues; duplicated here (rather than
// exported from fetch) because link harvesting needs it independently of
// any fetch.Engine instance.
var nullHrefValues = map[string]struct{}{
	"#":                    {},
	"javascript:void(0);": {},
	"javascript:;":         {},
}

// Config is a single seed's crawl configuration (spec §6 crawler settings,
// defaulted by Config Binding).
type Config struct {
	Seed            string
	AllowedDomains  []string
	URLPatterns     []string
	MaxDepth        int
	IgnoreRobotsTxt bool
	CrawlDelay      time.Duration
	RenderPages     bool
	UserAgent       string
}

// Controller is the Crawl Controller: component 4.G.
type Controller struct {
	cfg     Config
	fetch   *fetch.Engine
	pages   *browserpool.Pool
	robots  *robotstxt.Group
	logger  *log.Logger
	patterns []*regexp.Regexp

	runID string

	toVisit              map[string]struct{}
	visited              map[string]struct{}
	currentDepth         int
	pendingClickResponses []spyglass.ScrapedResponse
	processedLocators    map[string]struct{}
}

// New constructs a Controller for one seed, fetching and parsing
// robots.txt unless IgnoreRobotsTxt is set (fail-open on any fetch/parse
// error), and configuring the Fetch Engine's crawl-delay limiter from the
// effective delay.
func New(cfg Config, fetchEngine *fetch.Engine, pages *browserpool.Pool) (*Controller, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	if len(cfg.AllowedDomains) == 0 {
		seedURL, err := url.Parse(cfg.Seed)
		if err != nil {
			return nil, fmt.Errorf("crawl: parse seed: %w", err)
		}
		cfg.AllowedDomains = []string{strings.ToLower(seedURL.Hostname())}
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.URLPatterns))
	for _, p := range cfg.URLPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("crawl: invalid url_pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	runID := uuid.NewString()

	c := &Controller{
		cfg:                cfg,
		fetch:              fetchEngine,
		pages:              pages,
		logger:             log.New(os.Stderr, fmt.Sprintf("crawl[%s]: ", runID), log.LstdFlags),
		runID:              runID,
		patterns:           patterns,
		toVisit:            map[string]struct{}{cfg.Seed: {}},
		visited:            map[string]struct{}{},
		processedLocators:  map[string]struct{}{},
	}
	fetchEngine.SetRunID(runID)

	if !cfg.IgnoreRobotsTxt {
		group, err := fetchRobotsGroup(cfg.Seed, cfg.UserAgent)
		if err != nil {
			c.logger.Printf("robots.txt unavailable for %s, failing open: %v", cfg.Seed, err)
		}
		c.robots = group
	}

	delay := effectiveCrawlDelay(c.robots, cfg.CrawlDelay)
	fetchEngine.SetCrawlDelay(delay)

	return c, nil
}

func fetchRobotsGroup(seed, userAgent string) (*robotstxt.Group, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return nil, err
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)

	resp, err := http.Get(robotsURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, nil
	}
	return data.FindGroup(userAgent), nil
}

// effectiveCrawlDelay prefers a robots.txt-declared delay; absent that, it
// jitters the configured default between 0.5x and 1.5x (codepr-webcrawler's
// randDelay policy), and is 0 when neither is set.
func effectiveCrawlDelay(group *robotstxt.Group, configured time.Duration) time.Duration {
	if group != nil && group.CrawlDelay > 0 {
		return group.CrawlDelay
	}
	if configured <= 0 {
		return 0
	}
	min := float64(configured) * 0.5
	max := float64(configured) * 1.5
	return time.Duration(min + rand.Float64()*(max-min))
}

// Run drives the frontier to completion and returns the crawl summary
// (spec §4.G state machine).
func (c *Controller) Run(ctx context.Context) (spyglass.CrawlSummary, error) {
	startedAt := time.Now()

	if c.pages != nil {
		defer func() {
			if err := c.pages.Close(); err != nil {
				c.logger.Printf("close browser pool: %v", err)
			}
		}()
	}

	newURLs := make(map[string]struct{})
	delay := effectiveCrawlDelay(c.robots, c.cfg.CrawlDelay)

	for len(c.toVisit) > 0 && c.currentDepth <= c.cfg.MaxDepth {
		var responses map[string]spyglass.ScrapedResponse
		var err error

		if delay > 0 {
			u := popOne(c.toVisit)
			responses, err = c.fetch.LoadResponses(ctx, []string{u})
			if err != nil {
				return spyglass.CrawlSummary{}, err
			}
			if thErr := c.fetch.Throttle(ctx); thErr != nil {
				return spyglass.CrawlSummary{}, thErr
			}
		} else {
			urls := make([]string, 0, len(c.toVisit))
			for u := range c.toVisit {
				urls = append(urls, u)
			}
			responses, err = c.fetch.LoadResponses(ctx, urls)
			if err != nil {
				return spyglass.CrawlSummary{}, err
			}
			c.toVisit = map[string]struct{}{}
		}

		for responseURL, resp := range responses {
			c.visited[responseURL] = struct{}{}

			if c.hasUnprocessedLocator(resp) {
				c.pendingClickResponses = append(c.pendingClickResponses, resp)
			} else if bp, ok := resp.Page.(*browserpool.Page); ok && c.pages != nil {
				if err := c.pages.ClosePage(bp, true); err != nil {
					c.logger.Printf("close page for %s: %v", responseURL, err)
				}
			}

			for _, link := range c.harvestLinks(responseURL, resp.HTML) {
				if _, seen := c.visited[link]; seen {
					continue
				}
				if c.isAllowed(link) {
					newURLs[link] = struct{}{}
				}
			}
		}

		if c.cfg.RenderPages {
			for _, link := range c.runClickThrough(ctx) {
				if _, seen := c.visited[link]; seen {
					continue
				}
				if c.isAllowed(link) {
					newURLs[link] = struct{}{}
				}
			}
		}

		if len(c.toVisit) == 0 {
			c.toVisit = newURLs
			newURLs = make(map[string]struct{})
			c.currentDepth++
		}
	}

	return spyglass.CrawlSummary{
		SeedURL:    c.cfg.Seed,
		RunID:      c.runID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Visited:    len(c.visited),
		ToVisit:    len(c.toVisit),
	}, nil
}

// RunID returns the UUID identifying this Controller's crawl run, generated
// once in New and attached to every log line this package and the Fetch
// Engine emit (spec §1 session identity expansion).
func (c *Controller) RunID() string {
	return c.runID
}

func popOne(set map[string]struct{}) string {
	for k := range set {
		delete(set, k)
		return k
	}
	return ""
}

// hasUnprocessedLocator reports whether resp carries at least one
// null-href locator not yet seen, determining whether resp enters the
// click-through queue instead of having its page returned immediately
// (spec §4.G).
func (c *Controller) hasUnprocessedLocator(resp spyglass.ScrapedResponse) bool {
	for _, loc := range resp.HrefElements {
		if _, seen := c.processedLocators[locatorKey(loc)]; !seen {
			return true
		}
	}
	return false
}

// locatorKey is the click-through dedup key: source page URL plus the
// locator's index on that page, since locator object identity does not
// survive a page reload.
func locatorKey(loc spyglass.NullHrefLocator) string {
	return fmt.Sprintf("%s\x00%d", loc.SourcePageURL, loc.Index)
}

// runClickThrough drains pendingClickResponses, clicking every unprocessed
// null-href locator and reissuing a fetch for the resulting page through
// fetch.Engine.LoadResponses, the only path that publishes new_responses on
// the Event Bus — so content revealed by a click reaches the Extraction
// Engine exactly like any other fetched page (spec §9 design note: render
// results flow through the Event Bus rather than a cross-component field).
// The caller admits the returned URLs to new_urls; this method must not
// mark them visited itself, or that admission check always skips them
// (spec §4.G "admitting its yielded URLs to new_urls").
func (c *Controller) runClickThrough(ctx context.Context) []string {
	pending := c.pendingClickResponses
	c.pendingClickResponses = nil

	var yielded []string
	for _, resp := range pending {
		bp, ok := resp.Page.(*browserpool.Page)
		if !ok {
			continue
		}
		for _, loc := range resp.HrefElements {
			key := locatorKey(loc)
			if _, seen := c.processedLocators[key]; seen {
				continue
			}
			c.processedLocators[key] = struct{}{}

			if err := loc.Click(); err != nil {
				c.logger.Printf("click locator %s: %v", key, err)
				continue
			}

			responses, err := c.fetch.LoadResponses(ctx, []string{bp.URL()})
			if err != nil {
				c.logger.Printf("re-fetch after click %s: %v", key, err)
				continue
			}
			newResp, ok := responses[bp.URL()]
			if !ok {
				continue
			}

			if c.hasUnprocessedLocator(newResp) {
				c.pendingClickResponses = append(c.pendingClickResponses, newResp)
			} else if newBP, ok := newResp.Page.(*browserpool.Page); ok && c.pages != nil {
				if err := c.pages.ClosePage(newBP, true); err != nil {
					c.logger.Printf("close page after click-through: %v", err)
				}
			}

			yielded = append(yielded, newResp.URL)
		}
	}
	return yielded
}

// harvestLinks extracts every non-null-href anchor from html, resolving
// each against base and normalizing (spec §4.G "harvest child URLs").
func (c *Controller) harvestLinks(base, html string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		c.logger.Printf("parse failure harvesting links from %s: %v", base, err)
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		if _, isNull := nullHrefValues[href]; isNull {
			return
		}
		if link := spyglass.BuildLink(baseURL, href); link != "" {
			links = append(links, link)
		}
	})
	return links
}

// isAllowed implements spec §4.G gating: domain membership, then URL
// patterns, then robots.txt.
func (c *Controller) isAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !c.domainAllowed(u.Hostname()) {
		return false
	}
	if len(c.patterns) > 0 {
		matched := false
		for _, re := range c.patterns {
			if re.MatchString(rawURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !c.cfg.IgnoreRobotsTxt && c.robots != nil {
		return c.robots.Test(u.RequestURI())
	}
	return true
}

// domainAllowed compares host against the configured allowed domains both
// as an exact match and via eTLD+1, so allowed_domains: ["example.com"]
// also admits subdomains like shop.example.com (spec §4.G expansion,
// generalizing the teacher's hardcoded www. special case).
func (c *Controller) domainAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range c.cfg.AllowedDomains {
		allowed = strings.ToLower(allowed)
		if host == allowed {
			return true
		}
		hostRoot, err1 := publicsuffix.EffectiveTLDPlusOne(host)
		allowedRoot, err2 := publicsuffix.EffectiveTLDPlusOne(allowed)
		if err1 == nil && err2 == nil && hostRoot == allowedRoot {
			return true
		}
	}
	return false
}
