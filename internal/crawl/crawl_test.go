package crawl

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/robotstxt"

	"github.com/pageloom/pageloom/internal/browserpool"
	"github.com/pageloom/pageloom/internal/eventbus"
	"github.com/pageloom/pageloom/internal/fetch"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	if len(cfg.AllowedDomains) == 0 {
		cfg.AllowedDomains = []string{"example.com"}
	}
	return &Controller{
		cfg:               cfg,
		logger:            log.New(io.Discard, "crawl: ", log.LstdFlags),
		toVisit:           map[string]struct{}{},
		visited:           map[string]struct{}{},
		processedLocators: map[string]struct{}{},
	}
}

func TestDomainAllowedExactAndSubdomain(t *testing.T) {
	c := newTestController(t, Config{AllowedDomains: []string{"example.com"}})
	assert.True(t, c.domainAllowed("example.com"))
	assert.True(t, c.domainAllowed("shop.example.com"))
	assert.False(t, c.domainAllowed("example.org"))
}

func TestIsAllowedAppliesPatternGate(t *testing.T) {
	c := newTestController(t, Config{
		AllowedDomains: []string{"example.com"},
		URLPatterns:    []string{`/product/\d+`},
	})
	require.NoError(t, compilePatterns(c, c.cfg.URLPatterns))

	assert.True(t, c.isAllowed("https://example.com/product/42"))
	assert.False(t, c.isAllowed("https://example.com/about"))
}

func TestIsAllowedRejectsWrongDomain(t *testing.T) {
	c := newTestController(t, Config{AllowedDomains: []string{"example.com"}})
	assert.False(t, c.isAllowed("https://other.com/x"))
}

func TestHarvestLinksSkipsNullHrefsAndResolvesRelative(t *testing.T) {
	c := newTestController(t, Config{})
	html := `<html><body>
		<a href="/a">a</a>
		<a href="#">skip</a>
		<a href="javascript:void(0);">skip</a>
		<a href="https://example.com/b">b</a>
	</body></html>`

	links := c.harvestLinks("https://example.com/start", html)
	assert.ElementsMatch(t, []string{"https://example.com/a", "https://example.com/b"}, links)
}

func TestLocatorKeyAndHasUnprocessedLocator(t *testing.T) {
	c := newTestController(t, Config{})
	resp := spyglass.ScrapedResponse{
		HrefElements: []spyglass.NullHrefLocator{
			{SourcePageURL: "https://example.com/p", Index: 0},
			{SourcePageURL: "https://example.com/p", Index: 1},
		},
	}
	assert.True(t, c.hasUnprocessedLocator(resp))

	c.processedLocators[locatorKey(resp.HrefElements[0])] = struct{}{}
	c.processedLocators[locatorKey(resp.HrefElements[1])] = struct{}{}
	assert.False(t, c.hasUnprocessedLocator(resp))
}

func TestEffectiveCrawlDelayPrefersRobots(t *testing.T) {
	assert.Equal(t, time.Duration(0), effectiveCrawlDelay(nil, 0))

	d := effectiveCrawlDelay(nil, 10*time.Second)
	assert.GreaterOrEqual(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 15*time.Second)

	robots := &robotstxt.Group{CrawlDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, effectiveCrawlDelay(robots, 10*time.Second))
}

func TestPopOneRemovesAndReturnsElement(t *testing.T) {
	set := map[string]struct{}{"only": {}}
	got := popOne(set)
	assert.Equal(t, "only", got)
	assert.Empty(t, set)
}

// TestRunAdmitsClickThroughYieldedURLs guards against a regression where
// runClickThrough marked its yielded URL visited before Run() got a chance
// to admit it, which made the admission check always skip it.
func TestRunAdmitsClickThroughYieldedURLs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>seed</body></html>"))
	})
	mux.HandleFunc("/revealed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>revealed</body></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	seedURL := srv.URL + "/"
	revealedURL := srv.URL + "/revealed"
	host := mustHost(t, srv.URL)

	bus := eventbus.New(8)
	bus.Start()
	defer bus.Close()
	fetchEngine := fetch.NewEngine(fetch.DefaultConfig(), bus, nil, nil)

	c := newTestController(t, Config{
		Seed:            seedURL,
		AllowedDomains:  []string{host},
		IgnoreRobotsTxt: true,
		RenderPages:     true,
		MaxDepth:        0,
	})
	c.fetch = fetchEngine
	c.toVisit = map[string]struct{}{seedURL: {}}

	page := &browserpool.Page{}
	page.SetURL(revealedURL)
	clicked := false
	c.pendingClickResponses = []spyglass.ScrapedResponse{
		{
			Page: page,
			HrefElements: []spyglass.NullHrefLocator{
				{
					SourcePageURL: seedURL,
					Index:         0,
					Click: func() error {
						clicked = true
						return nil
					},
				},
			},
		},
	}

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, clicked)
	_, admitted := c.toVisit[revealedURL]
	assert.True(t, admitted, "click-through yielded URL was not admitted to the next round's frontier")
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}

// compilePatterns is a small test helper mirroring the pattern-compilation
// step New performs, since the table-driven gating tests build a Controller
// directly rather than through New (which also reaches out to robots.txt).
func compilePatterns(c *Controller, patterns []string) error {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return err
		}
		c.patterns = append(c.patterns, re)
	}
	return nil
}
