// Package spyglass defines the public data model and plugin interfaces
// shared by every component of the crawler: the URL and selector types,
// the fetch/extraction payloads that travel across the event bus, and the
// Sink interface external code can implement without forking the project.
package spyglass

import (
	"net/url"
	"strings"
	"time"
)

// NormalizeURL recomposes u into its canonical form: lowercased scheme and
// host, unchanged path/query/fragment. Equality and set membership across
// the crawler always compare normalized URLs.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// BuildLink resolves href against base and normalizes the result. Returns
// "" if href is empty or base cannot absorb it.
func BuildLink(base *url.URL, href string) string {
	if href == "" || base == nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	normalized, err := NormalizeURL(resolved.String())
	if err != nil {
		return ""
	}
	return normalized
}

// ParsingOptions controls how a matched DOM node is converted into a
// string value for a TargetElement.
type ParsingOptions struct {
	CollectText bool
	RemoveTags  bool
	// CollectAttr, when non-empty, names the attribute whose value should
	// be pulled from the node's outer markup. Mutually informative with
	// the two flags above; a TargetElement may set any combination, the
	// caller decides precedence.
	CollectAttr string
}

// Empty reports whether no parsing option has been configured, in which
// case the element's ScrapedData is still produced but its values are
// ignored downstream by the Output Binder (spec §4.F).
func (p ParsingOptions) Empty() bool {
	return !p.CollectText && !p.RemoveTags && p.CollectAttr == ""
}

// LoadElementKey identifies an element named in an element descriptor's
// requires.loaded list, e.g. {Kind: "css_selector", Value: "#app"}.
type LoadElementKey struct {
	Kind  string
	Value string
}

// Requirements is the crawl-wide, merged set of readiness gates for the
// Fetch Engine's rendered path. The rendered path waits on States and
// Events; LoadedElements is merged and carried but not waited on.
type Requirements struct {
	LoadedElements map[LoadElementKey]struct{}
	Events         map[string]struct{}
	States         map[string]struct{}
}

// ValidStates enumerates the page load states the Fetch Engine understands.
var ValidStates = map[string]struct{}{
	"domcontentloaded": {},
	"load":             {},
	"networkidle":      {},
}

// ValidEvents enumerates the page-event whitelist a Requirements.Events
// entry must belong to.
var ValidEvents = map[string]struct{}{
	"close": {}, "console": {}, "crash": {}, "dialog": {},
	"domcontentloaded": {}, "download": {}, "filechooser": {},
	"frameattached": {}, "framedetached": {}, "framenavigated": {},
	"load": {}, "pageerror": {}, "popup": {}, "request": {},
	"requestfailed": {}, "requestfinished": {}, "response": {},
	"websocket": {}, "worker": {},
}

// NewRequirements returns an empty, ready-to-merge Requirements value.
func NewRequirements() Requirements {
	return Requirements{
		LoadedElements: make(map[LoadElementKey]struct{}),
		Events:         make(map[string]struct{}),
		States:         make(map[string]struct{}),
	}
}

// Merge unions other into r in place and returns r, for chaining.
func (r Requirements) Merge(other Requirements) Requirements {
	for k := range other.LoadedElements {
		r.LoadedElements[k] = struct{}{}
	}
	for k := range other.Events {
		r.Events[k] = struct{}{}
	}
	for k := range other.States {
		r.States[k] = struct{}{}
	}
	return r
}

// TargetElement is a single field the extraction engine looks for, carrying
// its hierarchical CSS selector chain and how to turn a matched node into a
// value.
type TargetElement struct {
	ID              int
	Name            string
	SearchHierarchy []string
	Parsing         ParsingOptions
	Requires        Requirements
}

// ScrapedResponse is the result of fetching one URL, either statically or
// through the headless browser.
type ScrapedResponse struct {
	URL        string
	HTML       string
	StatusCode int
	// Page is non-nil only in render mode. Ownership transfers to whoever
	// receives the ScrapedResponse; they must return it to the Browser
	// Pool exactly once.
	Page RenderedPage
	// HrefElements holds locators for null-href anchors collected during
	// a rendered fetch, used by the Crawl Controller's AJAX click-through.
	HrefElements []NullHrefLocator
}

// RenderedPage is the minimal capability a rendered ScrapedResponse carries
// back to the Browser Pool and the Crawl Controller. It is implemented by
// internal/browserpool's page wrapper; spyglass only needs the interface so
// the core packages don't import go-rod directly.
type RenderedPage interface {
	URL() string
}

// NullHrefLocator identifies a clickable element whose href is one of the
// JS-driven placeholders ("#", "javascript:void(0);", "javascript:;").
// SourcePageURL plus Index forms the click-through dedup key (spec §9design
// note: locator identity does not survive a reload).
type NullHrefLocator struct {
	SourcePageURL string
	Index         int
	Click         func() error
}

// ScrapedData is one (response, TargetElement) pairing: every DOM node the
// hierarchy matched on that page for that element.
type ScrapedData struct {
	SourceURL       string
	TargetElementID int
	Nodes           []Node
}

// Node is the minimal surface the extraction/output pipeline needs from a
// matched DOM element, implemented over goquery.Selection by internal/extract.
type Node interface {
	Text() string
	OuterHTML() (string, error)
}

// Proxy is a validated, ready-to-use proxy endpoint.
type Proxy struct {
	Protocol string
	IP       string
	Port     string
}

// Format renders the proxy as protocol://ip:port.
func (p Proxy) Format() string {
	return p.Protocol + "://" + p.IP + ":" + p.Port
}

// Row is one assembled output record: field name -> ordered values, ready
// for a Sink.
type Row map[string][]string

// Sink is implemented by every output destination (CSV, txt, database).
// The core never knows a sink's concrete kind.
type Sink interface {
	Name() string
	Write(rows []Row, fieldNames []string) error
	Truncate() error
	Close() error
}

// CrawlSummary is printed at crawl exit (spec §7 user-visible behavior).
type CrawlSummary struct {
	SeedURL     string
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Visited     int
	ToVisit     int
	ItemsByType map[string]int
}
