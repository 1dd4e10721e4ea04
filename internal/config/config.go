// Package config implements Config Binding: it parses the JSON
// configuration document, applies every documented default, assigns dense
// TargetElement ids, resolves data_order, and materializes one Seed per
// target URL ready to hand to a crawl.Controller.
//
// Grounded on original_source/loaders/config_loader.py (get_setup_information,
// _formate_config's dense-id assignment, _build_options' per-url defaults,
// get_data_order) and original_source/factories/config_element_factory.py's
// _sort_elements (data_order.index(x.name)).
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pageloom/pageloom/internal/crawl"
	"github.com/pageloom/pageloom/internal/fetch"
	"github.com/pageloom/pageloom/internal/output"
	"github.com/pageloom/pageloom/internal/selector"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

// StringOrSlice accepts either a JSON string or a JSON array of strings,
// joining an array with spaces (spec §4.E: "value is either a string or a
// sequence of strings").
type StringOrSlice string

func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrSlice(single)
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("config: attribute value must be a string or array of strings: %w", err)
	}
	*s = StringOrSlice(strings.Join(multi, " "))
	return nil
}

// RawAttribute is one {name, value} descriptor as it appears in the config
// document.
type RawAttribute struct {
	Name  string        `json:"name"`
	Value StringOrSlice `json:"value"`
}

// RequiresDoc is the raw "requires" block on an element descriptor.
type RequiresDoc struct {
	Loaded []struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	} `json:"loaded"`
	Event []string `json:"event"`
	State []string `json:"state"`
}

// DataParsingDoc is the raw "data_parsing" block (spec §3 ParsingOptions).
type DataParsingDoc struct {
	CollectText bool   `json:"collect_text"`
	RemoveTags  bool   `json:"remove_tags"`
	CollectAttr string `json:"collect_attr"`
}

// ElementDoc is one entry of the top-level "elements" list.
type ElementDoc struct {
	ID              *int             `json:"id"`
	Name            string           `json:"name"`
	Attributes      []RawAttribute   `json:"attributes"`
	SearchHierarchy [][]RawAttribute `json:"search_hierarchy"`
	CSSSelector     string           `json:"css_selector"`
	DataParsing     DataParsingDoc   `json:"data_parsing"`
	Requires        RequiresDoc      `json:"requires"`
}

// OptionsDoc is target_urls[i].options.
type OptionsDoc struct {
	OnlyScrapeSubPages *bool `json:"only_scrape_sub_pages"`
}

// ResponseLoaderDoc is target_urls[i].response_loader.
type ResponseLoaderDoc struct {
	UseProxies  *bool `json:"use_proxies"`
	RenderPages *bool `json:"render_pages"`
	MaxRetries  *int  `json:"max_retries"`
}

// CrawlerDoc is target_urls[i].crawler.
type CrawlerDoc struct {
	IgnoreRobotsTxt *bool    `json:"ignore_robots_txt"`
	CrawlDelay      *float64 `json:"crawl_delay"`
	MaxDepth        *int     `json:"max_depth"`
	AllowedDomains  []string `json:"allowed_domains"`
	URLPatterns     []string `json:"url_patterns"`
}

// TargetURLDoc is one entry of the top-level "target_urls" list.
type TargetURLDoc struct {
	URL            string            `json:"url" validate:"required,url"`
	Options        OptionsDoc        `json:"options"`
	ResponseLoader ResponseLoaderDoc `json:"response_loader"`
	Crawler        CrawlerDoc        `json:"crawler"`
}

// CSVDoc is data_saving.csv.
type CSVDoc struct {
	Enabled     bool   `json:"enabled"`
	FilePath    string `json:"file_path"`
	Orientation string `json:"orientation" validate:"omitempty,oneof=horizontal vertical"`
}

// SinkToggle covers data_saving.txt / data_saving.database, both stubs with
// the same {enabled} shape.
type SinkToggle struct {
	Enabled bool `json:"enabled"`
}

// DataSavingDoc is the top-level "data_saving" block.
type DataSavingDoc struct {
	CSV      *CSVDoc     `json:"csv"`
	Txt      *SinkToggle `json:"txt"`
	Database *SinkToggle `json:"database"`
}

// Document is the full JSON configuration document (spec §6).
type Document struct {
	TargetURLs []TargetURLDoc `json:"target_urls" validate:"required,min=1,dive"`
	Elements   []ElementDoc   `json:"elements" validate:"required,min=1"`
	DataOrder  []string       `json:"data_order"`
	DataSaving DataSavingDoc  `json:"data_saving"`
}

// Seed is one materialized {options, response-loader settings, crawler
// settings} bundle, ready to build a Fetch Engine and Crawl Controller from
// (spec §4.I).
type Seed struct {
	URL              string
	OnlyScrapeSubPages bool
	CrawlConfig      crawl.Config
	FetchConfig      fetch.Config
	Elements         []spyglass.TargetElement
	DataOrder        []string
	Sink             spyglass.Sink
	TruncateSink     bool
}

// Loader reads and validates the configuration document.
type Loader struct {
	validate *validator.Validate
}

// NewLoader builds a Loader.
func NewLoader() *Loader {
	return &Loader{validate: validator.New()}
}

// Load reads path, unmarshals it, and validates it with struct tags before
// any per-seed materialization begins (spec §4.I expansion).
func (l *Loader) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := l.validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	if len(doc.TargetURLs) == 0 {
		return nil, fmt.Errorf("config: no urls found in %s, at least one is required", path)
	}
	if len(doc.Elements) == 0 {
		return nil, fmt.Errorf("config: no elements found in %s", path)
	}
	return &doc, nil
}

// Bind materializes doc into one Seed per target URL: dense element ids,
// compiled selector hierarchies, merged Requirements, resolved data_order,
// and a constructed Sink (spec §4.I).
func Bind(doc *Document) ([]Seed, error) {
	elements, requirements, err := bindElements(doc.Elements)
	if err != nil {
		return nil, err
	}

	dataOrder, err := resolveDataOrder(doc.DataOrder, elements)
	if err != nil {
		return nil, err
	}

	sink, truncate, err := buildSink(doc.DataSaving)
	if err != nil {
		return nil, err
	}

	seeds := make([]Seed, 0, len(doc.TargetURLs))
	for _, t := range doc.TargetURLs {
		seed, err := bindSeed(t, elements, dataOrder, requirements, sink, truncate)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func bindSeed(t TargetURLDoc, elements []spyglass.TargetElement, dataOrder []string, requirements spyglass.Requirements, sink spyglass.Sink, truncate bool) (Seed, error) {
	onlySub := true
	if t.Options.OnlyScrapeSubPages != nil {
		onlySub = *t.Options.OnlyScrapeSubPages
	}

	useProxies := false
	if t.ResponseLoader.UseProxies != nil {
		useProxies = *t.ResponseLoader.UseProxies
	}
	renderPages := false
	if t.ResponseLoader.RenderPages != nil {
		renderPages = *t.ResponseLoader.RenderPages
	}
	maxRetries := 0
	if t.ResponseLoader.MaxRetries != nil {
		maxRetries = *t.ResponseLoader.MaxRetries
	}

	ignoreRobots := false
	if t.Crawler.IgnoreRobotsTxt != nil {
		ignoreRobots = *t.Crawler.IgnoreRobotsTxt
	}
	crawlDelay := time.Duration(0)
	if t.Crawler.CrawlDelay != nil {
		crawlDelay = time.Duration(*t.Crawler.CrawlDelay * float64(time.Second))
	}
	maxDepth := 6
	if t.Crawler.MaxDepth != nil {
		maxDepth = *t.Crawler.MaxDepth
	}

	allowedDomains := t.Crawler.AllowedDomains
	if len(allowedDomains) == 0 {
		host, err := hostOf(t.URL)
		if err != nil {
			return Seed{}, err
		}
		allowedDomains = []string{host}
	}

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.UseProxies = useProxies
	fetchCfg.Render = renderPages
	fetchCfg.MaxRetries = maxRetries
	fetchCfg.Requirements = requirements

	crawlCfg := crawl.Config{
		Seed:            t.URL,
		AllowedDomains:  allowedDomains,
		URLPatterns:     t.Crawler.URLPatterns,
		MaxDepth:        maxDepth,
		IgnoreRobotsTxt: ignoreRobots,
		CrawlDelay:      crawlDelay,
		RenderPages:     renderPages,
	}

	return Seed{
		URL:                t.URL,
		OnlyScrapeSubPages: onlySub,
		CrawlConfig:        crawlCfg,
		FetchConfig:        fetchCfg,
		Elements:           elements,
		DataOrder:          dataOrder,
		Sink:               sink,
		TruncateSink:       truncate,
	}, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("config: parse target url %q: %w", rawURL, err)
	}
	return strings.ToLower(u.Hostname()), nil
}

// bindElements assigns dense ids, compiles every element's selector
// hierarchy, and merges every element's Requirements into one crawl-wide
// Requirements value (spec §3 "Requirements of all TargetElements are
// merged").
func bindElements(docs []ElementDoc) ([]spyglass.TargetElement, spyglass.Requirements, error) {
	used := make(map[int]struct{})
	for _, d := range docs {
		if d.ID != nil {
			used[*d.ID] = struct{}{}
		}
	}

	next := 0
	nextID := func() int {
		for {
			if _, taken := used[next]; !taken {
				id := next
				used[id] = struct{}{}
				next++
				return id
			}
			next++
		}
	}

	merged := spyglass.NewRequirements()
	elements := make([]spyglass.TargetElement, 0, len(docs))

	for i, d := range docs {
		id := 0
		if d.ID != nil {
			id = *d.ID
		} else {
			id = nextID()
		}

		name := d.Name
		if name == "" {
			name = fmt.Sprintf("element_%d", id)
		}

		hierarchy, err := selector.Compile(toRawElement(d))
		if err != nil {
			return nil, spyglass.Requirements{}, fmt.Errorf("config: element %d (%s): %w", i, name, err)
		}

		req := toRequirements(d.Requires)
		merged = merged.Merge(req)

		elements = append(elements, spyglass.TargetElement{
			ID:              id,
			Name:            name,
			SearchHierarchy: hierarchy,
			Parsing: spyglass.ParsingOptions{
				CollectText: d.DataParsing.CollectText,
				RemoveTags:  d.DataParsing.RemoveTags,
				CollectAttr: d.DataParsing.CollectAttr,
			},
			Requires: req,
		})
	}

	ids := make(map[int]struct{}, len(elements))
	for _, el := range elements {
		ids[el.ID] = struct{}{}
	}
	for i := 0; i < len(elements); i++ {
		if _, ok := ids[i]; !ok {
			return nil, spyglass.Requirements{}, fmt.Errorf("config: element ids must be dense [0, %d), missing %d", len(elements), i)
		}
	}

	return elements, merged, nil
}

func toRawElement(d ElementDoc) selector.RawElement {
	return selector.RawElement{
		Attributes:      toRawAttributes(d.Attributes),
		SearchHierarchy: toRawAttributeSets(d.SearchHierarchy),
		CSSSelector:     d.CSSSelector,
	}
}

func toRawAttributes(attrs []RawAttribute) []selector.RawAttribute {
	out := make([]selector.RawAttribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, selector.RawAttribute{Name: a.Name, Value: string(a.Value)})
	}
	return out
}

func toRawAttributeSets(sets [][]RawAttribute) [][]selector.RawAttribute {
	out := make([][]selector.RawAttribute, 0, len(sets))
	for _, set := range sets {
		out = append(out, toRawAttributes(set))
	}
	return out
}

func toRequirements(r RequiresDoc) spyglass.Requirements {
	req := spyglass.NewRequirements()
	for _, l := range r.Loaded {
		req.LoadedElements[spyglass.LoadElementKey{Kind: l.Kind, Value: l.Value}] = struct{}{}
	}
	for _, e := range r.Event {
		req.Events[e] = struct{}{}
	}
	for _, s := range r.State {
		req.States[s] = struct{}{}
	}
	return req
}

// resolveDataOrder validates every configured name resolves to an element
// and appends any element name missing from data_order, in declaration
// order (spec §4.I).
func resolveDataOrder(configured []string, elements []spyglass.TargetElement) ([]string, error) {
	names := make(map[string]struct{}, len(elements))
	for _, el := range elements {
		names[el.Name] = struct{}{}
	}

	order := make([]string, 0, len(elements))
	seen := make(map[string]struct{}, len(elements))
	for _, name := range configured {
		if _, ok := names[name]; !ok {
			return nil, fmt.Errorf("config: data_order references unknown element name %q", name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		order = append(order, name)
		seen[name] = struct{}{}
	}
	for _, el := range elements {
		if _, ok := seen[el.Name]; ok {
			continue
		}
		order = append(order, el.Name)
		seen[el.Name] = struct{}{}
	}
	return order, nil
}

func buildSink(doc DataSavingDoc) (spyglass.Sink, bool, error) {
	if doc.CSV != nil && doc.CSV.Enabled {
		if doc.CSV.FilePath == "" {
			return nil, false, fmt.Errorf("config: data_saving.csv.enabled is true but file_path is empty")
		}
		orientation := output.Horizontal
		if doc.CSV.Orientation == string(output.Vertical) {
			orientation = output.Vertical
		}
		sink, err := output.NewCSVSink(doc.CSV.FilePath, orientation)
		if err != nil {
			return nil, false, err
		}
		return sink, true, nil
	}
	if doc.Txt != nil && doc.Txt.Enabled {
		return output.TextSink{}, false, nil
	}
	if doc.Database != nil && doc.Database.Enabled {
		return output.DatabaseSink{}, false, nil
	}
	return nil, false, fmt.Errorf("config: no sink enabled in data_saving")
}
