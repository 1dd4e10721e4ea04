// Package extract implements the Extraction Engine: it listens for
// new_responses, walks each TargetElement's compiled selector hierarchy
// over the parsed DOM, and publishes scraped_data.
//
// Grounded on original_source/scraping/data_scraper.py's
// _collect_all_target_elements (stage-0 css(), subsequent stages union over
// descendants of the current result set) and
// original_source/scraping/data_parser.py's parse_data (collect_text,
// remove_tags, collect_attr_value), reimplemented over goquery.Selection.
package extract

import (
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pageloom/pageloom/internal/eventbus"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

// Engine is the Extraction Engine: component 4.F.
type Engine struct {
	bus          *eventbus.Bus
	elements     []spyglass.TargetElement
	subPagesOnly func(url string) bool
	logger       *log.Logger
}

// NewEngine builds an Engine and subscribes it to new_responses. elements
// are walked in the given order for every response. subPagesOnly, when
// non-nil, is consulted per-URL to implement the "sub-pages-only" skip
// (spec §4.F step 2); a nil predicate extracts from every response.
func NewEngine(bus *eventbus.Bus, elements []spyglass.TargetElement, subPagesOnly func(string) bool) *Engine {
	e := &Engine{
		bus:          bus,
		elements:     elements,
		subPagesOnly: subPagesOnly,
		logger:       log.New(os.Stderr, "extract: ", log.LstdFlags),
	}
	bus.AddListener("new_responses", "extract", e.onNewResponses, eventbus.Normal)
	return e
}

func (e *Engine) onNewResponses(ev eventbus.Event) {
	byURL, ok := ev.Data.(map[string]string)
	if !ok {
		e.logger.Printf("unexpected new_responses payload type %T", ev.Data)
		return
	}

	var all []spyglass.ScrapedData
	for url, html := range byURL {
		if e.subPagesOnly != nil && e.subPagesOnly(url) {
			continue
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			e.logger.Printf("parse failure for %s, skipping: %v", url, err)
			continue
		}

		for _, el := range e.elements {
			all = append(all, e.collect(url, doc, el))
		}
	}

	if err := e.bus.Trigger(eventbus.Event{Topic: "scraped_data", Data: all, MaxResponders: -1}); err != nil {
		e.logger.Printf("publish scraped_data: %v", err)
	}
}

// collect walks el's hierarchy over doc, preserving whatever result set
// existed before any stage that matches nothing (spec §4.F step 3: partial
// matches of shorter chains are a deliberate policy choice, not an error).
func (e *Engine) collect(url string, doc *goquery.Document, el spyglass.TargetElement) spyglass.ScrapedData {
	if len(el.SearchHierarchy) == 0 {
		return spyglass.ScrapedData{SourceURL: url, TargetElementID: el.ID}
	}

	resultSet := doc.Find(el.SearchHierarchy[0])
	for _, stage := range el.SearchHierarchy[1:] {
		next := resultSet.Find(stage)
		if next.Length() == 0 {
			break
		}
		resultSet = next
	}

	nodes := make([]spyglass.Node, 0, resultSet.Length())
	resultSet.Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, &domNode{sel: s})
	})
	return spyglass.ScrapedData{SourceURL: url, TargetElementID: el.ID, Nodes: nodes}
}

// domNode adapts a goquery.Selection to spyglass.Node.
type domNode struct {
	sel *goquery.Selection
}

func (n *domNode) Text() string { return strings.TrimSpace(n.sel.Text()) }

func (n *domNode) OuterHTML() (string, error) { return goquery.OuterHtml(n.sel) }

// ApplyParsingOptions turns a matched node into its configured string
// value. Precedence among the three rules follows spyglass.ParsingOptions'
// documented caller-decides-precedence contract: collect_text, then
// remove_tags, then collect_attr.
func ApplyParsingOptions(node spyglass.Node, opts spyglass.ParsingOptions) (string, error) {
	switch {
	case opts.CollectText:
		return node.Text(), nil
	case opts.RemoveTags:
		return node.OuterHTML()
	case opts.CollectAttr != "":
		outer, err := node.OuterHTML()
		if err != nil {
			return "", err
		}
		return collectAttrValue(opts.CollectAttr, outer), nil
	default:
		return "", nil
	}
}

// collectAttrValue mirrors data_parser.py's collect_attr_value: a regex
// match against the serialized outer HTML rather than a structured
// attribute lookup, so a missing attribute yields "" exactly as the source
// does on malformed or partially-unwrapped fragments.
func collectAttrValue(attrName, outerHTML string) string {
	re := regexp.MustCompile(regexp.QuoteMeta(attrName) + `="([^"]*)"`)
	m := re.FindStringSubmatch(outerHTML)
	if m == nil {
		return ""
	}
	return m[1]
}
