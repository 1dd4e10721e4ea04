// Package selector compiles a TargetElement's raw configuration (either a
// flat attribute list, a search-hierarchy of attribute sets, or a literal
// CSS selector) into the ordered hierarchy of CSS selector stages the
// Extraction Engine walks.
//
// Grounded on original_source/models/target_element.py
// (collect_attributes, format_css_selectors,
// create_search_hierarchy_from_attributes) and
// original_source/factories/config_element_factory.py's XOR validation
// between attributes and search_hierarchy.
package selector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
)

// ErrMissingSelector is returned when a TargetElement specifies none of
// attributes, search_hierarchy, or css_selector.
var ErrMissingSelector = errors.New("selector: element specifies no attributes, search_hierarchy, or css_selector")

// ErrConflictingSelectors is returned when a TargetElement specifies more
// than one of attributes, search_hierarchy, or css_selector (spec §4.E XOR
// validation).
var ErrConflictingSelectors = errors.New("selector: element specifies more than one of attributes/search_hierarchy/css_selector")

// RawAttribute is one {name, value} descriptor from the configuration
// document. Value may itself already be space-joined by the config loader
// when the source document supplied a sequence of strings.
type RawAttribute struct {
	Name  string
	Value string
}

const classAttr = "class"

// mergeAttributes consolidates a list of attribute descriptors into an
// insertion-ordered set of (name, joined-value) pairs, concatenating values
// for repeated names with a space exactly as collect_attributes does.
func mergeAttributes(attrs []RawAttribute) ([]string, map[string][]string, error) {
	order := make([]string, 0, len(attrs))
	merged := make(map[string][]string)
	for _, a := range attrs {
		if a.Name == "" || a.Value == "" {
			return nil, nil, fmt.Errorf("selector: improperly formatted attribute, missing name or value: %+v", a)
		}
		if _, seen := merged[a.Name]; !seen {
			order = append(order, a.Name)
		}
		merged[a.Name] = append(merged[a.Name], a.Value)
	}
	return order, merged, nil
}

func cssFragment(name string, values []string) string {
	joined := strings.Join(values, " ")
	if name == classAttr {
		tokens := strings.Fields(joined)
		return "." + strings.Join(tokens, ".")
	}
	return fmt.Sprintf("[%s=%s]", name, joined)
}

// CompileAttributeList implements the flat "attributes" config field: each
// distinct attribute name (in first-seen order) becomes its own hierarchy
// stage, matching target_element.py's literal behavior of extending the
// hierarchy once per attribute name rather than compounding them.
func CompileAttributeList(attrs []RawAttribute) ([]string, error) {
	order, merged, err := mergeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	stages := make([]string, 0, len(order))
	for _, name := range order {
		stages = append(stages, cssFragment(name, merged[name]))
	}
	return stages, nil
}

// CompileHierarchySet compiles one attribute-descriptor set from a
// search_hierarchy sequence into a single compound stage selector, e.g.
// {class: "btn active", id: "go"} -> ".btn.active[id=go]".
func CompileHierarchySet(attrs []RawAttribute) (string, error) {
	order, merged, err := mergeAttributes(attrs)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range order {
		b.WriteString(cssFragment(name, merged[name]))
	}
	return b.String(), nil
}

// CompileHierarchy implements the raw "search_hierarchy" config field: a
// sequence of attribute-descriptor sets, each set compiling to exactly one
// stage (spec §4.E bullet 3).
func CompileHierarchy(sets [][]RawAttribute) ([]string, error) {
	stages := make([]string, 0, len(sets))
	for i, set := range sets {
		stage, err := CompileHierarchySet(set)
		if err != nil {
			return nil, fmt.Errorf("selector: stage %d: %w", i, err)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// RawElement is the as-configured shape of one element descriptor, carrying
// at most one of the three selector forms (spec §6 configuration document,
// element descriptor variants).
type RawElement struct {
	Attributes      []RawAttribute
	SearchHierarchy [][]RawAttribute
	CSSSelector     string
}

// Compile resolves a RawElement to its ordered CSS selector hierarchy,
// enforcing the XOR between attributes and search_hierarchy and validating
// every resulting stage with cascadia.Compile so a malformed selector in
// the configuration fails fast instead of silently matching nothing
// mid-crawl (spec §3 expansion).
func Compile(el RawElement) ([]string, error) {
	present := 0
	if len(el.Attributes) > 0 {
		present++
	}
	if len(el.SearchHierarchy) > 0 {
		present++
	}
	if el.CSSSelector != "" {
		present++
	}
	if present == 0 {
		return nil, ErrMissingSelector
	}
	if present > 1 {
		return nil, ErrConflictingSelectors
	}

	var (
		stages []string
		err    error
	)
	switch {
	case el.CSSSelector != "":
		stages = []string{el.CSSSelector}
	case len(el.Attributes) > 0:
		stages, err = CompileAttributeList(el.Attributes)
	default:
		stages, err = CompileHierarchy(el.SearchHierarchy)
	}
	if err != nil {
		return nil, err
	}

	for i, stage := range stages {
		if _, err := cascadia.Compile(stage); err != nil {
			return nil, fmt.Errorf("selector: stage %d (%q) is not a valid CSS selector: %w", i, stage, err)
		}
	}
	return stages, nil
}
