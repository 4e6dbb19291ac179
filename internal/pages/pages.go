// Package pages is the static catalog of monitored pages.
package pages

import (
	"fmt"
	"sort"
	"strings"
)

// RuleKind selects how raw page content is reduced to comparable text.
type RuleKind int

const (
	// Structural keeps the markup under the anchor, serialized one node per line.
	Structural RuleKind = iota
	// TextOnly keeps only the visible text under the anchor, newline-joined.
	TextOnly
)

func (k RuleKind) String() string {
	switch k {
	case Structural:
		return "structural"
	case TextOnly:
		return "text"
	default:
		return fmt.Sprintf("RuleKind(%d)", int(k))
	}
}

// ParseRuleKind accepts "structural"/"html" and "text"/"text_only".
func ParseRuleKind(s string) (RuleKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "structural", "html":
		return Structural, nil
	case "text", "text_only", "textonly":
		return TextOnly, nil
	default:
		return 0, fmt.Errorf("unknown extraction rule %q", s)
	}
}

// ExtractRule is the per-page extraction configuration. An empty Anchor
// selects the whole document.
type ExtractRule struct {
	Kind   RuleKind
	Anchor string
}

// Spec describes one monitored page. Specs are immutable once the registry
// is built.
type Spec struct {
	Name        string
	URL         string
	Rule        ExtractRule
	Description string
}

// DefaultAnchor is the content region id shared by the competition pages.
const DefaultAnchor = "main-content"

// Defaults is the built-in catalog.
func Defaults() []Spec {
	site := func(name, path, desc string) Spec {
		return Spec{
			Name:        name,
			URL:         "https://materovcompetition.org/" + path,
			Rule:        ExtractRule{Kind: Structural, Anchor: DefaultAnchor},
			Description: desc,
		}
	}
	return []Spec{
		site("explorer", "explorer", "the Explorer class specs"),
		site("pioneer", "pioneer", "the Pioneer class specs"),
		site("ranger", "ranger", "the Ranger class specs"),
		site("navigator", "navigator", "the Navigator class specs"),
		site("scout", "scout", "the Scout class specs"),
		site("scoring", "scoring", "scoring rules"),
		site("worlds", "world-championship", "the world championships"),
		{
			Name:        "rulings",
			URL:         "https://docs.google.com/document/d/e/2PACX-1vS-i5t8yrwIYMjHzpS6sSYyuG8_quCGhyDMnxPqG2eDmI6QacK08fTVS2_VQF-d1vfjA7ydJgbu4itI/pub",
			Rule:        ExtractRule{Kind: TextOnly, Anchor: "contents"},
			Description: "official rulings",
		},
	}
}

// Registry is an ordered, name-indexed set of page specs.
type Registry struct {
	specs  []Spec
	byName map[string]int
}

// NewRegistry validates specs and builds a registry. Names must be unique,
// non-empty and usable as bot command arguments.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(specs))}
	for _, s := range specs {
		s.Name = strings.ToLower(strings.TrimSpace(s.Name))
		if s.Name == "" {
			return nil, fmt.Errorf("page name required (url=%q)", s.URL)
		}
		if strings.ContainsAny(s.Name, " \t\n/@") || s.Name == "all" {
			return nil, fmt.Errorf("page %q: invalid name", s.Name)
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return nil, fmt.Errorf("page %q: url must be http(s): %q", s.Name, s.URL)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate page name %q", s.Name)
		}
		r.byName[s.Name] = len(r.specs)
		r.specs = append(r.specs, s)
	}
	return r, nil
}

// All returns a copy of the specs in catalog order.
func (r *Registry) All() []Spec {
	return append([]Spec(nil), r.specs...)
}

func (r *Registry) Lookup(name string) (Spec, bool) {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Spec{}, false
	}
	return r.specs[i], true
}

// Names returns the page names sorted alphabetically.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int { return len(r.specs) }
