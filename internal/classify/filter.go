package classify

import (
	"fmt"
	"strings"
)

// FilterRule is one configured ignore rule. Only "substring" is supported:
// a changed line containing Value is not counted or shown.
type FilterRule struct {
	Type  string `json:"type"`
	Value string `json:"filter_string"`
}

// Filter decides whether a changed diff line is noise. A nil Filter ignores
// nothing.
type Filter struct {
	substrings []string
}

func NewFilter(rules []FilterRule) (*Filter, error) {
	f := &Filter{}
	for i, r := range rules {
		switch strings.ToLower(strings.TrimSpace(r.Type)) {
		case "substring", "":
			if r.Value == "" {
				return nil, fmt.Errorf("ignore[%d]: filter_string required", i)
			}
			f.substrings = append(f.substrings, r.Value)
		default:
			return nil, fmt.Errorf("ignore[%d]: unknown rule type %q", i, r.Type)
		}
	}
	return f, nil
}

func (f *Filter) Ignore(line string) bool {
	if f == nil {
		return false
	}
	for _, s := range f.substrings {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.substrings)
}
