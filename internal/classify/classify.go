// Package classify decides how a detected change is presented to
// subscribers.
package classify

import (
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pmezard/go-difflib/difflib"

	"pagewatch/internal/detect"
)

// SmallChangeThreshold is the exclusive upper bound of changed lines for a
// SmallDiff presentation.
const SmallChangeThreshold = 10

type Kind int

const (
	LinksAdded Kind = iota
	SmallDiff
	LargeDiffSummary
)

func (k Kind) String() string {
	switch k {
	case LinksAdded:
		return "links_added"
	case SmallDiff:
		return "small_diff"
	case LargeDiffSummary:
		return "large_diff"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Link struct {
	Label string
	Href  string
}

type Op int

const (
	Equal Op = iota
	Added
	Removed
)

type DiffLine struct {
	Op   Op
	Text string
}

// Presentation is the classified notification for one change. Which fields
// are set depends on Kind: Links for LinksAdded, Diff for SmallDiff; Changed
// is always the number of counted added+removed lines.
type Presentation struct {
	Kind        Kind
	PageName    string
	PageURL     string
	Description string

	Links   []Link
	Diff    []DiffLine
	Changed int
}

type Classifier struct {
	threshold int
	filter    *Filter
}

// New returns a classifier. threshold <= 0 selects SmallChangeThreshold; a
// nil filter ignores nothing.
func New(threshold int, filter *Filter) *Classifier {
	if threshold <= 0 {
		threshold = SmallChangeThreshold
	}
	return &Classifier{threshold: threshold, filter: filter}
}

// Classify applies, in order: new links, small diff, large diff. It returns
// false when every changed line is covered by an ignore rule and no link was
// added.
func (c *Classifier) Classify(rec *detect.ChangeRecord) (Presentation, bool) {
	p := Presentation{
		PageName:    rec.Page.Name,
		PageURL:     rec.Page.URL,
		Description: rec.Page.Description,
	}

	if links := NewLinks(rec.Doc, rec.OldText); len(links) > 0 {
		p.Kind = LinksAdded
		p.Links = links
		return p, true
	}

	diff, changed := c.lineDiff(rec.OldText, rec.NewText)
	if changed == 0 {
		return Presentation{}, false
	}
	p.Changed = changed
	if changed < c.threshold {
		p.Kind = SmallDiff
		p.Diff = diff
		return p, true
	}
	p.Kind = LargeDiffSummary
	return p, true
}

// NewLinks lists absolute links in doc whose href does not appear in old and
// whose label is not empty. Each href is reported once.
func NewLinks(doc *goquery.Document, old string) []Link {
	if doc == nil {
		return nil
	}
	var out []Link
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if !strings.Contains(href, "://") || seen[href] {
			return
		}
		if strings.Contains(old, href) || strings.Contains(old, html.EscapeString(href)) {
			return
		}
		label := strings.Join(strings.Fields(s.Text()), " ")
		if label == "" {
			return
		}
		seen[href] = true
		out = append(out, Link{Label: label, Href: href})
	})
	return out
}

// lineDiff returns the full line diff and the number of counted changed
// lines. Changed lines matched by the filter are dropped from both.
func (c *Classifier) lineDiff(old, new string) ([]DiffLine, int) {
	a, b := splitLines(old), splitLines(new)
	m := difflib.NewMatcher(a, b)

	var out []DiffLine
	changed := 0
	emit := func(op Op, line string) {
		if op != Equal {
			if c.filter.Ignore(line) {
				return
			}
			changed++
		}
		out = append(out, DiffLine{Op: op, Text: line})
	}
	for _, oc := range m.GetOpCodes() {
		switch oc.Tag {
		case 'e':
			for _, l := range a[oc.I1:oc.I2] {
				emit(Equal, l)
			}
		case 'd':
			for _, l := range a[oc.I1:oc.I2] {
				emit(Removed, l)
			}
		case 'i':
			for _, l := range b[oc.J1:oc.J2] {
				emit(Added, l)
			}
		case 'r':
			for _, l := range a[oc.I1:oc.I2] {
				emit(Removed, l)
			}
			for _, l := range b[oc.J1:oc.J2] {
				emit(Added, l)
			}
		}
	}
	return out, changed
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Lines returns the text of diff lines with the given op.
func Lines(diff []DiffLine, op Op) []string {
	var out []string
	for _, d := range diff {
		if d.Op == op {
			out = append(out, d.Text)
		}
	}
	return out
}
