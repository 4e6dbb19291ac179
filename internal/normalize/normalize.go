// Package normalize reduces raw page content to the text that is compared
// between polls.
package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"pagewatch/internal/pages"
)

// ExtractionError means the expected content region was not found. Usually
// the upstream page was redesigned.
type ExtractionError struct {
	Anchor string
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.Anchor == "" {
		return "extraction failed: " + e.Reason
	}
	return fmt.Sprintf("extraction failed: anchor %q: %s", e.Anchor, e.Reason)
}

// invisible elements never contribute to text-only output.
var invisible = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// Normalize applies rule to raw and returns the comparison text.
func Normalize(raw []byte, rule pages.ExtractRule) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", &ExtractionError{Anchor: rule.Anchor, Reason: "parse html: " + err.Error()}
	}

	sel := doc.Selection
	if rule.Anchor != "" {
		sel = findByID(doc, rule.Anchor)
		if sel.Length() == 0 {
			return "", &ExtractionError{Anchor: rule.Anchor, Reason: "anchor not found"}
		}
	}

	switch rule.Kind {
	case pages.Structural:
		return Structure(sel), nil
	case pages.TextOnly:
		return Text(sel), nil
	default:
		return "", &ExtractionError{Anchor: rule.Anchor, Reason: "unsupported rule " + rule.Kind.String()}
	}
}

// Structure serializes the selection as indented markup: one tag or text
// node per line, one space of indent per depth. Text is whitespace-collapsed
// and comments are dropped, so cosmetic upstream churn does not show up as a
// change.
func Structure(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		writeNode(&b, n, 0)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeNode(b *strings.Builder, n *html.Node, depth int) {
	switch n.Type {
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeNode(b, c, depth)
		}
	case html.TextNode:
		t := collapse(n.Data)
		if t == "" {
			return
		}
		indent(b, depth)
		b.WriteString(html.EscapeString(t))
		b.WriteByte('\n')
	case html.ElementNode:
		indent(b, depth)
		b.WriteByte('<')
		b.WriteString(n.Data)
		for _, a := range n.Attr {
			b.WriteByte(' ')
			if a.Namespace != "" {
				b.WriteString(a.Namespace + ":")
			}
			b.WriteString(a.Key)
			b.WriteString(`="`)
			b.WriteString(html.EscapeString(a.Val))
			b.WriteByte('"')
		}
		b.WriteString(">\n")
		if isVoid(n.Data) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeNode(b, c, depth+1)
		}
		indent(b, depth)
		b.WriteString("</" + n.Data + ">\n")
	}
}

// Text returns the visible text under the selection, one trimmed text node
// per line.
func Text(sel *goquery.Selection) string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && invisible[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := collapse(n.Data); t != "" {
				lines = append(lines, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func indent(b *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		b.WriteByte(' ')
	}
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true, "img": true,
	"input": true, "link": true, "meta": true, "source": true, "track": true, "wbr": true,
}

func isVoid(tag string) bool { return voidElements[tag] }

// findByID matches the id attribute literally; anchors are not always valid
// CSS identifiers.
func findByID(doc *goquery.Document, id string) *goquery.Selection {
	return doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr("id")
		return v == id
	}).First()
}
