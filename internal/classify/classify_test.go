package classify

import (
	"fmt"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/detect"
	"pagewatch/internal/pages"
)

func record(t *testing.T, name, old, new string) *detect.ChangeRecord {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(new))
	require.NoError(t, err)
	return &detect.ChangeRecord{
		Page:    pages.Spec{Name: name, URL: "https://example.com/" + name, Description: name + " page"},
		OldText: old,
		NewText: new,
		Doc:     doc,
	}
}

func numbered(prefix string, n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("%s %d", prefix, i)
	}
	return strings.Join(lines, "\n")
}

func TestClassifyRulingsScenario(t *testing.T) {
	t.Parallel()
	p, ok := New(0, nil).Classify(record(t, "rulings", "A\nB\nC", "A\nB\nC\nD"))
	require.True(t, ok)
	assert.Equal(t, SmallDiff, p.Kind)
	assert.Equal(t, 1, p.Changed)
	assert.Equal(t, []string{"D"}, Lines(p.Diff, Added))
	assert.Empty(t, Lines(p.Diff, Removed))
	assert.Equal(t, []string{"A", "B", "C"}, Lines(p.Diff, Equal))
	assert.Equal(t, "https://example.com/rulings", p.PageURL)
}

func TestClassifyThresholdBoundary(t *testing.T) {
	t.Parallel()
	base := numbered("keep", 5)

	p, ok := New(0, nil).Classify(record(t, "scoring", base, base+"\n"+numbered("new", 9)))
	require.True(t, ok)
	assert.Equal(t, SmallDiff, p.Kind)
	assert.Equal(t, 9, p.Changed)

	p, ok = New(0, nil).Classify(record(t, "scoring", base, base+"\n"+numbered("new", 10)))
	require.True(t, ok)
	assert.Equal(t, LargeDiffSummary, p.Kind)
	assert.Equal(t, 10, p.Changed)
	assert.Empty(t, p.Diff)
}

func TestClassifyReplacedLinesCountBothSides(t *testing.T) {
	t.Parallel()
	p, ok := New(0, nil).Classify(record(t, "x", "a\nb\nc", "a\nB\nc"))
	require.True(t, ok)
	assert.Equal(t, SmallDiff, p.Kind)
	assert.Equal(t, 2, p.Changed)
	assert.Equal(t, []string{"b"}, Lines(p.Diff, Removed))
	assert.Equal(t, []string{"B"}, Lines(p.Diff, Added))
}

func TestClassifyNewLinkWinsOverLargeDiff(t *testing.T) {
	t.Parallel()
	old := `<div id="main-content">` + "\n" + numbered("old", 30) + "\n</div>"
	new := `<div id="main-content">` + "\n" + numbered("new", 30) +
		"\n" + `<a href="https://example.com/manual.pdf">` + "\n 2025 Manual\n</a>\n</div>"

	p, ok := New(0, nil).Classify(record(t, "explorer", old, new))
	require.True(t, ok)
	assert.Equal(t, LinksAdded, p.Kind)
	assert.Equal(t, []Link{{Label: "2025 Manual", Href: "https://example.com/manual.pdf"}}, p.Links)
	assert.Empty(t, p.Diff)
}

func TestNewLinksFiltering(t *testing.T) {
	t.Parallel()
	old := `<a href="https://example.com/old?a=1&amp;b=2">
 old
</a>`
	new := `<a href="https://example.com/old?a=1&amp;b=2">old</a>
<a href="/relative/path">relative</a>
<a href="https://example.com/empty"> </a>
<a href="https://example.com/fresh">Fresh</a>
<a href="https://example.com/fresh">Fresh again</a>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(new))
	require.NoError(t, err)
	links := NewLinks(doc, old)
	assert.Equal(t, []Link{{Label: "Fresh", Href: "https://example.com/fresh"}}, links)
}

func TestClassifyTextOnlyContentHasNoLinks(t *testing.T) {
	t.Parallel()
	p, ok := New(0, nil).Classify(record(t, "rulings", "Q1", "Q1\nsee https://example.com/x"))
	require.True(t, ok)
	assert.Equal(t, SmallDiff, p.Kind)
}

func TestClassifyIgnoreRules(t *testing.T) {
	t.Parallel()
	f, err := NewFilter([]FilterRule{{Type: "substring", Value: "Last updated"}})
	require.NoError(t, err)
	c := New(0, f)

	_, ok := c.Classify(record(t, "scout", "A\nLast updated: Monday", "A\nLast updated: Tuesday"))
	assert.False(t, ok)

	p, ok := c.Classify(record(t, "scout", "A\nLast updated: Monday", "B\nLast updated: Tuesday"))
	require.True(t, ok)
	assert.Equal(t, SmallDiff, p.Kind)
	assert.Equal(t, 2, p.Changed)
	assert.Equal(t, []string{"B"}, Lines(p.Diff, Added))
}

func TestNewFilterRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := NewFilter([]FilterRule{{Type: "regex", Value: "x"}})
	assert.Error(t, err)
	_, err = NewFilter([]FilterRule{{Type: "substring"}})
	assert.Error(t, err)

	var nilFilter *Filter
	assert.False(t, nilFilter.Ignore("anything"))
}
