package notifier

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"unicode/utf8"

	"pagewatch/internal/classify"
	"pagewatch/internal/transport"
)

const (
	// maxLineRunes bounds a single diff line inside a chat message.
	maxLineRunes = 300
	// maxPreRunes bounds the escaped <pre> body so the whole message stays
	// inside one Telegram text chunk.
	maxPreRunes = 3000
)

// Message is a rendered notification, ready for any destination.
type Message struct {
	Text     string
	Document *transport.Document
}

// Render formats p as a Telegram HTML message. SmallDiff presentations get a
// side-by-side diff.html attachment when withDoc is set.
func Render(p classify.Presentation, withDoc bool) (Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>The %s page on the MATE website has been updated!</b>\n", html.EscapeString(p.PageName))

	switch p.Kind {
	case classify.LinksAdded:
		b.WriteString("\nNew links:\n")
		for _, l := range p.Links {
			fmt.Fprintf(&b, "• <a href=\"%s\">%s</a>\n", html.EscapeString(l.Href), html.EscapeString(l.Label))
		}
	case classify.SmallDiff:
		b.WriteString("\n<pre>")
		b.WriteString(preBody(p.Diff, maxPreRunes))
		b.WriteString("</pre>\n")
	case classify.LargeDiffSummary:
		fmt.Fprintf(&b, "\n%d lines changed.\n", p.Changed)
	default:
		return Message{}, fmt.Errorf("render: unknown presentation kind %v", p.Kind)
	}
	fmt.Fprintf(&b, "\nCheck out the updated page: %s", html.EscapeString(p.PageURL))

	msg := Message{Text: b.String()}
	if withDoc && p.Kind == classify.SmallDiff {
		data, err := DiffDocument(p)
		if err != nil {
			return Message{}, err
		}
		msg.Document = &transport.Document{
			FileName: "diff.html",
			MIME:     "text/html",
			Data:     data,
			Caption:  p.PageName + " diff",
		}
	}
	return msg, nil
}

// preBody renders the changed lines escaped for HTML, keeping at most budget
// runes. Lines that do not fit are counted in a trailing "… N more" marker.
func preBody(diff []classify.DiffLine, budget int) string {
	changed := make([]string, 0, len(diff))
	for _, d := range diff {
		switch d.Op {
		case classify.Added:
			changed = append(changed, "+ "+html.EscapeString(clip(d.Text))+"\n")
		case classify.Removed:
			changed = append(changed, "- "+html.EscapeString(clip(d.Text))+"\n")
		}
	}

	var b strings.Builder
	used := 0
	for i, line := range changed {
		n := utf8.RuneCountInString(line)
		if used+n > budget {
			fmt.Fprintf(&b, "… %d more\n", len(changed)-i)
			break
		}
		b.WriteString(line)
		used += n
	}
	return b.String()
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= maxLineRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxLineRunes]) + "…"
}

type diffRow struct {
	Old, New           string
	OldClass, NewClass string
}

var diffTmpl = template.Must(template.New("diff").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>
body{font-family:monospace;font-size:13px}
table{border-collapse:collapse;width:100%}
td{vertical-align:top;padding:1px 6px;white-space:pre-wrap;width:50%}
.del{background:#fdd}.add{background:#dfd}.gap{background:#f4f4f4}
</style></head><body>
<h3>{{.Title}}</h3>
<p><a href="{{.URL}}">{{.URL}}</a></p>
<table>
{{range .Rows}}<tr><td class="{{.OldClass}}">{{.Old}}</td><td class="{{.NewClass}}">{{.New}}</td></tr>
{{end}}</table>
</body></html>
`))

// DiffDocument renders the diff of p as a two-column HTML page. Runs of
// removed and added lines are paired row by row.
func DiffDocument(p classify.Presentation) ([]byte, error) {
	var rows []diffRow
	var dels, adds []string
	flush := func() {
		n := max(len(dels), len(adds))
		for i := 0; i < n; i++ {
			r := diffRow{OldClass: "gap", NewClass: "gap"}
			if i < len(dels) {
				r.Old, r.OldClass = dels[i], "del"
			}
			if i < len(adds) {
				r.New, r.NewClass = adds[i], "add"
			}
			rows = append(rows, r)
		}
		dels, adds = dels[:0], adds[:0]
	}
	for _, d := range p.Diff {
		switch d.Op {
		case classify.Removed:
			dels = append(dels, d.Text)
		case classify.Added:
			adds = append(adds, d.Text)
		default:
			flush()
			rows = append(rows, diffRow{Old: d.Text, New: d.Text})
		}
	}
	flush()

	var buf bytes.Buffer
	err := diffTmpl.Execute(&buf, struct {
		Title string
		URL   string
		Rows  []diffRow
	}{Title: p.PageName + " changes", URL: p.PageURL, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("render diff document: %w", err)
	}
	return buf.Bytes(), nil
}
