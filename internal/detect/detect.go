// Package detect compares freshly normalized page text with the stored
// snapshot and advances the snapshot.
package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pagewatch/internal/pages"
	"pagewatch/internal/storage"
)

// ChangeRecord describes one observed change. It lives for one pass only.
type ChangeRecord struct {
	Page    pages.Spec
	OldText string
	NewText string
	// Doc is NewText parsed as markup; text-only pages parse to a document
	// without anchors.
	Doc *goquery.Document
}

// Outcome of comparing new content with the stored snapshot.
type Outcome int

const (
	// Seeded: first observation of the URL; stored, nothing to report.
	Seeded Outcome = iota
	Unchanged
	Changed
)

func (o Outcome) String() string {
	switch o {
	case Seeded:
		return "seeded"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type Detector struct {
	store storage.SnapshotStore
}

func New(store storage.SnapshotStore) *Detector {
	return &Detector{store: store}
}

// Detect stores text as the snapshot for page.URL when it is new or
// different. A ChangeRecord is returned only for Changed.
func (d *Detector) Detect(ctx context.Context, page pages.Spec, text string) (Outcome, *ChangeRecord, error) {
	ok, err := d.store.HasSnapshot(ctx, page.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("snapshot lookup %s: %w", page.URL, err)
	}
	if !ok {
		if err := d.store.PutSnapshot(ctx, page.URL, text); err != nil {
			return 0, nil, fmt.Errorf("snapshot seed %s: %w", page.URL, err)
		}
		return Seeded, nil, nil
	}

	old, err := d.store.GetSnapshot(ctx, page.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("snapshot read %s: %w", page.URL, err)
	}
	if old == text {
		return Unchanged, nil, nil
	}

	if err := d.store.PutSnapshot(ctx, page.URL, text); err != nil {
		return 0, nil, fmt.Errorf("snapshot update %s: %w", page.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return 0, nil, fmt.Errorf("parse new content %s: %w", page.URL, err)
	}
	return Changed, &ChangeRecord{Page: page, OldText: old, NewText: text, Doc: doc}, nil
}
