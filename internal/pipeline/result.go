package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"pagewatch/internal/notifier"
)

// Outcome is the per-target result of a pass.
type Outcome int

const (
	Seeded Outcome = iota
	Unchanged
	Changed
	// Suppressed: the snapshot advanced but every changed line matched an
	// ignore rule.
	Suppressed
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Seeded:
		return "seeded"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Suppressed:
		return "suppressed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Skip reasons.
const (
	ReasonTransient  = "fetch_transient"
	ReasonHTTPStatus = "http_status"
	ReasonTooLarge   = "body_too_large"
	ReasonExtraction = "extraction"
	ReasonStore      = "store"
	ReasonNotify     = "notify"
	ReasonPanic      = "panic"
	ReasonCanceled   = "canceled"
	ReasonError      = "error"
)

type TargetResult struct {
	Page    string
	Outcome Outcome
	// Reason is set for Skipped, and for Changed when the fan-out could not
	// start.
	Reason   string
	Err      error
	Delivery *notifier.Report
	Took     time.Duration
}

// Report is the outcome of one pass.
type Report struct {
	ID      string
	Source  string
	Started time.Time
	Took    time.Duration
	Results []TargetResult
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Result returns the result for page, if it ran.
func (r Report) Result(page string) (TargetResult, bool) {
	for _, res := range r.Results {
		if res.Page == page {
			return res, true
		}
	}
	return TargetResult{}, false
}

// Notifications counts successful deliveries across the pass.
func (r Report) Notifications() int {
	n := 0
	for _, res := range r.Results {
		if res.Delivery != nil {
			n += res.Delivery.Delivered
		}
	}
	return n
}

// SkipSummary renders skipped targets as "page:reason" pairs in page order.
func (r Report) SkipSummary() string {
	var parts []string
	for _, res := range r.Results {
		if res.Outcome == Skipped {
			parts = append(parts, res.Page+":"+res.Reason)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
