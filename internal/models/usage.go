// Package models defines data structures and domain types.
package models

import "time"

// WindowKind identifies which aggregation window a summary covers.
type WindowKind int

const (
	// WindowOverall covers the full lookback range (7 days by default).
	WindowOverall WindowKind = iota
	// WindowDaily covers a single UTC calendar day.
	WindowDaily
	// WindowRecent covers the last 30 minutes.
	WindowRecent
)

// String returns the string representation of a WindowKind.
func (w WindowKind) String() string {
	switch w {
	case WindowOverall:
		return "overall"
	case WindowDaily:
		return "daily"
	case WindowRecent:
		return "30min"
	default:
		return "unknown"
	}
}

// UsageEvent is a single raw usage row from the backend. Events are
// transient: they live only for the duration of one aggregation cycle.
type UsageEvent struct {
	Timestamp    time.Time
	Model        string
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	// Cost is the backend-computed cost in USD, nil when the backend
	// did not report one and it must be derived from the price table.
	Cost *float64
}

// TotalTokens returns the sum of all token counts on the event.
func (e UsageEvent) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CachedTokens
}

// ModelBreakdown holds per-model totals inside one window.
type ModelBreakdown struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	Cost         float64
	// Unpriced marks models missing from the price table whose events
	// carried no backend cost. Tokens are still counted.
	Unpriced bool
}

// TotalTokens returns the sum of all token counts in the breakdown.
func (b ModelBreakdown) TotalTokens() int64 {
	return b.InputTokens + b.OutputTokens + b.CachedTokens
}

// WindowSummary is the aggregated view of one time window. Totals always
// equal the sum of the Breakdown entries; Breakdown is ordered by
// descending cost, ties broken by ascending model name.
type WindowSummary struct {
	Kind        WindowKind
	Date        string // YYYY-MM-DD, set for WindowDaily only
	TotalTokens int64
	TotalCost   float64
	EventCount  int64
	Breakdown   []ModelBreakdown
	Start       time.Time
	End         time.Time
	FetchedAt   time.Time
}

// DailySummary is one WindowSummary per calendar day in the lookback
// range, ordered oldest to newest. Days without events are present with
// zero totals.
type DailySummary struct {
	Days []WindowSummary
}

// Snapshot is the only object the renderer reads. It is built once per
// refresh cycle and published wholesale; a published Snapshot is never
// mutated.
type Snapshot struct {
	Overall WindowSummary
	Daily   DailySummary
	Recent  WindowSummary

	// Loading is true until the first cycle completes. Stale marks
	// warm-start data restored from the local history database.
	Loading bool
	Stale   bool

	LastFetch           time.Time
	LastError           string
	ConsecutiveFailures int
}

// Clone returns a copy of the snapshot safe to modify before publishing.
// Breakdown slices are copied; their elements are values.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Overall.Breakdown = append([]ModelBreakdown(nil), s.Overall.Breakdown...)
	c.Recent.Breakdown = append([]ModelBreakdown(nil), s.Recent.Breakdown...)
	c.Daily.Days = make([]WindowSummary, len(s.Daily.Days))
	for i, d := range s.Daily.Days {
		d.Breakdown = append([]ModelBreakdown(nil), d.Breakdown...)
		c.Daily.Days[i] = d
	}
	return &c
}
