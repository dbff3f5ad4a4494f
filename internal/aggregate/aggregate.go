// Package aggregate turns raw usage events into immutable window
// summaries. All functions are pure: no I/O, no shared state.
package aggregate

import (
	"cmp"
	"slices"
	"time"

	"github.com/choobs96/token-overlay/internal/models"
	"github.com/choobs96/token-overlay/internal/pricing"
)

// Aggregator groups events and derives costs from a price table.
type Aggregator struct {
	prices pricing.Table
}

// New creates an aggregator. A nil table falls back to the built-in one.
func New(prices pricing.Table) *Aggregator {
	if prices == nil {
		prices = pricing.Default
	}
	return &Aggregator{prices: prices}
}

// Window aggregates events into a single summary for the given window.
// Breakdown entries are sorted by descending cost, ties broken by
// ascending model name, so output is deterministic for identical input.
func (a *Aggregator) Window(events []models.UsageEvent, kind models.WindowKind, start, end, fetchedAt time.Time) models.WindowSummary {
	byModel := make(map[string]*models.ModelBreakdown)

	for _, ev := range events {
		b, ok := byModel[ev.Model]
		if !ok {
			b = &models.ModelBreakdown{Model: ev.Model}
			byModel[ev.Model] = b
		}
		b.InputTokens += ev.InputTokens
		b.OutputTokens += ev.OutputTokens
		b.CachedTokens += ev.CachedTokens

		// Backend-computed cost wins; otherwise derive from the price
		// table. Unknown models keep their tokens and are flagged.
		switch {
		case ev.Cost != nil:
			b.Cost += *ev.Cost
		default:
			cost, priced := a.prices.Cost(ev.Model, ev.InputTokens, ev.OutputTokens, ev.CachedTokens)
			if priced {
				b.Cost += cost
			} else {
				b.Unpriced = true
			}
		}
	}

	summary := models.WindowSummary{
		Kind:       kind,
		Start:      start,
		End:        end,
		FetchedAt:  fetchedAt,
		EventCount: int64(len(events)),
		Breakdown:  make([]models.ModelBreakdown, 0, len(byModel)),
	}
	if kind == models.WindowDaily {
		summary.Date = start.UTC().Format("2006-01-02")
	}

	for _, b := range byModel {
		summary.Breakdown = append(summary.Breakdown, *b)
		summary.TotalTokens += b.TotalTokens()
		summary.TotalCost += b.Cost
	}

	slices.SortFunc(summary.Breakdown, func(x, y models.ModelBreakdown) int {
		if c := cmp.Compare(y.Cost, x.Cost); c != 0 {
			return c
		}
		return cmp.Compare(x.Model, y.Model)
	})

	return summary
}

// Daily buckets events by their UTC calendar date and produces exactly
// one summary per day of the lookback range ending on the day of end,
// ordered oldest to newest. Days without events appear with zero totals.
func (a *Aggregator) Daily(events []models.UsageEvent, days int, end, fetchedAt time.Time) models.DailySummary {
	if days <= 0 {
		return models.DailySummary{}
	}

	byDate := make(map[string][]models.UsageEvent)
	for _, ev := range events {
		date := ev.Timestamp.UTC().Format("2006-01-02")
		byDate[date] = append(byDate[date], ev)
	}

	lastDay := end.UTC().Truncate(24 * time.Hour)
	summaries := make([]models.WindowSummary, 0, days)
	for i := days - 1; i >= 0; i-- {
		dayStart := lastDay.AddDate(0, 0, -i)
		dayEnd := dayStart.AddDate(0, 0, 1)
		date := dayStart.Format("2006-01-02")
		summaries = append(summaries, a.Window(byDate[date], models.WindowDaily, dayStart, dayEnd, fetchedAt))
	}

	return models.DailySummary{Days: summaries}
}
