package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/choobs96/token-overlay/internal/models"
)

const dayFormat = "2006-01-02"

// SaveDailySummary upserts the per-model rows of one daily summary.
// Rows for the same day and model are replaced in place, so re-fetching
// a day never duplicates history.
func (db *DB) SaveDailySummary(summary models.WindowSummary) error {
	if summary.Date == "" {
		return fmt.Errorf("daily summary has no date")
	}

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO daily_usage (day, model, input_tokens, output_tokens, cached_tokens, cost, unpriced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(day, model) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cached_tokens = excluded.cached_tokens,
			cost = excluded.cost,
			unpriced = excluded.unpriced,
			updated_at = CURRENT_TIMESTAMP
	`

	for _, b := range summary.Breakdown {
		unpriced := 0
		if b.Unpriced {
			unpriced = 1
		}
		if _, err := tx.ExecContext(context.Background(), query,
			summary.Date, b.Model, b.InputTokens, b.OutputTokens, b.CachedTokens, b.Cost, unpriced,
		); err != nil {
			return fmt.Errorf("failed to upsert daily usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit daily summary: %w", err)
	}
	return nil
}

// LoadDailySummaries restores the last `days` daily summaries ending at
// `end`, oldest first, one entry per day with zero-usage days included.
// Used to warm-start the overlay before the first fetch completes.
func (db *DB) LoadDailySummaries(days int, end time.Time) ([]models.WindowSummary, error) {
	lastDay := end.UTC().Truncate(24 * time.Hour)
	firstDay := lastDay.AddDate(0, 0, -(days - 1))

	query := `
		SELECT day, model, input_tokens, output_tokens, cached_tokens, cost, unpriced
		FROM daily_usage
		WHERE day >= ? AND day <= ?
		ORDER BY day ASC, cost DESC, model ASC
	`

	rows, err := db.QueryContext(context.Background(), query,
		firstDay.Format(dayFormat), lastDay.Format(dayFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byDay := make(map[string][]models.ModelBreakdown)
	for rows.Next() {
		var (
			day      string
			b        models.ModelBreakdown
			unpriced int
		)
		if err := rows.Scan(&day, &b.Model, &b.InputTokens, &b.OutputTokens, &b.CachedTokens, &b.Cost, &unpriced); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage row: %w", err)
		}
		b.Unpriced = unpriced == 1
		byDay[day] = append(byDay[day], b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read daily usage rows: %w", err)
	}

	summaries := make([]models.WindowSummary, 0, days)
	for i := 0; i < days; i++ {
		dayStart := firstDay.AddDate(0, 0, i)
		summary := models.WindowSummary{
			Kind:  models.WindowDaily,
			Date:  dayStart.Format(dayFormat),
			Start: dayStart,
			End:   dayStart.AddDate(0, 0, 1),
		}
		for _, b := range byDay[summary.Date] {
			summary.TotalTokens += b.TotalTokens()
			summary.TotalCost += b.Cost
			summary.Breakdown = append(summary.Breakdown, b)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// LogFetch records the outcome of one refresh cycle.
func (db *DB) LogFetch(success bool, fetchErr error, duration time.Duration) error {
	query := `
		INSERT INTO fetch_log (success, error, duration_ms)
		VALUES (?, ?, ?)
	`

	ok := 0
	if success {
		ok = 1
	}
	var errStr sql.NullString
	if fetchErr != nil {
		errStr = sql.NullString{String: fetchErr.Error(), Valid: true}
	}

	if _, err := db.ExecContext(context.Background(), query, ok, errStr, duration.Milliseconds()); err != nil {
		return fmt.Errorf("failed to insert fetch log: %w", err)
	}
	return nil
}

// PruneHistory deletes daily usage and fetch log rows older than the
// retention window.
func (db *DB) PruneHistory(retainDays int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retainDays)

	if _, err := db.ExecContext(context.Background(),
		"DELETE FROM daily_usage WHERE day < ?", cutoff.Format(dayFormat)); err != nil {
		return fmt.Errorf("failed to prune daily usage: %w", err)
	}
	if _, err := db.ExecContext(context.Background(),
		"DELETE FROM fetch_log WHERE timestamp < ?", cutoff.Format("2006-01-02 15:04:05")); err != nil {
		return fmt.Errorf("failed to prune fetch log: %w", err)
	}
	return nil
}
