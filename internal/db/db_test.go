package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/choobs96/token-overlay/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func daySummary(date string, breakdown ...models.ModelBreakdown) models.WindowSummary {
	start, _ := time.Parse("2006-01-02", date)
	s := models.WindowSummary{
		Kind:      models.WindowDaily,
		Date:      date,
		Start:     start,
		End:       start.AddDate(0, 0, 1),
		Breakdown: breakdown,
	}
	for _, b := range breakdown {
		s.TotalTokens += b.TotalTokens()
		s.TotalCost += b.Cost
	}
	return s
}

func TestSaveLoadDailySummaries(t *testing.T) {
	database := newTestDB(t)

	end := time.Date(2026, 8, 26, 16, 0, 0, 0, time.UTC)
	saved := daySummary("2026-08-26",
		models.ModelBreakdown{Model: "claude-opus-4-5-20251101", InputTokens: 100, OutputTokens: 50, Cost: 1.5},
		models.ModelBreakdown{Model: "mystery", InputTokens: 10, Unpriced: true},
	)
	if err := database.SaveDailySummary(saved); err != nil {
		t.Fatalf("SaveDailySummary() error: %v", err)
	}

	loaded, err := database.LoadDailySummaries(7, end)
	if err != nil {
		t.Fatalf("LoadDailySummaries() error: %v", err)
	}
	if len(loaded) != 7 {
		t.Fatalf("len(loaded) = %d, want 7", len(loaded))
	}

	last := loaded[6]
	if last.Date != "2026-08-26" {
		t.Errorf("last day = %q, want 2026-08-26", last.Date)
	}
	if last.TotalTokens != 160 {
		t.Errorf("TotalTokens = %d, want 160", last.TotalTokens)
	}
	if len(last.Breakdown) != 2 {
		t.Fatalf("len(Breakdown) = %d, want 2", len(last.Breakdown))
	}
	// Cost-descending order survives the round trip.
	if last.Breakdown[0].Model != "claude-opus-4-5-20251101" {
		t.Errorf("Breakdown[0] = %q", last.Breakdown[0].Model)
	}
	if !last.Breakdown[1].Unpriced {
		t.Error("unpriced flag lost")
	}

	// Empty days are present with zero totals.
	for i := 0; i < 6; i++ {
		if loaded[i].TotalTokens != 0 || len(loaded[i].Breakdown) != 0 {
			t.Errorf("day %s not empty: %+v", loaded[i].Date, loaded[i])
		}
	}
}

func TestSaveDailySummary_UpsertReplacesRows(t *testing.T) {
	database := newTestDB(t)
	end := time.Date(2026, 8, 26, 16, 0, 0, 0, time.UTC)

	first := daySummary("2026-08-26",
		models.ModelBreakdown{Model: "m", InputTokens: 10, Cost: 0.1})
	if err := database.SaveDailySummary(first); err != nil {
		t.Fatal(err)
	}

	second := daySummary("2026-08-26",
		models.ModelBreakdown{Model: "m", InputTokens: 25, Cost: 0.25})
	if err := database.SaveDailySummary(second); err != nil {
		t.Fatal(err)
	}

	loaded, err := database.LoadDailySummaries(1, end)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded[0].TotalTokens; got != 25 {
		t.Errorf("TotalTokens = %d, want 25 (re-fetch must replace, not add)", got)
	}
}

func TestSaveDailySummary_RequiresDate(t *testing.T) {
	database := newTestDB(t)

	err := database.SaveDailySummary(models.WindowSummary{Kind: models.WindowDaily})
	if err == nil {
		t.Error("SaveDailySummary() accepted a summary without a date")
	}
}

func TestLogFetchAndPrune(t *testing.T) {
	database := newTestDB(t)

	if err := database.LogFetch(true, nil, 1200*time.Millisecond); err != nil {
		t.Fatalf("LogFetch(success) error: %v", err)
	}
	if err := database.LogFetch(false, errors.New("backend down"), 0); err != nil {
		t.Fatalf("LogFetch(failure) error: %v", err)
	}

	var count int
	if err := database.QueryRow("SELECT COUNT(*) FROM fetch_log").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("fetch_log rows = %d, want 2", count)
	}

	if err := database.PruneHistory(30); err != nil {
		t.Fatalf("PruneHistory() error: %v", err)
	}
	// Fresh rows survive pruning.
	if err := database.QueryRow("SELECT COUNT(*) FROM fetch_log").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("fetch_log rows after prune = %d, want 2", count)
	}
}
