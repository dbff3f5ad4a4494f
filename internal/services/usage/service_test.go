package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/choobs96/token-overlay/internal/aggregate"
	"github.com/choobs96/token-overlay/internal/models"
	"github.com/choobs96/token-overlay/internal/pricing"
	"github.com/choobs96/token-overlay/internal/snapshot"
)

// fakeFetcher lets tests control what every window fetch returns.
type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fetch func(ctx context.Context, start, end time.Time) ([]models.UsageEvent, error)
}

func (f *fakeFetcher) FetchWindow(ctx context.Context, start, end time.Time) ([]models.UsageEvent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fetch(ctx, start, end)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		Timeout:          5 * time.Second,
		LookbackDays:     7,
		MaxBackoffFactor: 10,
	}
}

func newTestService(f Fetcher) (*Service, *snapshot.Cache) {
	cache := snapshot.NewCache()
	agg := aggregate.New(pricing.Table{"A": {InputCostPerToken: 0.01}})
	svc := New(f, cache, agg, testConfig())
	svc.now = func() time.Time {
		return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	}
	return svc, cache
}

func TestBackoffDelay(t *testing.T) {
	base := 60 * time.Second

	tests := []struct {
		name     string
		failures int
		want     time.Duration
	}{
		{"NoFailures", 0, 60 * time.Second},
		{"OneFailure", 1, 120 * time.Second},
		{"TwoFailures", 2, 240 * time.Second},
		{"ThreeFailures", 3, 480 * time.Second},
		{"AtCap", 4, 600 * time.Second},
		{"PastCap", 10, 600 * time.Second},
		{"HugeStreak", 64, 600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(base, tt.failures, 10); got != tt.want {
				t.Errorf("backoffDelay(%v, %d, 10) = %v, want %v", base, tt.failures, got, tt.want)
			}
		})
	}
}

func TestRunCycle_PublishesSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			return []models.UsageEvent{
				{Timestamp: start, Model: "A", InputTokens: 100},
			}, nil
		},
	}
	svc, cache := newTestService(fetcher)

	svc.runCycle()

	snap := cache.Read()
	if snap.Loading {
		t.Fatal("snapshot still loading after successful cycle")
	}
	if snap.LastError != "" {
		t.Errorf("LastError = %q, want empty", snap.LastError)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", snap.ConsecutiveFailures)
	}
	if snap.Overall.TotalTokens != 100 {
		t.Errorf("Overall.TotalTokens = %d, want 100", snap.Overall.TotalTokens)
	}
	if len(snap.Daily.Days) != 7 {
		t.Errorf("len(Daily.Days) = %d, want 7", len(snap.Daily.Days))
	}
	// Overall + recent + one fetch per lookback day.
	if got := fetcher.callCount(); got != 9 {
		t.Errorf("fetch calls = %d, want 9", got)
	}

	select {
	case event := <-svc.Events():
		if event.Type != EventSnapshotPublished {
			t.Errorf("event type = %v, want EventSnapshotPublished", event.Type)
		}
	default:
		t.Error("no event emitted after successful cycle")
	}
}

func TestRunCycle_FailureKeepsPreviousData(t *testing.T) {
	var fail atomic.Bool
	fetcher := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			if fail.Load() {
				return nil, errors.New("backend down")
			}
			return []models.UsageEvent{
				{Timestamp: start, Model: "A", InputTokens: 50},
			}, nil
		},
	}
	svc, cache := newTestService(fetcher)

	svc.runCycle()
	fail.Store(true)
	svc.runCycle()

	snap := cache.Read()
	if snap.Overall.TotalTokens != 50 {
		t.Errorf("previous summaries lost: Overall.TotalTokens = %d, want 50", snap.Overall.TotalTokens)
	}
	if snap.LastError == "" {
		t.Error("LastError empty after failed cycle")
	}
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", snap.ConsecutiveFailures)
	}

	svc.runCycle()
	if got := cache.Read().ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}

	// Recovery resets the streak.
	fail.Store(false)
	svc.runCycle()
	snap = cache.Read()
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after recovery = %d, want 0", snap.ConsecutiveFailures)
	}
	if snap.LastError != "" {
		t.Errorf("LastError after recovery = %q, want empty", snap.LastError)
	}
}

func TestRunCycle_NoPartialPublish(t *testing.T) {
	// Only the 30-minute window fails; nothing may be published anyway.
	fetcher := &fakeFetcher{
		fetch: func(_ context.Context, start, end time.Time) ([]models.UsageEvent, error) {
			if end.Sub(start) == 30*time.Minute {
				return nil, errors.New("flaky window")
			}
			return []models.UsageEvent{
				{Timestamp: start, Model: "A", InputTokens: 10},
			}, nil
		},
	}
	svc, cache := newTestService(fetcher)

	svc.runCycle()

	snap := cache.Read()
	if !snap.Loading {
		t.Error("partial cycle replaced the loading placeholder with data")
	}
	if snap.Overall.TotalTokens != 0 {
		t.Errorf("partial data published: Overall.TotalTokens = %d", snap.Overall.TotalTokens)
	}
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", snap.ConsecutiveFailures)
	}
}

func TestRefreshNow_DebouncedWhileFetching(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			return nil, nil
		},
	}
	svc, _ := newTestService(fetcher)

	svc.mu.Lock()
	svc.state = StateFetching
	svc.mu.Unlock()

	if svc.RefreshNow() {
		t.Error("RefreshNow() honored while a cycle is in flight")
	}

	svc.mu.Lock()
	svc.state = StateIdle
	svc.mu.Unlock()

	if !svc.RefreshNow() {
		t.Error("RefreshNow() dropped while idle")
	}
}

func TestRunCycle_RefusesOverlap(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			return nil, nil
		},
	}
	svc, _ := newTestService(fetcher)

	svc.mu.Lock()
	svc.state = StateFetching
	svc.mu.Unlock()

	svc.runCycle()

	if got := fetcher.callCount(); got != 0 {
		t.Errorf("overlapping cycle ran %d fetches, want 0", got)
	}
}

func TestReconfigure_AppliedAtNextCycle(t *testing.T) {
	old := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			return nil, nil
		},
	}
	svc, cache := newTestService(old)

	replacement := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			return []models.UsageEvent{
				{Timestamp: start, Model: "A", InputTokens: 5},
			}, nil
		},
	}
	newConfig := testConfig()
	newConfig.LookbackDays = 3
	svc.Reconfigure(replacement, newConfig)

	svc.runCycle()

	if got := old.callCount(); got != 0 {
		t.Errorf("old fetcher used after Reconfigure: %d calls", got)
	}
	// Overall + recent + 3 daily fetches under the new lookback.
	if got := replacement.callCount(); got != 5 {
		t.Errorf("replacement fetcher calls = %d, want 5", got)
	}
	if got := len(cache.Read().Daily.Days); got != 3 {
		t.Errorf("len(Daily.Days) = %d, want 3", got)
	}
}

func TestWarmStart_OnlyWhileLoading(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			return nil, nil
		},
	}
	svc, cache := newTestService(fetcher)

	svc.WarmStart(&models.Snapshot{
		Overall: models.WindowSummary{TotalTokens: 99},
	})

	snap := cache.Read()
	if snap.Loading {
		t.Error("warm-start snapshot still marked Loading")
	}
	if !snap.Stale {
		t.Error("warm-start snapshot not marked Stale")
	}
	if snap.Overall.TotalTokens != 99 {
		t.Errorf("Overall.TotalTokens = %d, want 99", snap.Overall.TotalTokens)
	}

	// A fresh publish must not be overwritten by a late warm start.
	svc.runCycle()
	svc.WarmStart(&models.Snapshot{
		Overall: models.WindowSummary{TotalTokens: 1},
	})
	if cache.Read().Overall.TotalTokens == 1 {
		t.Error("late warm start overwrote fresh data")
	}
}

func TestStartClose(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(_ context.Context, start, _ time.Time) ([]models.UsageEvent, error) {
			return nil, nil
		},
	}
	svc, cache := newTestService(fetcher)

	svc.Start()

	deadline := time.After(2 * time.Second)
	for cache.Read().Loading {
		select {
		case <-deadline:
			t.Fatal("first cycle did not complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// No new cycles after Close.
	calls := fetcher.callCount()
	svc.RefreshNow()
	time.Sleep(50 * time.Millisecond)
	if got := fetcher.callCount(); got != calls {
		t.Errorf("fetch calls after Close: %d, want %d", got, calls)
	}
}
