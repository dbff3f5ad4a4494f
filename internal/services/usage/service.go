// Package usage implements the refresh scheduler: the timer-driven loop
// that fetches usage for each window, aggregates it, and publishes
// snapshots to the cache.
package usage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/choobs96/token-overlay/internal/aggregate"
	"github.com/choobs96/token-overlay/internal/logger"
	"github.com/choobs96/token-overlay/internal/models"
	"github.com/choobs96/token-overlay/internal/snapshot"
)

// Fetcher is the backend contract the scheduler drives. It is satisfied
// by the honeycomb client and by fakes in tests.
type Fetcher interface {
	FetchWindow(ctx context.Context, start, end time.Time) ([]models.UsageEvent, error)
}

// State describes what the scheduler is currently doing.
type State int

const (
	// StateIdle means no cycle is running.
	StateIdle State = iota
	// StateFetching means a cycle is in flight.
	StateFetching
)

// EventType defines the type of scheduler event.
type EventType int

const (
	// EventSnapshotPublished indicates a successful cycle published a
	// fresh snapshot.
	EventSnapshotPublished EventType = iota
	// EventCycleFailed indicates a cycle failed; the previous summaries
	// remain visible.
	EventCycleFailed
)

// Event is emitted after every completed cycle.
type Event struct {
	Type     EventType
	Snapshot *models.Snapshot
	Err      error
}

// Config holds scheduler tuning.
type Config struct {
	// Interval is the base delay between cycles.
	Interval time.Duration
	// Timeout bounds one whole cycle's network time.
	Timeout time.Duration
	// LookbackDays is the length of the overall and daily windows.
	LookbackDays int
	// MaxBackoffFactor caps the failure backoff at factor*Interval.
	MaxBackoffFactor int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		LookbackDays:     7,
		MaxBackoffFactor: 10,
	}
}

const recentWindow = 30 * time.Minute

// Service owns the refresh loop and is the single writer of the
// snapshot cache.
type Service struct {
	cache *snapshot.Cache
	agg   *aggregate.Aggregator

	mu       sync.Mutex
	fetcher  Fetcher
	config   Config
	state    State
	failures int
	// staged replacements applied at the start of the next cycle
	pendingFetcher Fetcher
	pendingConfig  *Config

	eventChan   chan Event
	refreshChan chan struct{}
	stopChan    chan struct{}
	doneChan    chan struct{}
	stopOnce    sync.Once

	now func() time.Time
}

// New creates a scheduler. Start must be called to begin the loop.
func New(fetcher Fetcher, cache *snapshot.Cache, agg *aggregate.Aggregator, config Config) *Service {
	if config.Interval == 0 {
		config = DefaultConfig()
	}
	return &Service{
		cache:       cache,
		agg:         agg,
		fetcher:     fetcher,
		config:      config,
		eventChan:   make(chan Event, 16),
		refreshChan: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.eventChan
}

// State returns the current scheduler state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConsecutiveFailures returns the current failure streak.
func (s *Service) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Start launches the refresh loop: one immediate cycle, then one per
// interval, stretched by backoff while failures persist.
func (s *Service) Start() {
	go s.run()
}

func (s *Service) run() {
	defer close(s.doneChan)

	s.runCycle()

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.runCycle()
			timer.Reset(s.nextDelay())

		case <-s.refreshChan:
			s.runCycle()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.nextDelay())

		case <-s.stopChan:
			return
		}
	}
}

// RefreshNow requests an immediate cycle. The request is honored only
// when the scheduler is idle; otherwise it is silently dropped.
func (s *Service) RefreshNow() bool {
	s.mu.Lock()
	busy := s.state == StateFetching
	s.mu.Unlock()
	if busy {
		return false
	}
	select {
	case s.refreshChan <- struct{}{}:
		return true
	default:
		return false
	}
}

// Reconfigure stages a new fetcher and config, applied at the start of
// the next cycle. A nil fetcher keeps the current one.
func (s *Service) Reconfigure(fetcher Fetcher, config Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fetcher != nil {
		s.pendingFetcher = fetcher
	}
	cfg := config
	s.pendingConfig = &cfg
}

// WarmStart publishes a stale snapshot restored from local history,
// but only while the cache still holds the loading placeholder.
func (s *Service) WarmStart(snap *models.Snapshot) {
	if !s.cache.Read().Loading {
		return
	}
	snap.Stale = true
	snap.Loading = false
	s.cache.Publish(snap)
}

// runCycle performs one fetch-aggregate-publish pass. Overlapping
// cycles are refused: if another cycle is in flight this is a no-op.
func (s *Service) runCycle() {
	s.mu.Lock()
	if s.state == StateFetching {
		s.mu.Unlock()
		return
	}
	if s.pendingFetcher != nil {
		s.fetcher = s.pendingFetcher
		s.pendingFetcher = nil
	}
	if s.pendingConfig != nil {
		s.config = *s.pendingConfig
		s.pendingConfig = nil
	}
	s.state = StateFetching
	fetcher := s.fetcher
	config := s.config
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	now := s.now().UTC()
	overallStart := now.AddDate(0, 0, -config.LookbackDays)
	recentStart := now.Add(-recentWindow)

	var (
		overallEvents []models.UsageEvent
		recentEvents  []models.UsageEvent
		dailyEvents   []models.UsageEvent
	)

	// The three window fetches are read-only and independent, so they
	// run concurrently; any failure fails the whole cycle.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		overallEvents, err = fetcher.FetchWindow(gctx, overallStart, now)
		return err
	})
	g.Go(func() error {
		var err error
		recentEvents, err = fetcher.FetchWindow(gctx, recentStart, now)
		return err
	})
	g.Go(func() error {
		var err error
		dailyEvents, err = s.fetchDaily(gctx, fetcher, config.LookbackDays, now)
		return err
	})

	if err := g.Wait(); err != nil {
		s.publishFailure(err)
		return
	}

	snap := &models.Snapshot{
		Overall:   s.agg.Window(overallEvents, models.WindowOverall, overallStart, now, now),
		Daily:     s.agg.Daily(dailyEvents, config.LookbackDays, now, now),
		Recent:    s.agg.Window(recentEvents, models.WindowRecent, recentStart, now, now),
		LastFetch: now,
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	s.cache.Publish(snap)
	s.sendEvent(Event{Type: EventSnapshotPublished, Snapshot: snap})
}

// fetchDaily issues one query per calendar day of the lookback range.
// The client stamps each row with its day, so the aggregator can bucket
// the combined slice by date.
func (s *Service) fetchDaily(ctx context.Context, fetcher Fetcher, days int, now time.Time) ([]models.UsageEvent, error) {
	lastDay := now.Truncate(24 * time.Hour)
	var events []models.UsageEvent
	for i := days - 1; i >= 0; i-- {
		dayStart := lastDay.AddDate(0, 0, -i)
		dayEnd := dayStart.AddDate(0, 0, 1)
		dayEvents, err := fetcher.FetchWindow(ctx, dayStart, dayEnd)
		if err != nil {
			return nil, err
		}
		events = append(events, dayEvents...)
	}
	return events, nil
}

// publishFailure keeps the previous summaries visible and records the
// error on a fresh copy. Partial snapshots are never published.
func (s *Service) publishFailure(err error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	logger.Error("refresh cycle failed", "error", err, "consecutive_failures", failures)

	next := s.cache.Read().Clone()
	next.LastError = err.Error()
	next.ConsecutiveFailures = failures
	s.cache.Publish(next)
	s.sendEvent(Event{Type: EventCycleFailed, Snapshot: next, Err: err})
}

// nextDelay returns the delay before the next cycle: the base interval,
// doubled per consecutive failure up to the configured cap.
func (s *Service) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return backoffDelay(s.config.Interval, s.failures, s.config.MaxBackoffFactor)
}

// backoffDelay computes min(base * 2^failures, capFactor * base)
// without jitter, so retry timing stays deterministic.
func backoffDelay(base time.Duration, failures, capFactor int) time.Duration {
	if failures <= 0 {
		return base
	}
	maxDelay := base * time.Duration(capFactor)
	if failures > 30 {
		return maxDelay
	}
	delay := base * time.Duration(1<<failures)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

// sendEvent sends an event to the event channel non-blocking.
func (s *Service) sendEvent(event Event) {
	select {
	case s.eventChan <- event:
	default:
		// Channel full, drop oldest
		select {
		case <-s.eventChan:
		default:
		}
		select {
		case s.eventChan <- event:
		default:
		}
	}
}

// Close stops the loop. A cycle already in flight runs to completion;
// no new cycle starts afterwards.
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.doneChan
	return nil
}
