// Package services provides service orchestration for the overlay.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"

	"github.com/choobs96/token-overlay/internal/aggregate"
	"github.com/choobs96/token-overlay/internal/config"
	"github.com/choobs96/token-overlay/internal/db"
	"github.com/choobs96/token-overlay/internal/honeycomb"
	"github.com/choobs96/token-overlay/internal/logger"
	"github.com/choobs96/token-overlay/internal/models"
	"github.com/choobs96/token-overlay/internal/services/usage"
	"github.com/choobs96/token-overlay/internal/snapshot"
	"github.com/choobs96/token-overlay/internal/update"
	"github.com/choobs96/token-overlay/internal/version"
)

type (
	// SnapshotUpdatedEvent is emitted when a refresh cycle publishes a
	// new snapshot, fresh or failure-annotated.
	SnapshotUpdatedEvent struct {
		Snapshot *models.Snapshot
	}

	// UpdateAvailableEvent is emitted when the remote version marker is
	// newer than the running build.
	UpdateAvailableEvent struct {
		CurrentVersion string
		LatestVersion  string
	}

	// ConfigReloadedEvent is emitted when the config file changes on
	// disk and the new settings have been staged.
	ConfigReloadedEvent struct {
		Config *config.Config
	}

	// ErrorEvent is emitted when an error occurs in any service.
	ErrorEvent struct {
		Service string
		Error   error
	}
)

// ServiceEvent is the interface implemented by all service events.
type ServiceEvent interface {
	isServiceEvent()
}

func (SnapshotUpdatedEvent) isServiceEvent() {}
func (UpdateAvailableEvent) isServiceEvent() {}
func (ConfigReloadedEvent) isServiceEvent()  {}
func (ErrorEvent) isServiceEvent()           {}

// failureNotifyThreshold is the consecutive-failure count at which the
// user gets a desktop notification.
const failureNotifyThreshold = 3

const updateCheckInterval = 6 * time.Hour

// Manager orchestrates services and event routing.
type Manager struct {
	mu          sync.RWMutex
	cfg         *config.Config
	cache       *snapshot.Cache
	usage       *usage.Service
	database    *db.DB
	watcher     *config.Watcher
	checker     *update.Checker
	stopChan    chan struct{}
	subscribers []chan<- ServiceEvent
	notified    bool
}

// NewManager creates a new service manager wired to the given config.
func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		cache:    snapshot.NewCache(),
		stopChan: make(chan struct{}),
		checker:  update.NewChecker(version.Current()),
	}

	var err error
	m.database, err = db.New(config.DefaultDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	agg := aggregate.New(nil)
	usageConfig := usage.DefaultConfig()
	usageConfig.Interval = cfg.RefreshInterval
	usageConfig.Timeout = cfg.QueryTimeout
	usageConfig.LookbackDays = cfg.LookbackDays

	m.usage = usage.New(honeycomb.New(cfg), m.cache, agg, usageConfig)

	m.watcher, err = config.Watch(cfg.Path())
	if err != nil {
		// No watcher means no live reload; the overlay still works.
		logger.Warn("config watcher unavailable", "error", err)
	}

	m.warmStart(usageConfig.LookbackDays)
	m.usage.Start()

	go m.routeEvents()
	go m.checkUpdates()

	return m, nil
}

// warmStart restores the last persisted daily summaries so the overlay
// shows stale numbers instead of a blank screen before the first fetch.
func (m *Manager) warmStart(days int) {
	summaries, err := m.database.LoadDailySummaries(days, time.Now())
	if err != nil {
		logger.Warn("failed to restore usage history", "error", err)
		return
	}

	var hasData bool
	for _, s := range summaries {
		if s.EventCount > 0 || s.TotalTokens > 0 {
			hasData = true
			break
		}
	}
	if !hasData {
		return
	}

	m.usage.WarmStart(&models.Snapshot{
		Daily: models.DailySummary{Days: summaries},
	})
}

// routeEvents routes events from individual services to subscribers.
func (m *Manager) routeEvents() {
	var watchEvents <-chan struct{}
	if m.watcher != nil {
		watchEvents = m.watcher.Events()
	}

	for {
		select {
		case event := <-m.usage.Events():
			m.handleUsageEvent(event)

		case <-watchEvents:
			m.handleConfigChange()

		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) handleUsageEvent(event usage.Event) {
	switch event.Type {
	case usage.EventSnapshotPublished:
		m.mu.Lock()
		m.notified = false
		m.mu.Unlock()

		go m.persistSnapshot(event.Snapshot)
		m.broadcast(SnapshotUpdatedEvent{Snapshot: event.Snapshot})

	case usage.EventCycleFailed:
		m.checkFailureNotification(event.Snapshot)
		go func() {
			if err := m.database.LogFetch(false, event.Err, 0); err != nil {
				logger.Warn("failed to log fetch", "error", err)
			}
		}()
		m.broadcast(SnapshotUpdatedEvent{Snapshot: event.Snapshot})
		m.broadcast(ErrorEvent{Service: "usage", Error: event.Err})
	}
}

// persistSnapshot writes the daily summaries to local history so the
// next launch can warm-start from them.
func (m *Manager) persistSnapshot(snap *models.Snapshot) {
	if snap == nil {
		return
	}
	for _, day := range snap.Daily.Days {
		if len(day.Breakdown) == 0 {
			continue
		}
		if err := m.database.SaveDailySummary(day); err != nil {
			logger.Warn("failed to persist daily summary", "day", day.Date, "error", err)
		}
	}
	if err := m.database.LogFetch(true, nil, 0); err != nil {
		logger.Warn("failed to log fetch", "error", err)
	}
}

// checkFailureNotification notifies once per failure streak when the
// streak crosses the threshold.
func (m *Manager) checkFailureNotification(snap *models.Snapshot) {
	if snap == nil || snap.ConsecutiveFailures < failureNotifyThreshold {
		return
	}

	m.mu.Lock()
	already := m.notified
	m.notified = true
	m.mu.Unlock()
	if already {
		return
	}

	body := fmt.Sprintf("Usage refresh has failed %d times in a row: %s",
		snap.ConsecutiveFailures, snap.LastError)
	_ = beeep.Notify("token-overlay: refresh failing", body, "")
}

// handleConfigChange re-reads the config file and stages the new
// settings; they take effect when the next refresh cycle starts.
func (m *Manager) handleConfigChange() {
	m.mu.Lock()
	path := m.cfg.Path()
	m.mu.Unlock()

	cfg, err := config.LoadFrom(path)
	if err != nil {
		logger.Warn("ignoring config change", "error", err)
		m.broadcast(ErrorEvent{Service: "config", Error: err})
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("ignoring invalid config change", "error", err)
		m.broadcast(ErrorEvent{Service: "config", Error: err})
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	usageConfig := usage.DefaultConfig()
	usageConfig.Interval = cfg.RefreshInterval
	usageConfig.Timeout = cfg.QueryTimeout
	usageConfig.LookbackDays = cfg.LookbackDays

	m.usage.Reconfigure(honeycomb.New(cfg), usageConfig)
	logger.Info("config reloaded", "dataset", cfg.Dataset)
	m.broadcast(ConfigReloadedEvent{Config: cfg})
}

// checkUpdates runs one version check at startup and then periodically.
func (m *Manager) checkUpdates() {
	ticker := time.NewTicker(updateCheckInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		result := m.checker.Check(ctx)
		cancel()

		if result.Available {
			m.broadcast(UpdateAvailableEvent{
				CurrentVersion: result.CurrentVersion,
				LatestVersion:  result.LatestVersion,
			})
			body := fmt.Sprintf("Version %s is available (running %s).",
				result.LatestVersion, result.CurrentVersion)
			_ = beeep.Notify("token-overlay: update available", body, "")
		}

		select {
		case <-ticker.C:
		case <-m.stopChan:
			return
		}
	}
}

// broadcast sends an event to all subscribers.
func (m *Manager) broadcast(event ServiceEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

// Subscribe creates a channel for receiving service events.
// Returns a tea.Cmd that can be used in Bubble Tea's Init or Update.
func (m *Manager) Subscribe() (chan ServiceEvent, tea.Cmd) {
	ch := make(chan ServiceEvent, 50)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	return ch, waitForEvent(ch)
}

// waitForEvent returns a tea.Cmd that waits for the next event.
func waitForEvent(ch <-chan ServiceEvent) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

// WaitForEvent returns a tea.Cmd for the next event on a channel.
func WaitForEvent(ch <-chan ServiceEvent) tea.Cmd {
	return waitForEvent(ch)
}

// Unsubscribe removes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan ServiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Snapshot returns the current usage snapshot without blocking.
func (m *Manager) Snapshot() *models.Snapshot {
	return m.cache.Read()
}

// RefreshNow requests an immediate refresh cycle. Returns false when a
// cycle is already in flight and the request was dropped.
func (m *Manager) RefreshNow() bool {
	return m.usage.RefreshNow()
}

// Config returns the active configuration.
func (m *Manager) Config() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Usage returns the refresh scheduler.
func (m *Manager) Usage() *usage.Service {
	return m.usage
}

// Database returns the database instance for direct access.
func (m *Manager) Database() *db.DB {
	return m.database
}

// Close closes the manager and all its services.
func (m *Manager) Close() error {
	close(m.stopChan)

	m.mu.Lock()
	for _, sub := range m.subscribers {
		close(sub)
	}
	m.subscribers = nil
	m.mu.Unlock()

	var errs []error

	if err := m.usage.Close(); err != nil {
		errs = append(errs, err)
	}

	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if m.database != nil {
		if err := m.database.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
