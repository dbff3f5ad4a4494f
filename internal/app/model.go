// Package app contains the root Bubble Tea model for the overlay.
package app

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/choobs96/token-overlay/internal/models"
	"github.com/choobs96/token-overlay/internal/services"
	"github.com/choobs96/token-overlay/internal/ui/components"
)

// ViewID identifies one of the overlay views.
type ViewID int

const (
	// ViewOverall shows the whole lookback window.
	ViewOverall ViewID = iota
	// ViewDaily shows one summary per day.
	ViewDaily
	// ViewRecent shows the last half hour.
	ViewRecent

	viewCount
)

// Label returns the view's header label.
func (v ViewID) Label() string {
	switch v {
	case ViewOverall:
		return "Overall"
	case ViewDaily:
		return "Daily"
	case ViewRecent:
		return "30 min"
	default:
		return "Unknown"
	}
}

// Model is the root Bubble Tea model.
type Model struct {
	manager  *services.Manager
	snapshot *models.Snapshot

	view ViewID
	mini bool

	width  int
	height int

	spinner components.LoadingSpinner
	events  chan services.ServiceEvent

	toast        string
	updateBanner string
	lastError    string
}

// New creates the root model. mini starts the overlay in its compact
// single-line form.
func New(mgr *services.Manager, mini bool) Model {
	return Model{
		manager:  mgr,
		snapshot: mgr.Snapshot(),
		mini:     mini,
		spinner:  components.NewSpinner("Fetching usage..."),
	}
}

// Init subscribes to service events and starts the ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeCmd(m.manager),
		m.spinner.Tick(),
		tickCmd(),
	)
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tickCmd()

	case SubscriptionMsg:
		m.events = msg.Channel
		return m, waitForServiceEventCmd(m.events)

	case ServiceEventMsg:
		return m.handleServiceEvent(msg.Event)

	case ShowToastMsg:
		m.toast = msg.Text
		return m, clearToastCmd()

	case clearToastMsg:
		m.toast = ""
		return m, nil
	}

	if m.snapshot != nil && m.snapshot.Loading {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "1":
		m.view = ViewOverall
	case "2":
		m.view = ViewDaily
	case "3":
		m.view = ViewRecent
	case "tab":
		m.view = (m.view + 1) % viewCount

	case "m":
		m.mini = !m.mini

	case "r":
		if m.manager.RefreshNow() {
			return m, func() tea.Msg { return ShowToastMsg{Text: "Refreshing..."} }
		}
		return m, func() tea.Msg { return ShowToastMsg{Text: "Refresh already running"} }
	}
	return m, nil
}

func (m Model) handleServiceEvent(event services.ServiceEvent) (tea.Model, tea.Cmd) {
	switch event := event.(type) {
	case services.SnapshotUpdatedEvent:
		m.snapshot = event.Snapshot
		if event.Snapshot != nil && event.Snapshot.LastError == "" {
			m.lastError = ""
		}

	case services.UpdateAvailableEvent:
		m.updateBanner = fmt.Sprintf("Update available: %s (running %s)",
			event.LatestVersion, event.CurrentVersion)

	case services.ConfigReloadedEvent:
		m.toast = "Config reloaded"
		return m, tea.Batch(clearToastCmd(), waitForServiceEventCmd(m.events))

	case services.ErrorEvent:
		if event.Error != nil {
			m.lastError = event.Error.Error()
		}
	}

	return m, waitForServiceEventCmd(m.events)
}
