package app

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/choobs96/token-overlay/internal/services"
)

// TickMsg is sent periodically to re-render relative timestamps.
type TickMsg struct {
	Time time.Time
}

// ServiceEventMsg wraps a service event from the service manager.
type ServiceEventMsg struct {
	Event services.ServiceEvent
}

// SubscriptionMsg carries the channel created by subscribing to the
// service manager.
type SubscriptionMsg struct {
	Channel chan services.ServiceEvent
}

// ShowToastMsg displays a transient message at the top of the overlay.
type ShowToastMsg struct {
	Text string
}

// clearToastMsg removes the current toast.
type clearToastMsg struct{}

const (
	tickInterval  = 5 * time.Second
	toastDuration = 3 * time.Second
)

// tickCmd returns a command that sends a TickMsg after the tick interval.
func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}

// subscribeCmd subscribes to the service manager's event stream.
func subscribeCmd(mgr *services.Manager) tea.Cmd {
	ch, _ := mgr.Subscribe()
	return func() tea.Msg {
		return SubscriptionMsg{Channel: ch}
	}
}

// waitForServiceEventCmd returns a command that waits for the next service event.
func waitForServiceEventCmd(ch <-chan services.ServiceEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return nil
		}
		return ServiceEventMsg{Event: event}
	}
}

// clearToastCmd removes the toast after it has been visible long enough.
func clearToastCmd() tea.Cmd {
	return tea.Tick(toastDuration, func(_ time.Time) tea.Msg {
		return clearToastMsg{}
	})
}
