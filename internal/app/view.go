package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/choobs96/token-overlay/internal/models"
	"github.com/choobs96/token-overlay/internal/ui/components"
	"github.com/choobs96/token-overlay/internal/ui/styles"
)

// View renders the overlay.
func (m Model) View() string {
	if m.mini {
		return m.viewMini()
	}
	return m.viewFull()
}

// viewMini renders the compact single-line form: totals for the current
// view plus data age.
func (m Model) viewMini() string {
	snap := m.snapshot
	if snap == nil || snap.Loading {
		return styles.MiniStyle.Render(m.spinner.ViewWithLabel())
	}

	summary := m.currentSummary(snap)
	line := fmt.Sprintf("%s  %s tok  %s",
		m.view.Label(),
		components.FormatTokens(summary.TotalTokens),
		components.FormatCost(summary.TotalCost),
	)
	if !snap.LastFetch.IsZero() {
		line += "  " + styles.HelpStyle.Render(components.FormatAge(snap.LastFetch, time.Now()))
	}
	if snap.Stale {
		line += "  " + styles.StaleStyle.Render("stale")
	}
	if snap.LastError != "" {
		line += "  " + styles.ErrorTextStyle.Render("!")
	}
	// Styled segments carry escape sequences, so clamp on display width.
	if m.width > 4 {
		line = ansi.Truncate(line, m.width-4, "…")
	}
	return styles.MiniStyle.Render(line)
}

func (m Model) viewFull() string {
	var b strings.Builder

	if m.toast != "" {
		b.WriteString(styles.ToastStyle.Render(m.toast))
		b.WriteString("\n")
	}

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	snap := m.snapshot
	switch {
	case snap == nil || snap.Loading:
		b.WriteString(m.spinner.ViewWithLabel())
	case m.view == ViewDaily:
		b.WriteString(m.renderDaily(snap))
	default:
		b.WriteString(m.renderWindow(m.currentSummary(snap)))
	}

	b.WriteString("\n")
	b.WriteString(m.renderStatus(snap))
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return styles.DocStyle.Render(b.String())
}

func (m Model) renderHeader() string {
	title := styles.TitleStyle.Render("Token Overlay")

	var views []string
	for v := ViewID(0); v < viewCount; v++ {
		label := fmt.Sprintf("%d %s", v+1, v.Label())
		if v == m.view {
			views = append(views, styles.ActiveViewStyle.Render(label))
		} else {
			views = append(views, styles.InactiveViewStyle.Render(label))
		}
	}

	return title + "  " + lipgloss.JoinHorizontal(lipgloss.Center, views...)
}

// renderWindow renders one summary as a per-model table with a totals row.
func (m Model) renderWindow(summary models.WindowSummary) string {
	var b strings.Builder

	caption := fmt.Sprintf("%s — %s to %s",
		m.view.Label(),
		summary.Start.Format("Jan 2 15:04"),
		summary.End.Format("Jan 2 15:04"))
	b.WriteString(styles.CardTitleStyle.Render(caption))
	b.WriteString("\n")

	if len(summary.Breakdown) == 0 {
		b.WriteString(styles.HelpStyle.Render("No usage in this window"))
		return styles.CardStyle.Render(b.String())
	}

	b.WriteString(renderBreakdownTable(summary.Breakdown))
	b.WriteString("\n")
	b.WriteString(styles.TotalRowStyle.Render(fmt.Sprintf("Total  %s tok  %s",
		components.FormatTokens(summary.TotalTokens),
		components.FormatCost(summary.TotalCost))))

	return styles.CardStyle.Render(b.String())
}

// renderDaily renders the per-day token chart with the selected day table
// beneath it.
func (m Model) renderDaily(snap *models.Snapshot) string {
	var b strings.Builder

	days := snap.Daily.Days
	b.WriteString(styles.CardTitleStyle.Render(fmt.Sprintf("Daily — last %d days", len(days))))
	b.WriteString("\n")

	tokens := make([]float64, len(days))
	for i, d := range days {
		tokens[i] = float64(d.TotalTokens)
	}
	chartWidth := m.width - 12
	if chartWidth < 30 {
		chartWidth = 30
	}
	b.WriteString(components.RenderLineChart(tokens, chartWidth, 6, "tokens per day"))
	b.WriteString("\n\n")

	for _, d := range days {
		line := fmt.Sprintf("%s  %8s tok  %8s",
			d.Date,
			components.FormatTokens(d.TotalTokens),
			components.FormatCost(d.TotalCost))
		b.WriteString(styles.TableCellStyle.Render(line))
		b.WriteString("\n")
	}

	return styles.CardStyle.Render(b.String())
}

func renderBreakdownTable(breakdown []models.ModelBreakdown) string {
	header := fmt.Sprintf("%-30s %10s %10s %10s %10s",
		"Model", "Input", "Output", "Cached", "Cost")

	var rows []string
	rows = append(rows, styles.TableHeaderStyle.Render(header))
	for _, b := range breakdown {
		cost := components.FormatCost(b.Cost)
		if b.Unpriced {
			cost = styles.UnpricedStyle.Render("unpriced")
		}
		row := fmt.Sprintf("%-30s %10s %10s %10s %10s",
			models.DisplayName(b.Model),
			components.FormatTokens(b.InputTokens),
			components.FormatTokens(b.OutputTokens),
			components.FormatTokens(b.CachedTokens),
			cost)
		rows = append(rows, styles.TableCellStyle.Render(row))
	}
	return strings.Join(rows, "\n")
}

// renderStatus shows data age, staleness, failures, and the update banner.
func (m Model) renderStatus(snap *models.Snapshot) string {
	var parts []string

	if snap != nil && !snap.LastFetch.IsZero() {
		parts = append(parts, styles.HelpStyle.Render(
			"updated "+components.FormatAge(snap.LastFetch, time.Now())))
	}
	if snap != nil && snap.Stale {
		parts = append(parts, styles.StaleStyle.Render("showing saved data"))
	}
	if snap != nil && snap.LastError != "" {
		msg := snap.LastError
		if snap.ConsecutiveFailures > 1 {
			msg = fmt.Sprintf("%s (%d failures)", msg, snap.ConsecutiveFailures)
		}
		parts = append(parts, styles.ErrorTextStyle.Render(msg))
	} else if m.lastError != "" {
		parts = append(parts, styles.ErrorTextStyle.Render(m.lastError))
	}
	if m.updateBanner != "" {
		parts = append(parts, styles.InfoTextStyle.Render(m.updateBanner))
	}

	return strings.Join(parts, "  ")
}

func (m Model) renderHelp() string {
	keys := []string{"1-3 views", "tab next", "r refresh", "m mini", "q quit"}
	var parts []string
	for _, k := range keys {
		key, desc, _ := strings.Cut(k, " ")
		parts = append(parts, styles.HelpKeyStyle.Render(key)+" "+styles.HelpStyle.Render(desc))
	}
	return strings.Join(parts, styles.HelpStyle.Render(" · "))
}

func (m Model) currentSummary(snap *models.Snapshot) models.WindowSummary {
	switch m.view {
	case ViewRecent:
		return snap.Recent
	case ViewDaily:
		if n := len(snap.Daily.Days); n > 0 {
			return snap.Daily.Days[n-1]
		}
		return models.WindowSummary{Kind: models.WindowDaily}
	default:
		return snap.Overall
	}
}
