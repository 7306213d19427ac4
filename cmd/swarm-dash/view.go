package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// View implements tea.Model.
func (m Model) View() string {
	title := m.styles.Title.Render("swarm")
	sections := []string{title}

	if m.err != nil {
		sections = append(sections, m.styles.Error.Render("fetch error: "+m.err.Error()))
	}
	if !m.fetched {
		sections = append(sections, m.styles.Muted.Render("loading..."))
		return lipgloss.JoinVertical(lipgloss.Left, sections...)
	}

	sections = append(sections,
		m.renderResilience(),
		m.renderAllocations(),
		m.renderEvents(),
		m.styles.Muted.Render("q quit · r refresh"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderResilience shows the recovery success rate and the last
// remediations.
func (m Model) renderResilience() string {
	title := m.styles.SectionTitle.Render("Resilience")

	rate := m.snapshot.RecoveryRate
	rateLine := fmt.Sprintf("recovery rate (1h): %.0f%%", rate*100)
	switch {
	case rate >= 0.8:
		rateLine = m.styles.OK.Render(rateLine)
	case rate >= 0.5:
		rateLine = m.styles.Warn.Render(rateLine)
	default:
		rateLine = m.styles.Error.Render(rateLine)
	}

	lines := []string{title, rateLine}
	for _, r := range m.snapshot.Recoveries {
		status := m.styles.OK.Render("ok")
		if !r.Success {
			status = m.styles.Error.Render("failed")
			if r.RolledBack {
				status = m.styles.Warn.Render("rolled back")
			}
		}
		lines = append(lines, fmt.Sprintf("  %s on %s: %s", r.ActionName, r.CheckName, status))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderAllocations shows active task allocations per agent.
func (m Model) renderAllocations() string {
	title := m.styles.SectionTitle.Render(fmt.Sprintf("Active allocations (%d)", len(m.snapshot.Allocations)))
	if len(m.snapshot.Allocations) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, m.styles.Muted.Render("  none"))
	}

	lines := []string{title}
	for _, a := range m.snapshot.Allocations {
		lines = append(lines, fmt.Sprintf("  %-16s → %-12s %.0f%%", a.TaskID, a.AgentID, a.Confidence))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderEvents shows the recent event trail, newest first.
func (m Model) renderEvents() string {
	title := m.styles.SectionTitle.Render("Recent events")
	if len(m.snapshot.Events) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, m.styles.Muted.Render("  none"))
	}

	lines := []string{title}
	for _, e := range m.snapshot.Events {
		var b strings.Builder
		fmt.Fprintf(&b, "  %s  %-28s %-10s", e.CreatedAt.Format(time.TimeOnly), e.Type, e.Source)
		if e.AgentID != "" {
			b.WriteString(" " + e.AgentID)
		}
		line := b.String()
		if strings.Contains(e.Type, "failed") || strings.Contains(e.Type, "opened") {
			line = m.styles.Error.Render(line)
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
