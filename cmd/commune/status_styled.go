package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"commune/pkg/federation"
	"commune/pkg/types"
)

// Style definitions
var (
	primaryColor = lipgloss.Color("#FF79C6") // Pink
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	okStyle   = lipgloss.NewStyle().Foreground(accentColor)
	warnStyle = lipgloss.NewStyle().Foreground(warningColor)
	errStyle  = lipgloss.NewStyle().Foreground(dangerColor)
)

func renderStatus(doc *types.DiscoveryDocument, status *federation.StatusSummary) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Instance " + doc.Instance))
	b.WriteString("\n")

	enabled := errStyle.Render("disabled")
	if doc.Federation.Enabled {
		enabled = okStyle.Render("enabled")
	}

	info := labelStyle.Render("federation:") + " " + enabled + "\n" +
		labelStyle.Render("trust mode:") + " " + string(doc.Federation.TrustMode) + "\n" +
		labelStyle.Render("pending:") + " " + fmt.Sprintf("%d", status.Pending) + "\n" +
		labelStyle.Render("delivered:") + " " + okStyle.Render(fmt.Sprintf("%d", status.Delivered)) + "\n" +
		labelStyle.Render("failed:") + " " + errStyle.Render(fmt.Sprintf("%d", status.Failed))
	b.WriteString(panelStyle.Render(info))
	b.WriteString("\n")

	if len(status.Attempts) > 0 {
		b.WriteString(titleStyle.Render("Delivery attempts"))
		b.WriteString("\n")
		for _, at := range status.Attempts {
			b.WriteString(renderAttempt(at))
			b.WriteString("\n")
		}
	}

	return b.String()
}

func renderAttempt(at *types.DeliveryAttempt) string {
	var state string
	switch at.Status {
	case types.AttemptDelivered:
		state = okStyle.Render("delivered")
	case types.AttemptFailed:
		state = errStyle.Render("failed")
	default:
		state = warnStyle.Render("pending")
	}

	line := fmt.Sprintf("  %s  %s -> %s  attempts=%d", state, at.EventID, at.Target, at.Attempts)
	if at.Status == types.AttemptPending && !at.NextAttempt.IsZero() {
		line += "  next=" + at.NextAttempt.Format(time.RFC3339)
	}
	if at.LastError != "" {
		line += "\n      " + mutedStyle.Render(at.LastError)
	}
	return line
}

func renderInstanceTable(instances []*types.RemoteInstance) string {
	if len(instances) == 0 {
		return "No known instances.\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Known instances (%d)", len(instances))))
	b.WriteString("\n")

	for _, inst := range instances {
		var trust string
		switch {
		case inst.Blocked:
			trust = errStyle.Render("blocked")
		case inst.Allowed:
			trust = okStyle.Render("allowed")
		default:
			trust = labelStyle.Render("neutral")
		}

		line := fmt.Sprintf("  %s  %s  mode=%s", trust, inst.Origin, inst.TrustMode)
		if !inst.LastSeen.IsZero() {
			line += "  seen=" + inst.LastSeen.Format(time.RFC3339)
		}
		if inst.LastError != "" {
			line += "  " + errStyle.Render("error: "+inst.LastError)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}
