package console

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	status    lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		system:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		status:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
	}
}

func (m *model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
}

func (m *model) renderHistory() string {
	var sb strings.Builder
	for _, l := range m.history {
		switch l.role {
		case roleUser:
			sb.WriteString(m.styles.user.Render("You") + "\n")
			sb.WriteString(l.text + "\n\n")
		case roleAssistant:
			sb.WriteString(m.styles.assistant.Render(m.gatewayName) + "\n")
			sb.WriteString(m.renderMarkdown(l.text) + "\n")
		case roleSystem:
			sb.WriteString(m.styles.system.Render("• "+l.text) + "\n")
		}
	}
	return sb.String()
}

// renderMarkdown falls back to plain text when glamour cannot render.
func (m *model) renderMarkdown(content string) (result string) {
	defer func() {
		if recover() != nil {
			result = content
		}
	}()
	if m.renderer != nil && content != "" {
		if rendered, err := m.renderer.Render(content); err == nil {
			return rendered
		}
	}
	return content
}

func (m *model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	status := "disconnected"
	if m.connected {
		status = "connected"
	}
	if m.waiting {
		status = m.spinner.View() + " thinking"
	}

	header := m.styles.header.Render(m.gatewayName) + "  " + m.styles.status.Render(status)
	return header + "\n\n" + m.viewport.View() + "\n" + m.textarea.View()
}
