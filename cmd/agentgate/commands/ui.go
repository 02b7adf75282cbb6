package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/agentgate/internal/client"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8E4EC6")). // Purple
			Padding(0, 1).
			MarginBottom(1)

	colHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8E4EC6")).
			Bold(true).
			MarginRight(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12)

	sepStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	cellBase = lipgloss.NewStyle().MarginRight(1)

	approvedColor = lipgloss.Color("#2E8B57") // SeaGreen
	deniedColor   = lipgloss.Color("#D9534F")
	pendingColor  = lipgloss.Color("#E0A800")
	mutedColor    = lipgloss.Color("241")
)

func statusColor(status string) lipgloss.Color {
	switch status {
	case "approved", "active", "enabled":
		return approvedColor
	case "denied", "revoked":
		return deniedColor
	case "pending":
		return pendingColor
	default:
		return mutedColor
	}
}

type column struct {
	title string
	width int
}

// table renders fixed-width rows. statusCol, when >= 0, colors that column
// by its value.
type table struct {
	title     string
	columns   []column
	statusCol int
	rows      [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(t.title))
	b.WriteString("\n")

	headers := make([]string, len(t.columns))
	seps := make([]string, len(t.columns))
	for i, c := range t.columns {
		headers[i] = colHeaderStyle.Width(c.width).Render(c.title)
		seps[i] = sepStyle.Render(strings.Repeat("─", c.width))
	}
	fmt.Fprintf(&b, "  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, headers...))
	fmt.Fprintf(&b, "  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, seps...))

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, c := range t.columns {
			val := ""
			if i < len(row) {
				val = row[i]
			}
			style := cellBase.Width(c.width)
			if i == t.statusCol {
				style = style.Foreground(statusColor(val))
			}
			cells[i] = style.Render(truncate(val, c.width))
		}
		fmt.Fprintf(&b, "  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return b.String()
}

func printFields(title string, fields [][2]string) {
	fmt.Println(headerStyle.Render(title))
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		value := f[1]
		if f[0] == "Status" {
			value = lipgloss.NewStyle().Bold(true).Foreground(statusColor(value)).Render(value)
		}
		fmt.Printf("  %s %s\n", labelStyle.Render(f[0]+":"), value)
	}
	fmt.Println()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("url", "", "Gate URL (default $AGENTGATE_URL or http://localhost:3000)")
	cmd.PersistentFlags().String("api-key", "", "API key (default $AGENTGATE_API_KEY)")
	cmd.PersistentFlags().Duration("timeout", 0, "HTTP timeout (default $AGENTGATE_TIMEOUT or 10s)")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	apiKey, _ := cmd.Flags().GetString("api-key")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.New(client.Options{URL: url, APIKey: apiKey, Timeout: timeout})
}
