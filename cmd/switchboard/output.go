package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

// statusColors maps ticket statuses to terminal colors.
var statusColors = map[models.TicketStatus]lipgloss.Color{
	models.TicketStatusOpen:       lipgloss.Color("7"),
	models.TicketStatusQueued:     lipgloss.Color("14"),
	models.TicketStatusProcessing: lipgloss.Color("12"),
	models.TicketStatusVerifying:  lipgloss.Color("13"),
	models.TicketStatusResolved:   lipgloss.Color("10"),
	models.TicketStatusFailed:     lipgloss.Color("9"),
	models.TicketStatusEscalated:  lipgloss.Color("11"),
	models.TicketStatusOnHold:     lipgloss.Color("8"),
	models.TicketStatusBlocked:    lipgloss.Color("9"),
	models.TicketStatusInReview:   lipgloss.Color("13"),
}

func styleStatus(st models.TicketStatus) string {
	c, ok := statusColors[st]
	if !ok {
		return string(st)
	}
	return lipgloss.NewStyle().Foreground(c).Render(string(st))
}

// renderTable draws a bordered table with a bold header row.
func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Inherit(headerStyle)
			}
			return s
		}).
		Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printStatus prints a status line with a colored symbol.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func field(label, value string) {
	fmt.Printf("%s %s\n", labelStyle.Render(label+":"), value)
}

// formatAge formats the time since t in a compact form.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
