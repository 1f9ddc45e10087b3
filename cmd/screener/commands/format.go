package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/execution"
)

// Terminal styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)
)

// statusStyle colors a status by its outcome
func statusStyle(s execution.Status) lipgloss.Style {
	switch s {
	case execution.StatusCompleted:
		return completedStyle
	case execution.StatusFailed, execution.StatusCancelled:
		return errorStyle
	case execution.StatusPending:
		return mutedStyle
	default:
		return runningStyle
	}
}

// printProgress prints one progress line
// Example: [DATA_FETCHING]  42.5%  Fetched batch 3/8
func printProgress(w io.Writer, p execution.Progress) {
	msg := ""
	if p.LatestLog != nil {
		msg = p.LatestLog.Message
	}
	fmt.Fprintf(w, "%s %5.1f%%  %s\n",
		statusStyle(p.Status).Render(fmt.Sprintf("[%s]", p.Status)),
		p.OverallProgress,
		mutedStyle.Render(msg))
}

// renderTable lays out rows with padded columns
func renderTable(columns []string, rows [][]string) string {
	widths := make([]int, len(columns))
	for i, c := range columns {
		widths[i] = lipgloss.Width(c)
	}
	for _, row := range rows {
		for i, v := range row {
			if w := lipgloss.Width(v); w > widths[i] {
				widths[i] = w
			}
		}
	}

	cell := func(i int, v string) string {
		return lipgloss.NewStyle().Width(widths[i]).Render(v)
	}

	var b strings.Builder
	head := make([]string, len(columns))
	for i, c := range columns {
		head[i] = headerStyle.Render(cell(i, c))
	}
	b.WriteString(strings.Join(head, "  "))
	for _, row := range rows {
		b.WriteString("\n")
		line := make([]string, len(row))
		for i, v := range row {
			line[i] = cell(i, v)
		}
		b.WriteString(strings.Join(line, "  "))
	}
	return boxStyle.Render(b.String())
}

// printRanking prints the ranked rows with per-factor contributions
func printRanking(w io.Writer, title string, rows []contracts.RankedInstrument) {
	if len(rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("(no instruments)"))
		return
	}

	factorSet := make(map[string]bool)
	for _, r := range rows {
		for id := range r.Contributions {
			factorSet[id] = true
		}
	}
	factors := make([]string, 0, len(factorSet))
	for id := range factorSet {
		factors = append(factors, id)
	}
	sort.Strings(factors)

	columns := append([]string{"Rank", "Instrument", "Date", "Composite"}, factors...)
	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		row := []string{
			fmt.Sprintf("%d", r.Rank),
			r.Instrument,
			r.Date.Format("2006-01-02"),
			fmt.Sprintf("%.4f", r.Composite),
		}
		for _, id := range factors {
			v, ok := r.Contributions[id]
			if !ok {
				row = append(row, "-")
				continue
			}
			row = append(row, fmt.Sprintf("%.4f", v))
		}
		table = append(table, row)
	}

	fmt.Fprintln(w, titleStyle.Render(title))
	fmt.Fprintln(w, renderTable(columns, table))
}

// printRequirement prints interfaces and their fields
func printRequirement(w io.Writer, req contracts.DataRequirement) {
	rows := make([][]string, 0, len(req))
	for _, iface := range req.Interfaces() {
		rows = append(rows, []string{iface, strings.Join(req[iface], ", ")})
	}
	fmt.Fprintln(w, renderTable([]string{"Interface", "Fields"}, rows))
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Println(completedStyle.Render("✅ " + message))
}
