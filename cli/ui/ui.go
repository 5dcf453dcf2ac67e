// Package ui provides the terminal components of the newton CLI: a spinner
// for long waits, tables and status badges.
package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AshkanYarmoradi/go-newton/cli/styles"
)

// SpinnerModel shows a message next to a spinner until a SpinnerDoneMsg
// arrives.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// SpinnerDoneMsg ends a SpinnerModel.
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// NewSpinner creates a spinner with the given message.
func NewSpinner(message string) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{
		spinner: s,
		message: message,
	}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(m.result) + "\n"
		}
		return styles.FormatSuccess(m.result) + "\n"
	}

	if m.quitting {
		return styles.FormatWarning("Cancelled") + "\n"
	}

	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// Cancelled reports whether the user quit before the spinner finished.
func (m SpinnerModel) Cancelled() bool {
	return m.quitting
}

// Table renders rows under a header with box-drawing borders.
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a table with headers.
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{headers: headers, widths: widths}
}

// AddRow adds a row. Missing cells are empty and extra cells are dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
			if w := lipgloss.Width(values[i]); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

func (t *Table) rule(borderStyle lipgloss.Style, left, mid, right string) string {
	var sb strings.Builder
	sb.WriteString(borderStyle.Render(left))
	for i, w := range t.widths {
		sb.WriteString(borderStyle.Render(strings.Repeat("─", w+2)))
		if i < len(t.widths)-1 {
			sb.WriteString(borderStyle.Render(mid))
		}
	}
	sb.WriteString(borderStyle.Render(right))
	return sb.String()
}

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Foreground(styles.Text).Padding(0, 1)
	borderStyle := lipgloss.NewStyle().Foreground(styles.Border)

	line := func(cells []string, style lipgloss.Style) string {
		var sb strings.Builder
		sb.WriteString(borderStyle.Render("│"))
		for i, cell := range cells {
			sb.WriteString(style.Width(t.widths[i] + 2).Render(cell))
			sb.WriteString(borderStyle.Render("│"))
		}
		return sb.String()
	}

	lines := []string{
		t.rule(borderStyle, "┌", "┬", "┐"),
		line(t.headers, headerStyle),
		t.rule(borderStyle, "├", "┼", "┤"),
	}
	for _, row := range t.rows {
		lines = append(lines, line(row, cellStyle))
	}
	lines = append(lines, t.rule(borderStyle, "└", "┴", "┘"))

	return strings.Join(lines, "\n")
}

// StatusBadge returns a colored badge for a saga or command status.
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "complete", "confirmed", "ok", "success":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "active", "placed", "pending":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "cancelled", "failed", "error":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// SimpleBanner returns the one-line newton banner.
func SimpleBanner() string {
	return styles.IconNewton + " " + lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Render("newton") +
		" " +
		styles.Muted.Render("- event sourcing and sagas for Go")
}

// Divider returns a horizontal rule.
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}
