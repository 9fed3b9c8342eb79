package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/EvanSchalton/tmux-orchestrator/internal/agent"
	"github.com/EvanSchalton/tmux-orchestrator/internal/util"
)

// Catppuccin Mocha, the palette the status views use.
var (
	colorText     = lipgloss.Color("#cdd6f4")
	colorSubtext  = lipgloss.Color("#a6adc8")
	colorSurface  = lipgloss.Color("#585b70")
	colorPrimary  = lipgloss.Color("#89b4fa")
	colorGreen    = lipgloss.Color("#a6e3a1")
	colorYellow   = lipgloss.Color("#f9e2af")
	colorPeach    = lipgloss.Color("#fab387")
	colorRed      = lipgloss.Color("#f38ba8")
	colorLavender = lipgloss.Color("#b4befe")
)

// StyledTable renders a box-drawn terminal table. Cells may carry ANSI
// styling; widths are measured without it.
type StyledTable struct {
	headers []string
	rows    [][]string
	widths  []int
	title   string
	footer  string
}

// NewStyledTable creates a table with headers.
func NewStyledTable(headers ...string) *StyledTable {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &StyledTable{headers: headers, widths: widths}
}

// WithTitle adds a title above the table.
func (t *StyledTable) WithTitle(title string) *StyledTable {
	t.title = title
	return t
}

// WithFooter adds a footer below the table.
func (t *StyledTable) WithFooter(footer string) *StyledTable {
	t.footer = footer
	return t
}

// AddRow adds a row. Missing trailing cells render empty.
func (t *StyledTable) AddRow(cols ...string) {
	for i, c := range cols {
		if i < len(t.widths) {
			if w := lipgloss.Width(c); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, cols)
}

// RowCount returns the number of rows.
func (t *StyledTable) RowCount() int { return len(t.rows) }

// Render returns the table as a string.
func (t *StyledTable) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	border := lipgloss.NewStyle().Foreground(colorSurface)
	header := lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	subtle := lipgloss.NewStyle().Foreground(colorSubtext)

	hline := func(left, mid, right string) string {
		var line strings.Builder
		line.WriteString(left)
		for i, w := range t.widths {
			line.WriteString(strings.Repeat("─", w+2))
			if i < len(t.widths)-1 {
				line.WriteString(mid)
			}
		}
		line.WriteString(right)
		return border.Render(line.String())
	}
	row := func(cells []string, style *lipgloss.Style) string {
		var line strings.Builder
		line.WriteString(border.Render("│"))
		for i := range t.headers {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			if style != nil {
				cell = style.Render(cell)
			}
			line.WriteString(" ")
			line.WriteString(cell)
			line.WriteString(strings.Repeat(" ", t.widths[i]-lipgloss.Width(cell)))
			line.WriteString(" ")
			line.WriteString(border.Render("│"))
		}
		return line.String()
	}

	var sb strings.Builder
	if t.title != "" {
		sb.WriteString(header.Render(t.title))
		sb.WriteString("\n")
	}
	sb.WriteString(hline("╭", "┬", "╮"))
	sb.WriteString("\n")
	sb.WriteString(row(t.headers, &header))
	sb.WriteString("\n")
	sb.WriteString(hline("├", "┼", "┤"))
	sb.WriteString("\n")
	for _, r := range t.rows {
		sb.WriteString(row(r, nil))
		sb.WriteString("\n")
	}
	sb.WriteString(hline("╰", "┴", "╯"))
	sb.WriteString("\n")
	if t.footer != "" {
		sb.WriteString(subtle.Render(t.footer))
		sb.WriteString("\n")
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (t *StyledTable) String() string { return t.Render() }

// stateBadge colors a state name by severity.
func stateBadge(k agent.StateKind) string {
	var c lipgloss.Color
	switch k {
	case agent.StateHealthy:
		c = colorGreen
	case agent.StateStarting, agent.StateCompacting:
		c = colorLavender
	case agent.StateIdle, agent.StateUnsubmitted:
		c = colorYellow
	case agent.StateRateLimited:
		c = colorPeach
	case agent.StateCrashed, agent.StateError:
		c = colorRed
	default:
		c = colorSubtext
	}
	return lipgloss.NewStyle().Foreground(c).Render(string(k))
}

// keyValue renders an aligned "key: value" line.
func keyValue(key, value string, keyWidth int) string {
	k := lipgloss.NewStyle().Foreground(colorSubtext).Render(util.PadRight(key+":", keyWidth))
	return k + " " + lipgloss.NewStyle().Foreground(colorText).Render(value)
}

func warnText(s string) string {
	return lipgloss.NewStyle().Foreground(colorPeach).Render("⚠ " + s)
}

func successText(s string) string {
	return lipgloss.NewStyle().Foreground(colorGreen).Render("✓ " + s)
}
