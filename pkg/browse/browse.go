// Package browse shows the attribute table of a layer in the terminal
package browse

import (
	"fmt"
	"io"
	"os"
	"strings"

	btable "github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/paulmach/orb/geojson"

	"github.com/kass/go-geo-explorer/pkg/filter"
	"github.com/kass/go-geo-explorer/pkg/table"
)

const maxColumnWidth = 30

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1).
			MarginBottom(1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BE9FD"))

	filterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9"))
)

// Model is the bubbletea model of the feature table
type Model struct {
	title    string
	all      []*geojson.Feature
	rows     []*geojson.Feature
	columns  []string
	page     table.Page
	pageNum  int
	pageSize int
	sortIdx  int
	desc     bool

	expression string
	filtering  bool
	input      textinput.Model
	grid       btable.Model
	err        error
}

// New builds a model showing features page by page
func New(title string, features []*geojson.Feature, pageSize int) Model {
	if pageSize <= 0 {
		pageSize = table.DefaultPageSize
	}

	input := textinput.New()
	input.Placeholder = `name like "river" and status != "closed"`
	input.Prompt = "filter> "
	input.CharLimit = 512
	input.Width = 60

	grid := btable.New(btable.WithFocused(true), btable.WithHeight(pageSize))
	styles := btable.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#6272A4")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#282A36")).
		Background(lipgloss.Color("#F1FA8C"))
	grid.SetStyles(styles)

	m := Model{
		title:    title,
		all:      features,
		rows:     features,
		columns:  table.Columns(features),
		pageSize: pageSize,
		sortIdx:  -1,
		input:    input,
		grid:     grid,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "/", "f":
			m.filtering = true
			m.input.SetValue(m.expression)
			return m, m.input.Focus()
		case "c":
			m.applyFilter("")
			return m, nil
		case "n", "right", "pgdown":
			if m.pageNum+1 < m.page.Pages {
				m.pageNum++
				m.refresh()
			}
			return m, nil
		case "p", "left", "pgup":
			if m.pageNum > 0 {
				m.pageNum--
				m.refresh()
			}
			return m, nil
		case "s":
			if len(m.columns) > 0 {
				m.sortIdx = (m.sortIdx+2)%(len(m.columns)+1) - 1
				m.pageNum = 0
				m.refresh()
			}
			return m, nil
		case "r":
			m.desc = !m.desc
			m.refresh()
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.grid.SetWidth(msg.Width - 4)
		m.input.Width = msg.Width - 12
	}

	m.grid, cmd = m.grid.Update(msg)
	return m, cmd
}

func (m Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.filtering = false
		m.input.Blur()
		return m, nil
	case "enter":
		m.filtering = false
		m.input.Blur()
		m.applyFilter(m.input.Value())
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// applyFilter narrows the rows to the features matching expr. An empty
// expression shows every feature; an invalid one keeps the current rows.
func (m *Model) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	m.err = nil
	if expr == "" {
		m.expression = ""
		m.rows = m.all
		m.pageNum = 0
		m.refresh()
		return
	}

	parsed, err := filter.Parse(expr)
	if err != nil {
		m.err = err
		return
	}
	matched := filter.Apply(parsed, m.all)
	if len(matched) == 0 {
		m.err = fmt.Errorf("no feature matches %s", parsed.String())
		return
	}
	m.expression = parsed.String()
	m.rows = matched
	m.pageNum = 0
	m.refresh()
}

func (m Model) sortColumn() string {
	if m.sortIdx < 0 || m.sortIdx >= len(m.columns) {
		return ""
	}
	return m.columns[m.sortIdx]
}

// refresh recomputes the current page and loads it into the grid
func (m *Model) refresh() {
	m.page = table.Paginate(m.rows, table.PageRequest{
		Page:     m.pageNum,
		PageSize: m.pageSize,
		SortBy:   m.sortColumn(),
		Desc:     m.desc,
	})

	headers := append([]string{"#"}, m.columns...)
	cells := pageCells(m.page, m.columns)

	cols := make([]btable.Column, len(headers))
	for i, h := range headers {
		width := lipgloss.Width(h)
		for _, row := range cells {
			if w := lipgloss.Width(row[i]); w > width {
				width = w
			}
		}
		if width > maxColumnWidth {
			width = maxColumnWidth
		}
		cols[i] = btable.Column{Title: h, Width: width}
	}

	rows := make([]btable.Row, len(cells))
	for i, c := range cells {
		rows[i] = btable.Row(c)
	}

	// rows must never be wider than the columns while either is replaced
	m.grid.SetRows(nil)
	m.grid.SetColumns(cols)
	m.grid.SetRows(rows)
	m.grid.SetCursor(0)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")

	pages := m.page.Pages
	if pages == 0 {
		pages = 1
	}
	status := fmt.Sprintf("Page %d of %d · %d features", m.page.Page+1, pages, m.page.Total)
	if col := m.sortColumn(); col != "" {
		dir := "asc"
		if m.desc {
			dir = "desc"
		}
		status += fmt.Sprintf(" · sorted by %s %s", col, dir)
	}
	b.WriteString(statusStyle.Render(status))
	b.WriteString("\n")

	if m.expression != "" {
		b.WriteString(filterStyle.Render("filter: " + m.expression))
		b.WriteString("\n")
	}

	b.WriteString(boxStyle.Render(m.grid.View()))
	b.WriteString("\n")

	if m.filtering {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render("n/p: page • s: sort • r: reverse • /: filter • c: clear • q: quit"))
	b.WriteString("\n")
	return b.String()
}

func pageCells(page table.Page, columns []string) [][]string {
	out := make([][]string, 0, len(page.Features))
	for i, f := range page.Features {
		row := make([]string, 0, len(columns)+1)
		row = append(row, fmt.Sprint(page.Page*page.PageSize+i+1))
		for _, c := range columns {
			row = append(row, table.Format(f.Properties[c]))
		}
		out = append(out, row)
	}
	return out
}

// WritePlain prints the first page of features as a plain table
func WritePlain(w io.Writer, title string, features []*geojson.Feature, pageSize int) error {
	if pageSize <= 0 {
		pageSize = table.DefaultPageSize
	}
	columns := table.Columns(features)
	page := table.Paginate(features, table.PageRequest{PageSize: pageSize})

	t := ltable.New().
		Border(lipgloss.NormalBorder()).
		Headers(append([]string{"#"}, columns...)...).
		Rows(pageCells(page, columns)...)

	_, err := fmt.Fprintf(w, "%s (%d of %d features)\n%s\n", title, len(page.Features), page.Total, t.Render())
	return err
}

// Run starts the interactive browser, or prints a plain table when stdout
// is not a terminal
func Run(title string, features []*geojson.Feature, pageSize int) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return WritePlain(os.Stdout, title, features, pageSize)
	}
	_, err := tea.NewProgram(New(title, features, pageSize), tea.WithAltScreen()).Run()
	return err
}
