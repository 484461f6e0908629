package browse

import (
	"bytes"
	"fmt"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFeatures(n int) []*geojson.Feature {
	out := make([]*geojson.Feature, 0, n)
	for i := 0; i < n; i++ {
		f := geojson.NewFeature(orb.Point{float64(i), float64(i)})
		status := "active"
		if i%2 == 1 {
			status = "closed"
		}
		f.Properties = geojson.Properties{"name": fmt.Sprintf("site-%02d", i), "status": status, "level": float64(i)}
		out = append(out, f)
	}
	return out
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func TestPaging(t *testing.T) {
	m := New("sites", sampleFeatures(25), 10)
	assert.Equal(t, 3, m.page.Pages)
	assert.Len(t, m.page.Features, 10)
	assert.Contains(t, m.View(), "Page 1 of 3")

	m = send(t, m, key("n"), key("n"))
	assert.Equal(t, 2, m.pageNum)
	assert.Len(t, m.page.Features, 5)

	// paging stops at the last page
	m = send(t, m, key("n"))
	assert.Equal(t, 2, m.pageNum)

	m = send(t, m, key("p"), key("p"), key("p"))
	assert.Equal(t, 0, m.pageNum)
}

func TestSort(t *testing.T) {
	m := New("sites", sampleFeatures(5), 10)
	assert.Equal(t, []string{"level", "name", "status"}, m.columns)

	m = send(t, m, key("s"))
	assert.Equal(t, "level", m.sortColumn())
	m = send(t, m, key("r"))
	assert.Equal(t, "site-04", m.page.Features[0].Properties["name"])
	assert.Contains(t, m.View(), "sorted by level desc")

	m = send(t, m, key("s"), key("s"), key("s"))
	assert.Equal(t, "", m.sortColumn())
}

func TestFilter(t *testing.T) {
	m := New("sites", sampleFeatures(6), 10)

	m = send(t, m, key("/"))
	assert.True(t, m.filtering)
	m.input.SetValue(`status == "closed"`)
	m = send(t, m, key("enter"))
	assert.False(t, m.filtering)
	require.NoError(t, m.err)
	assert.Len(t, m.rows, 3)
	assert.Equal(t, `status == "closed"`, m.expression)
	assert.Contains(t, m.View(), `filter: status == "closed"`)

	// an invalid expression keeps the rows and shows the error
	m = send(t, m, key("/"))
	m.input.SetValue(`status = `)
	m = send(t, m, key("enter"))
	require.Error(t, m.err)
	assert.Len(t, m.rows, 3)
	assert.Contains(t, m.View(), "invalid expression")

	// no matches is reported too
	m = send(t, m, key("/"))
	m.input.SetValue(`status == "planned"`)
	m = send(t, m, key("enter"))
	require.Error(t, m.err)
	assert.Len(t, m.rows, 3)

	// escape cancels input without applying it
	m = send(t, m, key("/"))
	m.input.SetValue(`name == "site-00"`)
	m = send(t, m, key("esc"))
	assert.Len(t, m.rows, 3)

	m = send(t, m, key("c"))
	assert.Len(t, m.rows, 6)
	assert.Empty(t, m.expression)
	assert.NoError(t, m.err)
}

func TestQuit(t *testing.T) {
	m := New("sites", sampleFeatures(1), 10)
	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestEmpty(t *testing.T) {
	m := New("empty", nil, 0)
	assert.Contains(t, m.View(), "Page 1 of 1")
	m = send(t, m, key("n"), key("s"))
	assert.Equal(t, 0, m.pageNum)
}

func TestWritePlain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePlain(&buf, "sites", sampleFeatures(3), 2))

	out := buf.String()
	assert.Contains(t, out, "sites (2 of 3 features)")
	assert.Contains(t, out, "name")
	assert.Contains(t, out, "site-01")
	assert.NotContains(t, out, "site-02")
}
