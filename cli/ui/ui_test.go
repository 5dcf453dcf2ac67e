package ui

import (
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinner(t *testing.T) {
	s := NewSpinner("Waiting for saga...")
	assert.NotNil(t, s.Init())
	assert.Contains(t, s.View(), "Waiting for saga...")

	t.Run("tick", func(t *testing.T) {
		model, cmd := s.Update(spinner.TickMsg{})
		assert.NotNil(t, model)
		assert.NotNil(t, cmd)
	})

	t.Run("quit keys", func(t *testing.T) {
		for _, key := range []tea.KeyMsg{
			{Type: tea.KeyRunes, Runes: []rune{'q'}},
			{Type: tea.KeyEsc},
			{Type: tea.KeyCtrlC},
		} {
			model, cmd := s.Update(key)
			sm := model.(SpinnerModel)
			assert.True(t, sm.Cancelled())
			assert.NotNil(t, cmd)
			assert.Contains(t, sm.View(), "Cancelled")
		}
	})

	t.Run("other keys are ignored", func(t *testing.T) {
		model, cmd := s.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})
		assert.False(t, model.(SpinnerModel).Cancelled())
		assert.Nil(t, cmd)
	})

	t.Run("done", func(t *testing.T) {
		model, cmd := s.Update(SpinnerDoneMsg{Result: "Saga complete"})
		assert.NotNil(t, cmd)
		assert.Contains(t, model.View(), "Saga complete")
	})

	t.Run("done with error", func(t *testing.T) {
		model, _ := s.Update(SpinnerDoneMsg{Result: "Timed out", Err: errors.New("timeout")})
		assert.Contains(t, model.View(), "Timed out")
	})
}

func TestTable(t *testing.T) {
	table := NewTable("Version", "Type", "Correlation")
	table.AddRow("1", "OrderPlaced", "corr-1")
	table.AddRow("2", "OrderConfirmed")
	table.AddRow("3", "OrderCancelled", "corr-1", "dropped")
	assert.Equal(t, 3, table.Len())

	out := table.Render()
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, out, "OrderConfirmed")
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, lines[0], "┌")
	assert.Contains(t, lines[6], "┘")

	assert.Equal(t, "", (&Table{}).Render())
}

func TestStatusBadge(t *testing.T) {
	for _, status := range []string{"complete", "active", "cancelled", "other"} {
		assert.Contains(t, StatusBadge(status), status)
	}
}

func TestBannerAndDivider(t *testing.T) {
	assert.Contains(t, SimpleBanner(), "newton")
	assert.Contains(t, Divider(4), "────")
}
