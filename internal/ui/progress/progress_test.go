package progress

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestFitWidth(t *testing.T) {
	plain := strings.Repeat("x", 20)
	assert.Equal(t, plain, fitWidth(plain, 20))
	assert.Equal(t, plain[:7], fitWidth(plain, 7))
	assert.Equal(t, plain, fitWidth(plain, 0), "unknown width leaves the line alone")

	// Styled lines are measured and cut in terminal cells, not bytes: the
	// escape sequences take bytes but no cells, and must not be split.
	styled := lipgloss.NewStyle().Bold(true).Render(plain)
	assert.Equal(t, styled, fitWidth(styled, 20))
	cut := fitWidth(styled, 7)
	assert.Equal(t, 7, lipgloss.Width(cut))
	assert.Greater(t, len(cut), 7)
}
