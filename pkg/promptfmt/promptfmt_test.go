package promptfmt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/pilotd/pkg/promptfmt"
)

func TestBuildSkipsEmptySections(t *testing.T) {
	out := promptfmt.Build("Task T1", []promptfmt.Section{
		{Title: "Goal", Body: "Ship the feature"},
		{Title: "Empty", Body: "   "},
		{Title: "Notes", Body: "Watch for regressions"},
	})
	assert.Contains(t, out, "# Task T1")
	assert.Contains(t, out, "## Goal")
	assert.Contains(t, out, "Ship the feature")
	assert.NotContains(t, out, "## Empty")
	assert.Contains(t, out, "## Notes")
}

func TestBulletsFormatsOneItemPerLine(t *testing.T) {
	out := promptfmt.Bullets([]string{"a", "b"})
	assert.Equal(t, "- a\n- b", out)
}

func TestBulletsEmptyReturnsEmptyString(t *testing.T) {
	assert.Equal(t, "", promptfmt.Bullets(nil))
}
