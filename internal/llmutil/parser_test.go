package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	GoalAchieved bool   `json:"goal_achieved"`
	Reason       string `json:"reason"`
}

func TestParseJSONResponse(t *testing.T) {
	t.Run("bare JSON object", func(t *testing.T) {
		got, err := ParseJSONResponse[verdict](`{"goal_achieved": true, "reason": "document saved"}`)
		require.NoError(t, err)
		assert.True(t, got.GoalAchieved)
		assert.Equal(t, "document saved", got.Reason)
	})

	t.Run("markdown fenced object", func(t *testing.T) {
		raw := "```json\n{\"goal_achieved\": false, \"reason\": \"dialog still open\"}\n```"
		got, err := ParseJSONResponse[verdict](raw)
		require.NoError(t, err)
		assert.False(t, got.GoalAchieved)
	})

	t.Run("fence without language tag", func(t *testing.T) {
		raw := "```\n{\"goal_achieved\": true, \"reason\": \"ok\"}\n```"
		got, err := ParseJSONResponse[verdict](raw)
		require.NoError(t, err)
		assert.True(t, got.GoalAchieved)
	})

	t.Run("conversational wrapping", func(t *testing.T) {
		raw := `Sure! Here is my assessment: {"goal_achieved": true, "reason": "window closed"} Hope that helps.`
		got, err := ParseJSONResponse[verdict](raw)
		require.NoError(t, err)
		assert.True(t, got.GoalAchieved)
	})

	t.Run("fenced array", func(t *testing.T) {
		raw := "```json\n[{\"goal_achieved\": true, \"reason\": \"a\"}]\n```"
		got, err := ParseJSONResponse[[]verdict](raw)
		require.NoError(t, err)
		require.Len(t, *got, 1)
	})

	t.Run("non-JSON prose fails", func(t *testing.T) {
		_, err := ParseJSONResponse[verdict]("I could not decide, sorry.")
		assert.Error(t, err)
	})

	t.Run("malformed JSON reports snippet", func(t *testing.T) {
		_, err := ParseJSONResponse[verdict](`{"goal_achieved": true,`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Extracted JSON")
	})
}

func TestNonEmptyLines(t *testing.T) {
	raw := "```json\n1. Click the Start button\n\n- Type notepad\n  \n3. Press Enter\n```"
	lines := NonEmptyLines(raw)
	require.Equal(t, []string{"Click the Start button", "Type notepad", "Press Enter"}, lines)

	assert.Empty(t, NonEmptyLines("\n  \n\t\n"))
}
