package grammar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

func newTestGrammar() *Grammar {
	return New(zap.NewNop())
}

func TestNormalizeCanonical(t *testing.T) {
	g := newTestGrammar()
	for _, kind := range schemas.AllSkillKinds() {
		got, outcome := g.Normalize(string(kind))
		assert.Equal(t, kind, got)
		assert.Equal(t, Canonical, outcome)
	}
}

func TestNormalizeRepairsSynonyms(t *testing.T) {
	g := newTestGrammar()
	cases := map[string]schemas.SkillKind{
		"left_click":       schemas.SkillClick,
		"Tap":              schemas.SkillClick,
		"single click":     schemas.SkillClick,
		"context-click":    schemas.SkillRightClick,
		"drag_and_drop":    schemas.SkillDrag,
		"scroll":           schemas.SkillScrollDown,
		"enter_text":       schemas.SkillType,
		"press_key":        schemas.SkillKeyPress,
		"key_combination":  schemas.SkillHotkey,
		"pause":            schemas.SkillWait,
		"wait_for_element": schemas.SkillWaitElement,
		"task_complete":    schemas.SkillDone,
		"FINISHED":         schemas.SkillDone,
	}
	for raw, want := range cases {
		got, outcome := g.Normalize(raw)
		assert.Equal(t, want, got, "raw=%q", raw)
		assert.Equal(t, Repaired, outcome, "raw=%q", raw)
	}
}

func TestNormalizeSubstringFallback(t *testing.T) {
	g := newTestGrammar()

	got, outcome := g.Normalize("please_click_here")
	assert.Equal(t, schemas.SkillClick, got)
	assert.Equal(t, Repaired, outcome)

	got, outcome = g.Normalize("scroll_down_slowly")
	assert.Equal(t, schemas.SkillScrollDown, got)
	assert.Equal(t, Repaired, outcome)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	g := newTestGrammar()
	first, _ := g.Normalize("scroll")
	for i := 0; i < 50; i++ {
		got, _ := g.Normalize("scroll")
		assert.Equal(t, first, got)
	}
}

func TestNormalizeRejectsUnknown(t *testing.T) {
	g := newTestGrammar()
	for _, raw := range []string{"levitate", "frobnicate_widget", "", "   "} {
		_, outcome := g.Normalize(raw)
		assert.Equal(t, Rejected, outcome, "raw=%q", raw)
	}
}

func TestValidateStep(t *testing.T) {
	g := newTestGrammar()

	valid := []schemas.Step{
		{Number: 1, Skill: schemas.Skill{Kind: schemas.SkillClick, Target: "save button"}},
		{Number: 2, Skill: schemas.Skill{Kind: schemas.SkillDrag, Target: "file icon", DragTarget: "trash"}},
		{Number: 3, Skill: schemas.Skill{Kind: schemas.SkillType, Text: "hello"}},
		{Number: 4, Skill: schemas.Skill{Kind: schemas.SkillKeyPress, Key: "enter"}},
		{Number: 5, Skill: schemas.Skill{Kind: schemas.SkillHotkey, Hotkey: []string{"ctrl", "s"}}},
		{Number: 6, Skill: schemas.Skill{Kind: schemas.SkillWait, WaitSeconds: 2}},
		{Number: 7, Skill: schemas.Skill{Kind: schemas.SkillScrollDown}},
		{Number: 8, Skill: schemas.Skill{Kind: schemas.SkillDone}},
	}
	for _, s := range valid {
		assert.NoError(t, g.ValidateStep(s), "step %d", s.Number)
	}

	invalid := []schemas.Step{
		{Number: 1, Skill: schemas.Skill{Kind: schemas.SkillClick}},
		{Number: 2, Skill: schemas.Skill{Kind: schemas.SkillDrag, Target: "file icon"}},
		{Number: 3, Skill: schemas.Skill{Kind: schemas.SkillType}},
		{Number: 4, Skill: schemas.Skill{Kind: schemas.SkillKeyPress}},
		{Number: 5, Skill: schemas.Skill{Kind: schemas.SkillHotkey, Hotkey: []string{"ctrl"}}},
		{Number: 6, Skill: schemas.Skill{Kind: schemas.SkillWait}},
		{Number: 7, Skill: schemas.Skill{Kind: "levitate"}},
	}
	for _, s := range invalid {
		assert.Error(t, g.ValidateStep(s), "step %d", s.Number)
	}
}
