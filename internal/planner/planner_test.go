package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/grammar"
)

// mockLLM lets each test script the oracle's answer.
type mockLLM struct {
	lastReq  schemas.GenerationRequest
	calls    int
	response string
	err      error
}

func (m *mockLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	m.calls++
	m.lastReq = req
	return m.response, m.err
}

func (m *mockLLM) Close() error { return nil }

// mockGuides scripts the guide store.
type mockGuides struct {
	guides []schemas.Guide
	err    error
	query  string
}

func (m *mockGuides) Search(_ context.Context, query string, _ int) ([]schemas.Guide, error) {
	m.query = query
	return m.guides, m.err
}

func (m *mockGuides) Close() {}

func newTestPlanner(t *testing.T, llm schemas.LLMClient, guides schemas.GuideStore) *Planner {
	t.Helper()
	p, err := New(llm, grammar.New(zap.NewNop()), guides, 3, zap.NewNop())
	require.NoError(t, err)
	return p
}

func testIntent() schemas.Intent {
	return schemas.Intent{
		Goal:      "save the open document",
		TargetApp: "Notepad",
	}
}

func testSnapshot() schemas.Snapshot {
	return schemas.Snapshot{
		PNG:         []byte("fake-png"),
		AppName:     "Notepad",
		Description: "untitled document with unsaved changes",
	}
}

func TestCreatePlanParsesStructuredResponse(t *testing.T) {
	llm := &mockLLM{response: `{"steps":[
		{"step_number":1,"skill_type":"hotkey","hotkey":["ctrl","s"],"friendly_description":"Press Ctrl and S together","expected_result":"save dialog opens"},
		{"step_number":2,"skill_type":"type","text":"letter.txt","friendly_description":"Type the file name"},
		{"step_number":3,"skill_type":"key_press","key":"enter","friendly_description":"Press Enter"}
	]}`}

	p := newTestPlanner(t, llm, nil)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	require.Len(t, plan.Steps, 3)
	assert.Equal(t, schemas.SkillHotkey, plan.Steps[0].Skill.Kind)
	assert.Equal(t, []string{"ctrl", "s"}, plan.Steps[0].Skill.Hotkey)
	assert.Equal(t, "save dialog opens", plan.Steps[0].ExpectedResult)
	assert.Equal(t, schemas.SkillType, plan.Steps[1].Skill.Kind)
	assert.Equal(t, 1, llm.calls)

	// The screen capture travels with the request, powerful tier, JSON forced.
	require.Len(t, llm.lastReq.Images, 1)
	assert.Equal(t, schemas.TierPowerful, llm.lastReq.Tier)
	assert.True(t, llm.lastReq.Options.ForceJSONFormat)
}

func TestCreatePlanRepairsAndDropsSkills(t *testing.T) {
	llm := &mockLLM{response: `{"steps":[
		{"step_number":1,"skill_type":"left_click","target":"file menu"},
		{"step_number":2,"skill_type":"levitate","target":"nowhere"},
		{"step_number":3,"skill_type":"press_key","key":"enter"}
	]}`}

	p := newTestPlanner(t, llm, nil)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)

	// The unknown skill is dropped and the rest renumbered contiguously.
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 1, plan.Steps[0].Number)
	assert.Equal(t, 2, plan.Steps[1].Number)
	require.NoError(t, plan.Validate())

	wantSkills := []schemas.Skill{
		{Kind: schemas.SkillClick, Target: "file menu"},
		{Kind: schemas.SkillKeyPress, Key: "enter"},
	}
	gotSkills := []schemas.Skill{plan.Steps[0].Skill, plan.Steps[1].Skill}
	if diff := cmp.Diff(wantSkills, gotSkills); diff != "" {
		t.Errorf("repaired skills mismatch (-want +got):\n%s", diff)
	}
}

func TestCreatePlanDropsStepsMissingParameters(t *testing.T) {
	llm := &mockLLM{response: `{"steps":[
		{"step_number":1,"skill_type":"click"},
		{"step_number":2,"skill_type":"click","target":"ok button"}
	]}`}

	p := newTestPlanner(t, llm, nil)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)

	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "ok button", plan.Steps[0].Skill.Target)
	assert.Equal(t, 1, plan.Steps[0].Number)
}

func TestCreatePlanEmptyMeansNoFeasiblePath(t *testing.T) {
	llm := &mockLLM{response: `{"steps":[]}`}

	p := newTestPlanner(t, llm, nil)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

func TestCreatePlanDoneShortCircuit(t *testing.T) {
	llm := &mockLLM{response: `{"steps":[{"step_number":1,"skill_type":"done","friendly_description":"Already saved"}]}`}

	p := newTestPlanner(t, llm, nil)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)
	assert.True(t, plan.LeadsWithDone())
}

func TestCreatePlanFallsBackToLines(t *testing.T) {
	llm := &mockLLM{response: "1. Click the File menu\n2. Click Save As\n3. Click the Save button"}

	p := newTestPlanner(t, llm, nil)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)

	// Degraded mode: every line becomes a click step.
	require.Len(t, plan.Steps, 3)
	for i, s := range plan.Steps {
		assert.Equal(t, i+1, s.Number)
		assert.Equal(t, schemas.SkillClick, s.Skill.Kind)
	}
	assert.Equal(t, "Click the File menu", plan.Steps[0].Instruction)
}

func TestCreatePlanPropagatesTransportErrors(t *testing.T) {
	llm := &mockLLM{err: errors.New("network down")}

	p := newTestPlanner(t, llm, nil)
	_, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")
}

func TestCreatePlanUsesGuides(t *testing.T) {
	guides := &mockGuides{guides: []schemas.Guide{
		{ID: "g1", Title: "Saving files in Notepad", Steps: []string{"Open the File menu", "Choose Save"}},
	}}
	llm := &mockLLM{response: `{"steps":[{"step_number":1,"skill_type":"done"}]}`}

	p := newTestPlanner(t, llm, guides)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)

	assert.Contains(t, guides.query, "save the open document")
	assert.Contains(t, llm.lastReq.UserPrompt, "Saving files in Notepad")
	assert.Equal(t, []string{"g1"}, plan.GuideRefs)
}

func TestCreatePlanSurvivesGuideStoreFailure(t *testing.T) {
	guides := &mockGuides{err: errors.New("db unreachable")}
	llm := &mockLLM{response: `{"steps":[{"step_number":1,"skill_type":"done"}]}`}

	p := newTestPlanner(t, llm, guides)
	plan, err := p.CreatePlan(context.Background(), testIntent(), testSnapshot())
	require.NoError(t, err)
	assert.Empty(t, plan.GuideRefs)
}

func TestReplanCarriesHistory(t *testing.T) {
	llm := &mockLLM{response: `{"steps":[{"step_number":1,"skill_type":"click","target":"retry button"}]}`}

	p := newTestPlanner(t, llm, nil)
	completed := []schemas.Step{
		{Number: 1, Instruction: "Open the File menu"},
		{Number: 2, Instruction: "Click Save As"},
	}
	plan, err := p.Replan(context.Background(), testIntent(), testSnapshot(), completed, "clicking the save button had no effect")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)

	prompt := llm.lastReq.UserPrompt
	assert.Contains(t, prompt, "Open the File menu")
	assert.Contains(t, prompt, "clicking the save button had no effect")
	assert.Contains(t, prompt, "CURRENT screen")
}

func TestNewValidatesDependencies(t *testing.T) {
	g := grammar.New(zap.NewNop())
	_, err := New(nil, g, nil, 3, zap.NewNop())
	assert.Error(t, err)
	_, err = New(&mockLLM{}, nil, nil, 3, zap.NewNop())
	assert.Error(t, err)
	_, err = New(&mockLLM{}, g, nil, 3, nil)
	assert.Error(t, err)
}
