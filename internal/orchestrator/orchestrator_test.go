package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/config"
	"github.com/coachmark-ai/coachmark-cli/internal/grammar"
	"github.com/coachmark-ai/coachmark-cli/internal/input"
	"github.com/coachmark-ai/coachmark-cli/internal/judge"
	"github.com/coachmark-ai/coachmark-cli/internal/knowledge"
	"github.com/coachmark-ai/coachmark-cli/internal/planner"
)

// scriptedLLM answers the three oracle roles by request shape: planning uses
// the powerful tier, change classification carries two images, and goal
// evaluation carries one.
type scriptedLLM struct {
	mu       sync.Mutex
	planJSON string
	calls    int
}

func (s *scriptedLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if req.Tier == schemas.TierPowerful {
		return s.planJSON, nil
	}
	if len(req.Images) == 2 {
		return `{"has_change": true, "change_type": "changed", "reason": "menu opened"}`, nil
	}
	return `{"goal_achieved": true, "reason": "target state visible"}`, nil
}

func (s *scriptedLLM) Close() error { return nil }

type staticScreen struct{}

func (staticScreen) Capture(context.Context) (schemas.Snapshot, error) {
	return schemas.Snapshot{PNG: []byte("frame"), CapturedAt: time.Now()}, nil
}

func testConfig(t *testing.T) config.Interface {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("engine.verify_settle_delay", "0s")
	v.Set("engine.idle_timeout", "5s")
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	return cfg
}

func buildOrchestrator(t *testing.T, llm *scriptedLLM) (*Orchestrator, *input.ChannelSource) {
	t.Helper()
	logger := zap.NewNop()
	cfg := testConfig(t)

	guides := knowledge.NewMemoryStore(logger)
	pl, err := planner.New(llm, grammar.New(logger), guides, 3, logger)
	require.NoError(t, err)
	observer, err := judge.NewChangeObserver(llm, logger)
	require.NoError(t, err)
	evaluator, err := judge.NewGoalEvaluator(llm, logger)
	require.NoError(t, err)
	signals, err := input.NewChannelSource(8, logger)
	require.NoError(t, err)

	o, err := NewFromComponents(cfg, logger, llm, pl, observer, evaluator, guides, signals, staticScreen{})
	require.NoError(t, err)
	return o, signals
}

func TestRunTaskCompletesWithHumanSignals(t *testing.T) {
	llm := &scriptedLLM{planJSON: `{"steps": [
		{"step_number": 1, "skill_type": "click", "target": "Start menu",
		 "friendly_description": "Click the Start menu", "expected_result": "the menu opens"}
	]}`}
	o, signals := buildOrchestrator(t, llm)

	callbacks := schemas.RunCallbacks{
		OnStepStart: func(schemas.Step) {
			signals.Publish(schemas.CompletionSignal{Source: schemas.SignalInput, At: time.Now()})
		},
	}

	outcome, err := o.RunTask(context.Background(), schemas.Intent{Goal: "open the start menu"}, callbacks)
	require.NoError(t, err)
	assert.Equal(t, schemas.RunCompleted, outcome.State)
	assert.Equal(t, schemas.FailureNone, outcome.Reason)
	assert.GreaterOrEqual(t, llm.calls, 3, "plan, classify, and goal check must all reach the oracle")
}

func TestRunTaskEmptyPlanFails(t *testing.T) {
	llm := &scriptedLLM{planJSON: `{"steps": []}`}
	o, _ := buildOrchestrator(t, llm)

	outcome, err := o.RunTask(context.Background(), schemas.Intent{Goal: "impossible"}, schemas.RunCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, schemas.RunFailed, outcome.State)
	assert.Equal(t, schemas.FailurePlanEmpty, outcome.Reason)
}

func TestRunTaskAlreadyDone(t *testing.T) {
	llm := &scriptedLLM{planJSON: `{"steps": [{"step_number": 1, "skill_type": "done"}]}`}
	o, _ := buildOrchestrator(t, llm)

	outcome, err := o.RunTask(context.Background(), schemas.Intent{Goal: "nothing to do"}, schemas.RunCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, schemas.RunCompleted, outcome.State)
	assert.Zero(t, outcome.CompletedSteps)
}

func TestNewFromComponentsValidates(t *testing.T) {
	_, err := NewFromComponents(nil, nil, nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewRequiresScreenSource(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("knowledge.type", "memory")
	v.Set("browser.autopilot", false)
	v.Set("agent.llm.models", map[string]any{
		"gemini-2.5-flash": map[string]any{"provider": "gemini", "model": "gemini-2.5-flash", "api_key": "test-key"},
		"gemini-2.5-pro":   map[string]any{"provider": "gemini", "model": "gemini-2.5-pro", "api_key": "test-key"},
	})
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	// With the autopilot off and no override, construction must refuse to
	// assemble a stack that cannot perceive the screen.
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "screen source")
}
