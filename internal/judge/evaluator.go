package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/llmutil"
)

const evaluatorSystemPrompt = `You decide whether a user's overall goal is ALREADY satisfied, judging only
from the attached screen capture. Be strict: when in doubt, the goal is not
achieved. Respond with JSON only: {"goal_achieved": true, "reason": ""}`

type goalVerdict struct {
	GoalAchieved bool   `json:"goal_achieved"`
	Reason       string `json:"reason"`
}

// GoalEvaluator judges whether the run's goal is satisfied on the current
// screen. It is consulted after every verified change so a run can finish
// early, before the plan runs out of steps.
type GoalEvaluator struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewGoalEvaluator creates the evaluator.
func NewGoalEvaluator(llm schemas.LLMClient, logger *zap.Logger) (*GoalEvaluator, error) {
	if llm == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &GoalEvaluator{llm: llm, logger: logger.Named("judge.evaluator")}, nil
}

// Evaluate reports whether the goal is achieved on the given snapshot. An
// unparseable verdict degrades to "not achieved": claiming premature success
// is worse than one extra step.
func (e *GoalEvaluator) Evaluate(ctx context.Context, intent schemas.Intent, snap schemas.Snapshot) (bool, string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL: %s\n", intent.Goal)
	if intent.TargetState != "" {
		fmt.Fprintf(&b, "DESIRED END STATE: %s\n", intent.TargetState)
	}
	for _, c := range intent.SuccessCriteria {
		fmt.Fprintf(&b, "CRITERION: %s\n", c)
	}
	b.WriteString("The current screen capture is attached.")

	req := schemas.GenerationRequest{
		SystemPrompt: evaluatorSystemPrompt,
		UserPrompt:   b.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	}
	if len(snap.PNG) > 0 {
		req.Images = []schemas.ImagePart{{MIMEType: "image/png", Data: snap.PNG}}
	}

	raw, err := e.llm.Generate(ctx, req)
	if err != nil {
		return false, "", fmt.Errorf("goal evaluation failed: %w", err)
	}

	verdict, perr := llmutil.ParseJSONResponse[goalVerdict](raw)
	if perr != nil {
		e.logger.Warn("Unparseable goal verdict, assuming goal not achieved", zap.Error(perr))
		return false, "oracle answer was unparseable", nil
	}
	return verdict.GoalAchieved, verdict.Reason, nil
}
