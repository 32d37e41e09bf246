// Package judge holds the oracle-backed judges of the verification cycle:
// the ChangeObserver classifies what happened between two snapshots, and the
// GoalEvaluator decides whether the overall goal is satisfied. Judges degrade
// gracefully: a nonsense oracle answer becomes a conservative default with a
// warning, never an engine-visible failure. Transport errors do propagate;
// the engine absorbs them through its retry budget.
package judge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/llmutil"
)

const observerSystemPrompt = `You compare two screen captures taken before and after a user action and
report what happened. Respond with JSON only:
{"has_change": true, "change_type": "loading|error|unchanged|changed", "reason": ""}
- "loading": a transition is visibly in progress (spinner, progress bar, blank page).
- "error": an error message, crash dialog, or warning appeared.
- "unchanged": the screens are meaningfully identical.
- "changed": a meaningful change happened.
Ignore the clock, ads, and other ambient animations.`

const unchangedCauseSystemPrompt = `Two screen captures around a user action look unchanged. Decide why.
Respond with JSON only: {"cause": "user_action|dynamic_effect|none", "reason": ""}
- "user_action": the user acted, but the UI absorbed it without visible effect.
- "dynamic_effect": ambient animation or a ticking region masked the comparison.
- "none": the action genuinely had no effect.`

const stepCheckSystemPrompt = `You verify whether a single UI step achieved its expected result, given
captures from before and after. Respond with JSON only:
{"achieved": true, "reason": ""}`

type changeVerdict struct {
	HasChange  bool   `json:"has_change"`
	ChangeType string `json:"change_type"`
	Reason     string `json:"reason"`
}

type causeVerdict struct {
	Cause  string `json:"cause"`
	Reason string `json:"reason"`
}

type stepVerdict struct {
	Achieved bool   `json:"achieved"`
	Reason   string `json:"reason"`
}

// ChangeObserver judges the relationship between before/after snapshots.
type ChangeObserver struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewChangeObserver creates the observer.
func NewChangeObserver(llm schemas.LLMClient, logger *zap.Logger) (*ChangeObserver, error) {
	if llm == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &ChangeObserver{llm: llm, logger: logger.Named("judge.observer")}, nil
}

// Classify reports how the screen moved between the two captures. A garbled
// oracle answer degrades to ChangeChanged so the run keeps moving; only
// transport failures surface as errors.
func (o *ChangeObserver) Classify(ctx context.Context, before, after schemas.Snapshot, step schemas.Step) (schemas.ChangeClassification, string, error) {
	prompt := fmt.Sprintf("The user was asked to: %s\nExpected result: %s\nFirst image is BEFORE, second is AFTER.",
		step.Instruction, step.ExpectedResult)

	raw, err := o.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: observerSystemPrompt,
		UserPrompt:   prompt,
		Images:       snapshotPair(before, after),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	})
	if err != nil {
		return "", "", fmt.Errorf("change classification failed: %w", err)
	}

	verdict, perr := llmutil.ParseJSONResponse[changeVerdict](raw)
	if perr != nil {
		o.logger.Warn("Unparseable change verdict, assuming the screen changed", zap.Error(perr))
		return schemas.ChangeChanged, "oracle answer was unparseable", nil
	}

	switch schemas.ChangeClassification(verdict.ChangeType) {
	case schemas.ChangeLoading:
		return schemas.ChangeLoading, verdict.Reason, nil
	case schemas.ChangeError:
		return schemas.ChangeError, verdict.Reason, nil
	case schemas.ChangeUnchanged:
		return schemas.ChangeUnchanged, verdict.Reason, nil
	case schemas.ChangeChanged:
		return schemas.ChangeChanged, verdict.Reason, nil
	default:
		// Fall back on the boolean when the label is off-vocabulary.
		if verdict.HasChange {
			return schemas.ChangeChanged, verdict.Reason, nil
		}
		return schemas.ChangeUnchanged, verdict.Reason, nil
	}
}

// ClassifyUnchanged explains an unchanged screen. Degrades to CauseNone,
// which the engine treats as a failed attempt.
func (o *ChangeObserver) ClassifyUnchanged(ctx context.Context, before, after schemas.Snapshot, step schemas.Step) (schemas.UnchangedCause, error) {
	prompt := fmt.Sprintf("The user was asked to: %s\nFirst image is BEFORE, second is AFTER.", step.Instruction)

	raw, err := o.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: unchangedCauseSystemPrompt,
		UserPrompt:   prompt,
		Images:       snapshotPair(before, after),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	})
	if err != nil {
		return "", fmt.Errorf("unchanged-cause classification failed: %w", err)
	}

	verdict, perr := llmutil.ParseJSONResponse[causeVerdict](raw)
	if perr != nil {
		o.logger.Warn("Unparseable unchanged-cause verdict, assuming no effect", zap.Error(perr))
		return schemas.CauseNone, nil
	}

	switch schemas.UnchangedCause(verdict.Cause) {
	case schemas.CauseUserAction, schemas.CauseDynamicEffect, schemas.CauseNone:
		return schemas.UnchangedCause(verdict.Cause), nil
	default:
		return schemas.CauseNone, nil
	}
}

// StepAchieved verifies a changed screen against the step's expected result.
// Degrades to true: a meaningful change with an unreadable verdict should not
// strand the user on a step that likely worked.
func (o *ChangeObserver) StepAchieved(ctx context.Context, before, after schemas.Snapshot, step schemas.Step) (bool, string, error) {
	prompt := fmt.Sprintf("Step: %s\nExpected result: %s\nFirst image is BEFORE, second is AFTER.",
		step.Instruction, step.ExpectedResult)

	raw, err := o.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: stepCheckSystemPrompt,
		UserPrompt:   prompt,
		Images:       snapshotPair(before, after),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	})
	if err != nil {
		return false, "", fmt.Errorf("step verification failed: %w", err)
	}

	verdict, perr := llmutil.ParseJSONResponse[stepVerdict](raw)
	if perr != nil {
		o.logger.Warn("Unparseable step verdict, assuming the step succeeded", zap.Error(perr))
		return true, "oracle answer was unparseable", nil
	}
	return verdict.Achieved, verdict.Reason, nil
}

func snapshotPair(before, after schemas.Snapshot) []schemas.ImagePart {
	var parts []schemas.ImagePart
	if len(before.PNG) > 0 {
		parts = append(parts, schemas.ImagePart{MIMEType: "image/png", Data: before.PNG})
	}
	if len(after.PNG) > 0 {
		parts = append(parts, schemas.ImagePart{MIMEType: "image/png", Data: after.PNG})
	}
	return parts
}
