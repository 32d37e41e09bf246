// Package planner turns an intent plus the current screen into a bounded
// plan of atomic steps, and revises that plan mid-run when the engine asks.
// The planner is stateless across calls: retry and replan budgets live in
// the execution engine.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/grammar"
	"github.com/coachmark-ai/coachmark-cli/internal/llmutil"
)

// rawStep mirrors the JSON step shape the oracle is asked to produce.
type rawStep struct {
	StepNumber     int      `json:"step_number"`
	SkillType      string   `json:"skill_type"`
	Target         string   `json:"target"`
	DragTarget     string   `json:"drag_target"`
	Text           string   `json:"text"`
	Key            string   `json:"key"`
	Hotkey         []string `json:"hotkey"`
	WaitSeconds    float64  `json:"wait_seconds"`
	VisualHint     string   `json:"visual_hint"`
	ExpectedResult string   `json:"expected_result"`
	Friendly       string   `json:"friendly_description"`
}

type rawPlan struct {
	Steps []rawStep `json:"steps"`
}

// Planner generates and revises plans through the oracle.
type Planner struct {
	llm     schemas.LLMClient
	grammar *grammar.Grammar
	guides  schemas.GuideStore // optional; nil disables guide context
	topK    int
	logger  *zap.Logger
}

// New creates a Planner. The guide store may be nil.
func New(llm schemas.LLMClient, g *grammar.Grammar, guides schemas.GuideStore, topK int, logger *zap.Logger) (*Planner, error) {
	if llm == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if g == nil {
		return nil, errors.New("grammar cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if topK <= 0 {
		topK = 3
	}
	return &Planner{
		llm:     llm,
		grammar: g,
		guides:  guides,
		topK:    topK,
		logger:  logger.Named("planner"),
	}, nil
}

// CreatePlan produces the initial plan for an intent from the current screen.
// Exactly one oracle call is made. An empty plan is a valid answer meaning no
// feasible path exists; the caller decides what that implies.
func (p *Planner) CreatePlan(ctx context.Context, intent schemas.Intent, snap schemas.Snapshot) (*schemas.Plan, error) {
	guides := p.lookupGuides(ctx, intent)
	prompt := buildPlanPrompt(intent, snap, guides)
	return p.generate(ctx, intent, snap, prompt, guideIDs(guides))
}

// Replan produces a fresh plan mid-run. It carries the ordered steps that
// already succeeded and the reason the previous plan stalled, and instructs
// the oracle to continue from the current screen.
func (p *Planner) Replan(ctx context.Context, intent schemas.Intent, snap schemas.Snapshot, completed []schemas.Step, failureReason string) (*schemas.Plan, error) {
	prompt := buildReplanPrompt(intent, snap, completed, failureReason)
	return p.generate(ctx, intent, snap, prompt, nil)
}

func (p *Planner) generate(ctx context.Context, intent schemas.Intent, snap schemas.Snapshot, prompt string, guideRefs []string) (*schemas.Plan, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: plannerSystemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     0.2,
			ForceJSONFormat: true,
		},
	}
	if len(snap.PNG) > 0 {
		req.Images = []schemas.ImagePart{{MIMEType: "image/png", Data: snap.PNG}}
	}

	raw, err := p.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	steps := p.parseSteps(raw)

	plan := &schemas.Plan{
		ID:        uuid.NewString(),
		Intent:    intent,
		Steps:     steps,
		GuideRefs: guideRefs,
		CreatedAt: time.Now().UTC(),
	}
	if err := plan.Validate(); err != nil {
		// Renumbering makes this unreachable; check anyway so a broken
		// plan can never be issued.
		return nil, fmt.Errorf("assembled plan failed validation: %w", err)
	}

	p.logger.Info("Plan assembled",
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(plan.Steps)),
		zap.Bool("empty", plan.IsEmpty()),
		zap.Bool("already_done", plan.LeadsWithDone()),
	)
	return plan, nil
}

// parseSteps turns oracle output into validated steps. Structured parsing is
// attempted first; if it fails outright, the degraded line-oriented reading
// turns each non-empty line into a click step so the run can still proceed.
func (p *Planner) parseSteps(raw string) []schemas.Step {
	parsed, err := llmutil.ParseJSONResponse[rawPlan](raw)
	if err != nil {
		p.logger.Warn("Structured plan parse failed, falling back to line-oriented steps", zap.Error(err))
		return p.fallbackSteps(raw)
	}

	steps := make([]schemas.Step, 0, len(parsed.Steps))
	for _, rs := range parsed.Steps {
		kind, outcome := p.grammar.Normalize(rs.SkillType)
		if outcome == grammar.Rejected {
			p.logger.Warn("Dropping step with unknown skill type",
				zap.Int("step_number", rs.StepNumber), zap.String("skill_type", rs.SkillType))
			continue
		}

		step := schemas.Step{
			Number: len(steps) + 1, // Renumber densely; drops must not leave gaps.
			Skill: schemas.Skill{
				Kind:        kind,
				Target:      rs.Target,
				DragTarget:  rs.DragTarget,
				Text:        rs.Text,
				Key:         rs.Key,
				Hotkey:      rs.Hotkey,
				WaitSeconds: rs.WaitSeconds,
			},
			Instruction:    rs.Friendly,
			ExpectedResult: rs.ExpectedResult,
			VisualHint:     rs.VisualHint,
		}
		if step.Instruction == "" {
			step.Instruction = defaultInstruction(step.Skill)
		}

		if err := p.grammar.ValidateStep(step); err != nil {
			p.logger.Warn("Dropping step that failed parameter validation", zap.Error(err))
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

// fallbackSteps is the degraded parser: each non-empty line becomes a click
// step whose instruction is the line itself.
func (p *Planner) fallbackSteps(raw string) []schemas.Step {
	lines := llmutil.NonEmptyLines(raw)
	steps := make([]schemas.Step, 0, len(lines))
	for _, line := range lines {
		steps = append(steps, schemas.Step{
			Number: len(steps) + 1,
			Skill: schemas.Skill{
				Kind:   schemas.SkillClick,
				Target: line,
			},
			Instruction: line,
		})
	}
	return steps
}

// lookupGuides fetches planner context from the guide store. Retrieval
// failures degrade to no guides; they never block planning.
func (p *Planner) lookupGuides(ctx context.Context, intent schemas.Intent) []schemas.Guide {
	if p.guides == nil {
		return nil
	}
	query := intent.Goal
	if intent.TargetApp != "" {
		query += " " + intent.TargetApp
	}
	guides, err := p.guides.Search(ctx, query, p.topK)
	if err != nil {
		p.logger.Warn("Guide lookup failed, planning without guides", zap.Error(err))
		return nil
	}
	return guides
}

func guideIDs(guides []schemas.Guide) []string {
	if len(guides) == 0 {
		return nil
	}
	ids := make([]string, 0, len(guides))
	for _, g := range guides {
		ids = append(ids, g.ID)
	}
	return ids
}

// defaultInstruction renders a plain instruction when the oracle omitted one.
func defaultInstruction(s schemas.Skill) string {
	switch s.Kind {
	case schemas.SkillClick:
		return fmt.Sprintf("Click on %s", s.Target)
	case schemas.SkillDoubleClick:
		return fmt.Sprintf("Double-click on %s", s.Target)
	case schemas.SkillRightClick:
		return fmt.Sprintf("Right-click on %s", s.Target)
	case schemas.SkillDrag:
		return fmt.Sprintf("Drag %s to %s", s.Target, s.DragTarget)
	case schemas.SkillScrollUp:
		return "Scroll up"
	case schemas.SkillScrollDown:
		return "Scroll down"
	case schemas.SkillType:
		return fmt.Sprintf("Type %q", s.Text)
	case schemas.SkillKeyPress:
		return fmt.Sprintf("Press the %s key", s.Key)
	case schemas.SkillHotkey:
		return fmt.Sprintf("Press %s together", strings.Join(s.Hotkey, "+"))
	case schemas.SkillWait:
		return fmt.Sprintf("Wait %.0f seconds", s.WaitSeconds)
	case schemas.SkillWaitElement:
		return fmt.Sprintf("Wait until %s appears", s.Target)
	case schemas.SkillDone:
		return "All done"
	default:
		return string(s.Kind)
	}
}
