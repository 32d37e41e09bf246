package planner

import (
	"fmt"
	"strings"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/grammar"
)

const plannerSystemPrompt = `You are a patient computer coach. You break a user's goal into the
smallest possible sequence of atomic UI actions, one interaction each.

Rules:
- Use ONLY these skill types: click, double_click, right_click, drag,
  scroll_up, scroll_down, type, key_press, hotkey, wait, wait_element, done.
- One action per step. Never combine actions.
- If the goal is ALREADY satisfied on the current screen, answer with a
  single step of skill type "done".
- If there is NO feasible path from the current screen, answer with an
  empty steps array.
- Describe targets with plain on-screen language (e.g. "save button").
- Every step needs a short friendly_description a non-technical person can
  follow, and an expected_result describing what the screen will show.

Respond with JSON only, in this shape:
{"steps": [{"step_number": 1, "skill_type": "click", "target": "",
"drag_target": "", "text": "", "key": "", "hotkey": [], "wait_seconds": 0,
"visual_hint": "", "expected_result": "", "friendly_description": ""}]}`

// buildPlanPrompt renders the user prompt for initial plan creation.
func buildPlanPrompt(intent schemas.Intent, snap schemas.Snapshot, guides []schemas.Guide) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL: %s\n", intent.Goal)
	if intent.TargetApp != "" {
		fmt.Fprintf(&b, "TARGET APPLICATION: %s\n", intent.TargetApp)
	}
	if intent.TargetState != "" {
		fmt.Fprintf(&b, "DESIRED END STATE: %s\n", intent.TargetState)
	}
	if len(intent.SuccessCriteria) > 0 {
		fmt.Fprintf(&b, "SUCCESS CRITERIA:\n")
		for _, c := range intent.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	writeScreenContext(&b, snap)

	if len(guides) > 0 {
		b.WriteString("\nRELEVANT OPERATION GUIDES:\n")
		for _, g := range guides {
			fmt.Fprintf(&b, "Guide: %s", g.Title)
			if g.AppName != "" {
				fmt.Fprintf(&b, " (%s)", g.AppName)
			}
			b.WriteString("\n")
			for i, s := range g.Steps {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
			}
		}
	}

	fmt.Fprintf(&b, "\nWELL-KNOWN TARGET NAMES: %s\n", strings.Join(grammar.ElementCatalog, ", "))
	b.WriteString("\nA capture of the current screen is attached. Produce the plan now.")
	return b.String()
}

// buildReplanPrompt renders the user prompt for a mid-run replan. It carries
// what already succeeded and why the engine gave up on the previous plan, and
// instructs continuation from the current screen rather than from scratch.
func buildReplanPrompt(intent schemas.Intent, snap schemas.Snapshot, completed []schemas.Step, failureReason string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL: %s\n", intent.Goal)
	if intent.TargetApp != "" {
		fmt.Fprintf(&b, "TARGET APPLICATION: %s\n", intent.TargetApp)
	}

	b.WriteString("\nThe previous plan stalled and must be revised.\n")
	if len(completed) > 0 {
		b.WriteString("STEPS ALREADY COMPLETED SUCCESSFULLY (do not repeat them):\n")
		for _, s := range completed {
			fmt.Fprintf(&b, "%d. %s\n", s.Number, s.Instruction)
		}
	} else {
		b.WriteString("No steps have succeeded yet.\n")
	}
	fmt.Fprintf(&b, "WHAT WENT WRONG: %s\n", failureReason)

	writeScreenContext(&b, snap)

	b.WriteString("\nPlan the remaining actions from the CURRENT screen state, not from the beginning.")
	b.WriteString("\nIf the goal is already satisfied, answer with a single done step.")
	b.WriteString("\nIf no path remains, answer with an empty steps array.")
	return b.String()
}

func writeScreenContext(b *strings.Builder, snap schemas.Snapshot) {
	b.WriteString("\nCURRENT SCREEN:\n")
	if snap.AppName != "" {
		fmt.Fprintf(b, "Active application: %s\n", snap.AppName)
	}
	if snap.ScreenKind != "" {
		fmt.Fprintf(b, "Screen kind: %s\n", snap.ScreenKind)
	}
	if snap.Description != "" {
		fmt.Fprintf(b, "Description: %s\n", snap.Description)
	}
	if len(snap.Elements) > 0 {
		fmt.Fprintf(b, "Visible elements: %s\n", strings.Join(snap.Elements, ", "))
	}
}
