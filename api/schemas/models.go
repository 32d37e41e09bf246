package schemas

import (
	"fmt"
	"time"
)

// -- Skill Grammar --

// SkillKind identifies one atomic UI operation. The set is closed: the
// planner may only emit these twelve kinds, and the validator repairs or
// drops anything else before it reaches the execution engine.
type SkillKind string

const (
	SkillClick       SkillKind = "click"        // Single left click on a target element.
	SkillDoubleClick SkillKind = "double_click" // Double left click.
	SkillRightClick  SkillKind = "right_click"  // Right click (context menu).
	SkillDrag        SkillKind = "drag"         // Drag from Target to DragTarget.
	SkillScrollUp    SkillKind = "scroll_up"    // Scroll the view upward.
	SkillScrollDown  SkillKind = "scroll_down"  // Scroll the view downward.
	SkillType        SkillKind = "type"         // Type free text into the focused element.
	SkillKeyPress    SkillKind = "key_press"    // Press a single named key (e.g. "enter").
	SkillHotkey      SkillKind = "hotkey"       // Press a key combination (e.g. ctrl+s).
	SkillWait        SkillKind = "wait"         // Wait a fixed number of seconds.
	SkillWaitElement SkillKind = "wait_element" // Wait until a target element appears.
	SkillDone        SkillKind = "done"         // Sentinel: the goal is already satisfied.
)

// AllSkillKinds returns the closed grammar in declaration order.
func AllSkillKinds() []SkillKind {
	return []SkillKind{
		SkillClick, SkillDoubleClick, SkillRightClick, SkillDrag,
		SkillScrollUp, SkillScrollDown, SkillType, SkillKeyPress,
		SkillHotkey, SkillWait, SkillWaitElement, SkillDone,
	}
}

// Skill is one atomic action. Only the parameters relevant to its Kind are
// populated; the rest stay zero.
type Skill struct {
	Kind        SkillKind `json:"kind"`
	Target      string    `json:"target,omitempty"`       // Element descriptor for click/drag/wait_element.
	DragTarget  string    `json:"drag_target,omitempty"`  // Destination element for drag.
	Text        string    `json:"text,omitempty"`         // Payload for type.
	Key         string    `json:"key,omitempty"`          // Key name for key_press.
	Hotkey      []string  `json:"hotkey,omitempty"`       // Ordered combination for hotkey.
	WaitSeconds float64   `json:"wait_seconds,omitempty"` // Duration for wait.
}

// Step is one planned action plus the guidance shown to the user while it is
// being carried out. Steps are immutable once a plan is issued.
type Step struct {
	Number         int    `json:"number"` // 1-based, contiguous within a plan.
	Skill          Skill  `json:"skill"`
	Instruction    string `json:"instruction"`               // Friendly, spoken-style directive.
	ExpectedResult string `json:"expected_result,omitempty"` // What the screen should show afterwards.
	RecoveryHint   string `json:"recovery_hint,omitempty"`   // Guidance if the step fails.
	VisualHint     string `json:"visual_hint,omitempty"`     // Where to look on screen.
}

// Intent is the caller-provided description of what the user wants done. The
// engine never mutates it.
type Intent struct {
	Goal            string   `json:"goal"`
	TargetApp       string   `json:"target_app,omitempty"`
	TargetState     string   `json:"target_state,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// Plan is an ordered sequence of steps toward an intent. An empty plan is a
// valid planner answer meaning "no feasible path from the current screen".
type Plan struct {
	ID        string    `json:"id"`
	Intent    Intent    `json:"intent"`
	Steps     []Step    `json:"steps"`
	GuideRefs []string  `json:"guide_refs,omitempty"` // IDs of operation guides consulted.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural invariants every issued plan must hold:
// step numbers are contiguous starting at 1.
func (p *Plan) Validate() error {
	for i, s := range p.Steps {
		if s.Number != i+1 {
			return fmt.Errorf("plan %s: step at index %d has number %d, want %d", p.ID, i, s.Number, i+1)
		}
	}
	return nil
}

// IsEmpty reports whether the planner found no feasible path.
func (p *Plan) IsEmpty() bool { return len(p.Steps) == 0 }

// LeadsWithDone reports whether the planner judged the goal already
// satisfied before any action.
func (p *Plan) LeadsWithDone() bool {
	return len(p.Steps) > 0 && p.Steps[0].Skill.Kind == SkillDone
}

// -- Perception --

// Snapshot is one observation of the screen. PNG is the raw capture; the
// descriptive fields are optional annotations from whatever produced it.
type Snapshot struct {
	PNG         []byte    `json:"-"`
	AppName     string    `json:"app_name,omitempty"`
	ScreenKind  string    `json:"screen_kind,omitempty"` // e.g. "desktop", "dialog", "browser".
	Description string    `json:"description,omitempty"`
	Elements    []string  `json:"elements,omitempty"` // Visible interactive elements, if known.
	CapturedAt  time.Time `json:"captured_at"`
}

// ChangeClassification is the judged relationship between two snapshots.
type ChangeClassification string

const (
	ChangeLoading   ChangeClassification = "loading"   // A transition is still in progress.
	ChangeError     ChangeClassification = "error"     // An error surface appeared.
	ChangeUnchanged ChangeClassification = "unchanged" // Nothing meaningful changed.
	ChangeChanged   ChangeClassification = "changed"   // A meaningful change happened.
)

// UnchangedCause explains an unchanged classification.
type UnchangedCause string

const (
	CauseUserAction    UnchangedCause = "user_action"    // The user acted but the UI absorbed it silently.
	CauseDynamicEffect UnchangedCause = "dynamic_effect" // Ambient animation or ticker masked the comparison.
	CauseNone          UnchangedCause = "none"           // The action genuinely had no effect.
)

// -- Completion Signals --

// SignalSource identifies who reported that the current step was performed.
type SignalSource string

const (
	SignalInput    SignalSource = "input"    // Human input listener.
	SignalActuator SignalSource = "actuator" // Automated actuator.
)

// CompletionSignal is an opaque notification that the current step's action
// was (apparently) carried out. Signals carry no claim of success; the
// verification cycle decides that.
type CompletionSignal struct {
	Source SignalSource `json:"source"`
	At     time.Time    `json:"at"`
}

// -- Run Outcomes --

// RunState is the terminal state of one coaching run.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// FailureReason classifies why a run failed. FailureNone accompanies
// completed runs.
type FailureReason string

const (
	FailureNone            FailureReason = ""
	FailurePlanEmpty       FailureReason = "plan_empty"       // Planner found no feasible path.
	FailureGoalUnreachable FailureReason = "goal_unreachable" // Budgets exhausted without reaching the goal.
	FailureCancelled       FailureReason = "cancelled"        // External cancellation.
)

// RunOutcome summarises a finished run for the caller.
type RunOutcome struct {
	RunID          string        `json:"run_id"`
	State          RunState      `json:"state"`
	Reason         FailureReason `json:"reason,omitempty"`
	Message        string        `json:"message"` // Human-readable closing line.
	CompletedSteps int           `json:"completed_steps"`
	Replans        int           `json:"replans"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// Succeeded reports whether the run reached its goal.
func (o RunOutcome) Succeeded() bool { return o.State == RunCompleted }

// -- Knowledge --

// Guide is a retrieved operation guide used as planner context. Guides are
// advisory; their absence is never an error.
type Guide struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AppName   string    `json:"app_name,omitempty"`
	Keywords  []string  `json:"keywords,omitempty"`
	Steps     []string  `json:"steps"`
	UpdatedAt time.Time `json:"updated_at"`
}
