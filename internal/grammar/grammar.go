// Package grammar defines the closed action grammar and the validator that
// repairs or rejects planner output before it can reach the execution engine.
package grammar

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

// Outcome classifies how a raw skill name fared against the grammar.
type Outcome int

const (
	// Canonical means the name was already a grammar member.
	Canonical Outcome = iota
	// Repaired means the name was mapped onto a grammar member by the
	// deterministic repair table.
	Repaired
	// Rejected means the name could not be mapped; the step must be dropped.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Canonical:
		return "canonical"
	case Repaired:
		return "repaired"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// synonyms is the exact-match repair table. Keys are normalized (lowercase,
// underscores). The table is deterministic: the same input always repairs to
// the same kind.
var synonyms = map[string]schemas.SkillKind{
	"left_click":     schemas.SkillClick,
	"single_click":   schemas.SkillClick,
	"tap":            schemas.SkillClick,
	"press_button":   schemas.SkillClick,
	"select":         schemas.SkillClick,
	"choose":         schemas.SkillClick,
	"open":           schemas.SkillDoubleClick,
	"context_click":  schemas.SkillRightClick,
	"context_menu":   schemas.SkillRightClick,
	"drag_to":        schemas.SkillDrag,
	"drag_and_drop":  schemas.SkillDrag,
	"move":           schemas.SkillDrag,
	"scroll":         schemas.SkillScrollDown,
	"swipe_up":       schemas.SkillScrollUp,
	"swipe_down":     schemas.SkillScrollDown,
	"input":          schemas.SkillType,
	"input_text":     schemas.SkillType,
	"enter_text":     schemas.SkillType,
	"write":          schemas.SkillType,
	"type_text":      schemas.SkillType,
	"press":          schemas.SkillKeyPress,
	"press_key":      schemas.SkillKeyPress,
	"keypress":       schemas.SkillKeyPress,
	"shortcut":       schemas.SkillHotkey,
	"key_combo":      schemas.SkillHotkey,
	"combination":    schemas.SkillHotkey,
	"key_combination": schemas.SkillHotkey,
	"pause":          schemas.SkillWait,
	"sleep":          schemas.SkillWait,
	"wait_seconds":   schemas.SkillWait,
	"wait_for_element": schemas.SkillWaitElement,
	"wait_until":     schemas.SkillWaitElement,
	"wait_for":       schemas.SkillWaitElement,
	"finish":         schemas.SkillDone,
	"finished":       schemas.SkillDone,
	"complete":       schemas.SkillDone,
	"completed":      schemas.SkillDone,
	"task_complete":  schemas.SkillDone,
	"goal_achieved":  schemas.SkillDone,
	"no_action":      schemas.SkillDone,
}

// ElementCatalog lists the well-known target descriptors the planner is
// encouraged to use. Free-text targets remain allowed; the catalog just
// anchors the prompt vocabulary.
var ElementCatalog = []string{
	"close button", "minimize button", "maximize button",
	"ok button", "cancel button", "yes button", "no button", "save button",
	"start menu", "taskbar", "desktop", "system tray",
	"address bar", "search box", "text field", "password field",
	"menu bar", "file menu", "edit menu", "context menu",
	"scrollbar", "back button", "forward button", "refresh button",
	"checkbox", "radio button", "dropdown list", "link",
}

// Grammar validates and repairs planner output against the closed skill set.
type Grammar struct {
	logger    *zap.Logger
	canonical map[schemas.SkillKind]struct{}
}

// New builds a Grammar. The canonical set is derived from the schema so the
// two can never drift apart.
func New(logger *zap.Logger) *Grammar {
	canonical := make(map[schemas.SkillKind]struct{})
	for _, k := range schemas.AllSkillKinds() {
		canonical[k] = struct{}{}
	}
	return &Grammar{
		logger:    logger.Named("grammar"),
		canonical: canonical,
	}
}

// Normalize maps a raw skill name onto the closed grammar. Resolution order
// is fixed: canonical match, exact synonym, then substring containment in
// declaration order. Anything else is Rejected.
func (g *Grammar) Normalize(raw string) (schemas.SkillKind, Outcome) {
	name := normalizeName(raw)
	if name == "" {
		return "", Rejected
	}

	if _, ok := g.canonical[schemas.SkillKind(name)]; ok {
		return schemas.SkillKind(name), Canonical
	}

	if kind, ok := synonyms[name]; ok {
		g.logger.Debug("Repaired skill name via synonym table",
			zap.String("raw", raw), zap.String("kind", string(kind)))
		return kind, Repaired
	}

	// Substring fallback, deterministic because it walks the canonical set
	// in declaration order.
	for _, kind := range schemas.AllSkillKinds() {
		k := string(kind)
		if strings.Contains(name, k) || strings.Contains(k, name) {
			g.logger.Debug("Repaired skill name via substring match",
				zap.String("raw", raw), zap.String("kind", k))
			return kind, Repaired
		}
	}

	g.logger.Warn("Rejected unknown skill name", zap.String("raw", raw))
	return "", Rejected
}

// ValidateStep checks that a step's skill carries the parameters its kind
// requires. Steps failing validation are dropped by the planner, never
// executed.
func (g *Grammar) ValidateStep(step schemas.Step) error {
	s := step.Skill
	switch s.Kind {
	case schemas.SkillClick, schemas.SkillDoubleClick, schemas.SkillRightClick, schemas.SkillWaitElement:
		if strings.TrimSpace(s.Target) == "" {
			return fmt.Errorf("step %d: %s requires a target", step.Number, s.Kind)
		}
	case schemas.SkillDrag:
		if strings.TrimSpace(s.Target) == "" || strings.TrimSpace(s.DragTarget) == "" {
			return fmt.Errorf("step %d: drag requires both a source and a destination", step.Number)
		}
	case schemas.SkillType:
		if s.Text == "" {
			return fmt.Errorf("step %d: type requires text", step.Number)
		}
	case schemas.SkillKeyPress:
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("step %d: key_press requires a key", step.Number)
		}
	case schemas.SkillHotkey:
		if len(s.Hotkey) < 2 {
			return fmt.Errorf("step %d: hotkey requires at least two keys", step.Number)
		}
	case schemas.SkillWait:
		if s.WaitSeconds <= 0 {
			return fmt.Errorf("step %d: wait requires a positive duration", step.Number)
		}
	case schemas.SkillScrollUp, schemas.SkillScrollDown, schemas.SkillDone:
		// No required parameters.
	default:
		return fmt.Errorf("step %d: unknown skill kind %q", step.Number, s.Kind)
	}
	return nil
}

// normalizeName lowercases and squeezes separators into underscores so the
// repair table matches on a stable form.
func normalizeName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}
