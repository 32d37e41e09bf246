// Package browser contains the autopilot actuator: a chromedp-driven
// performer that executes plan steps against a live Chromium page and emits a
// completion signal after each one. It doubles as the run's screen source,
// so perception and actuation observe the same tab.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/config"
	cminput "github.com/coachmark-ai/coachmark-cli/internal/input"
)

// ErrTargetNotFound is returned when a step names an on-screen target the
// page does not currently show.
var ErrTargetNotFound = errors.New("target element not found on page")

// Autopilot owns a Chromium instance and performs steps in it. Every
// successful Execute publishes one completion signal, which is what moves the
// engine from waiting to verifying.
type Autopilot struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	signals *cminput.ChannelSource

	browserCtx   context.Context
	cancelCtx    context.CancelFunc
	cancelAlloc  context.CancelFunc
}

// NewAutopilot creates an unstarted autopilot. Start launches the browser.
func NewAutopilot(cfg config.BrowserConfig, signals *cminput.ChannelSource, logger *zap.Logger) (*Autopilot, error) {
	if signals == nil {
		return nil, errors.New("signal source cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Autopilot{
		cfg:     cfg,
		logger:  logger.Named("autopilot"),
		signals: signals,
	}, nil
}

// Start launches Chromium and navigates to the configured start URL.
func (a *Autopilot) Start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	for _, arg := range a.cfg.Args {
		if name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "="); ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
		}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx)
	a.browserCtx = browserCtx
	a.cancelCtx = cancelCtx
	a.cancelAlloc = cancelAlloc

	if err := chromedp.Run(browserCtx); err != nil {
		a.Close()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	if a.cfg.StartURL != "" {
		if err := a.run(ctx, chromedp.Navigate(a.cfg.StartURL)); err != nil {
			a.Close()
			return fmt.Errorf("failed to navigate to start url: %w", err)
		}
	}
	a.logger.Info("Autopilot browser started", zap.Bool("headless", a.cfg.Headless), zap.String("start_url", a.cfg.StartURL))
	return nil
}

// Close tears down the browser process.
func (a *Autopilot) Close() {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}
	if a.cancelAlloc != nil {
		a.cancelAlloc()
	}
}

// Capture implements schemas.ScreenSource against the live tab. The element
// catalog is extracted alongside the screenshot so the planner sees the same
// page state the judges will.
func (a *Autopilot) Capture(ctx context.Context) (schemas.Snapshot, error) {
	var (
		png      []byte
		title    string
		location string
		elements []string
	)
	err := a.run(ctx,
		chromedp.Title(&title),
		chromedp.Location(&location),
		chromedp.Evaluate(jsCollectElements, &elements, evalOpts),
		chromedp.CaptureScreenshot(&png),
	)
	if err != nil {
		return schemas.Snapshot{}, fmt.Errorf("failed to capture page: %w", err)
	}
	return schemas.Snapshot{
		PNG:         png,
		AppName:     title,
		ScreenKind:  "browser",
		Description: location,
		Elements:    elements,
		CapturedAt:  time.Now(),
	}, nil
}

// Execute performs one step and publishes a completion signal on success.
// A done step is a no-op: the engine terminates on it before acting.
func (a *Autopilot) Execute(ctx context.Context, step schemas.Step) error {
	a.logger.Debug("Executing step",
		zap.Int("step", step.Number),
		zap.String("skill", string(step.Skill.Kind)),
		zap.String("target", step.Skill.Target))

	var err error
	switch step.Skill.Kind {
	case schemas.SkillClick:
		err = a.clickTarget(ctx, step.Skill.Target, 1, input.Left)
	case schemas.SkillDoubleClick:
		err = a.clickTarget(ctx, step.Skill.Target, 2, input.Left)
	case schemas.SkillRightClick:
		err = a.clickTarget(ctx, step.Skill.Target, 1, input.Right)
	case schemas.SkillDrag:
		err = a.drag(ctx, step.Skill.Target, step.Skill.DragTarget)
	case schemas.SkillScrollUp:
		err = a.run(ctx, chromedp.Evaluate(`window.scrollBy(0, -window.innerHeight * 0.8)`, nil))
	case schemas.SkillScrollDown:
		err = a.run(ctx, chromedp.Evaluate(`window.scrollBy(0, window.innerHeight * 0.8)`, nil))
	case schemas.SkillType:
		err = a.typeText(ctx, step.Skill.Target, step.Skill.Text)
	case schemas.SkillKeyPress:
		err = a.pressKey(ctx, step.Skill.Key)
	case schemas.SkillHotkey:
		err = a.hotkey(ctx, step.Skill.Hotkey)
	case schemas.SkillWait:
		err = a.sleep(ctx, time.Duration(step.Skill.WaitSeconds*float64(time.Second)))
	case schemas.SkillWaitElement:
		err = a.waitForTarget(ctx, step.Skill.Target)
	case schemas.SkillDone:
		return nil
	default:
		return fmt.Errorf("autopilot cannot perform skill %q", step.Skill.Kind)
	}

	if err != nil {
		return fmt.Errorf("step %d (%s) failed: %w", step.Number, step.Skill.Kind, err)
	}
	a.signals.Publish(schemas.CompletionSignal{Source: schemas.SignalActuator, At: time.Now()})
	return nil
}

// -- Skill implementations --

type targetPoint struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label"`
}

func (a *Autopilot) locate(ctx context.Context, target string) (targetPoint, error) {
	script := fmt.Sprintf(jsFindTarget, jsonEncode(target))
	var raw json.RawMessage
	if err := a.run(ctx, chromedp.Evaluate(script, &raw, evalOpts)); err != nil {
		return targetPoint{}, fmt.Errorf("target lookup failed: %w", err)
	}
	var pt targetPoint
	if err := json.Unmarshal(raw, &pt); err != nil {
		return targetPoint{}, fmt.Errorf("failed to decode target lookup result: %w", err)
	}
	if !pt.Found {
		return targetPoint{}, fmt.Errorf("%w: %q", ErrTargetNotFound, target)
	}
	return pt, nil
}

func (a *Autopilot) clickTarget(ctx context.Context, target string, clicks int64, button input.MouseButton) error {
	pt, err := a.locate(ctx, target)
	if err != nil {
		return err
	}
	a.logger.Debug("Clicking element", zap.String("label", pt.Label), zap.Float64("x", pt.X), zap.Float64("y", pt.Y))

	press := input.DispatchMouseEvent(input.MousePressed, pt.X, pt.Y).
		WithButton(button).
		WithClickCount(clicks)
	release := input.DispatchMouseEvent(input.MouseReleased, pt.X, pt.Y).
		WithButton(button).
		WithClickCount(clicks)
	return a.run(ctx, press, release)
}

func (a *Autopilot) drag(ctx context.Context, from, to string) error {
	src, err := a.locate(ctx, from)
	if err != nil {
		return err
	}
	dst, err := a.locate(ctx, to)
	if err != nil {
		return err
	}
	return a.run(ctx,
		input.DispatchMouseEvent(input.MousePressed, src.X, src.Y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseMoved, (src.X+dst.X)/2, (src.Y+dst.Y)/2).WithButton(input.Left),
		input.DispatchMouseEvent(input.MouseMoved, dst.X, dst.Y).WithButton(input.Left),
		input.DispatchMouseEvent(input.MouseReleased, dst.X, dst.Y).WithButton(input.Left).WithClickCount(1),
	)
}

func (a *Autopilot) typeText(ctx context.Context, target, text string) error {
	// Focus the field first when the step names one; otherwise type into
	// whatever currently holds focus.
	if target != "" {
		if err := a.clickTarget(ctx, target, 1, input.Left); err != nil {
			return err
		}
	}
	return a.run(ctx, chromedp.KeyEvent(text))
}

func (a *Autopilot) pressKey(ctx context.Context, name string) error {
	key, ok := namedKeys[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		if len([]rune(name)) == 1 {
			key = name
		} else {
			return fmt.Errorf("unknown key %q", name)
		}
	}
	return a.run(ctx, chromedp.KeyEvent(key))
}

func (a *Autopilot) hotkey(ctx context.Context, combo []string) error {
	if len(combo) < 2 {
		return fmt.Errorf("hotkey needs at least a modifier and a key, got %v", combo)
	}
	mods, key, err := parseHotkey(combo)
	if err != nil {
		return err
	}
	down := input.DispatchKeyEvent(input.KeyDown).WithModifiers(mods).WithKey(key)
	up := input.DispatchKeyEvent(input.KeyUp).WithModifiers(mods).WithKey(key)
	return a.run(ctx, down, up)
}

func (a *Autopilot) sleep(ctx context.Context, d time.Duration) error {
	return a.run(ctx, chromedp.Sleep(d))
}

// waitForTarget polls until the target appears or the step timeout expires.
func (a *Autopilot) waitForTarget(ctx context.Context, target string) error {
	deadline := time.Now().Add(a.stepTimeout())
	for {
		if _, err := a.locate(ctx, target); err == nil {
			return nil
		} else if !errors.Is(err, ErrTargetNotFound) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %q never appeared", ErrTargetNotFound, target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// -- Plumbing --

func (a *Autopilot) stepTimeout() time.Duration {
	if a.cfg.StepTimeout > 0 {
		return a.cfg.StepTimeout
	}
	return 15 * time.Second
}

// run executes actions on the browser context with a per-operation timeout,
// while honoring the caller's cancellation.
func (a *Autopilot) run(ctx context.Context, actions ...chromedp.Action) error {
	if a.browserCtx == nil {
		return errors.New("autopilot not started")
	}
	opCtx, cancel := context.WithTimeout(a.browserCtx, a.stepTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func evalOpts(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
}

// parseHotkey splits a combo like ["ctrl","shift","s"] into a CDP modifier
// bitmask plus the terminal key.
func parseHotkey(combo []string) (input.Modifier, string, error) {
	var mods input.Modifier
	for _, m := range combo[:len(combo)-1] {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "alt", "option":
			mods |= input.ModifierAlt
		case "ctrl", "control":
			mods |= input.ModifierCtrl
		case "meta", "cmd", "command", "win", "super":
			mods |= input.ModifierMeta
		case "shift":
			mods |= input.ModifierShift
		default:
			return 0, "", fmt.Errorf("unknown modifier %q", m)
		}
	}
	key := strings.TrimSpace(combo[len(combo)-1])
	if key == "" {
		return 0, "", errors.New("hotkey terminal key is empty")
	}
	if named, ok := namedKeys[strings.ToLower(key)]; ok {
		key = named
	}
	return mods, key, nil
}

// namedKeys maps the grammar's key names to CDP key strings.
var namedKeys = map[string]string{
	"enter":     kb.Enter,
	"return":    kb.Enter,
	"tab":       kb.Tab,
	"escape":    kb.Escape,
	"esc":       kb.Escape,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"space":     " ",
	"up":        kb.ArrowUp,
	"down":      kb.ArrowDown,
	"left":      kb.ArrowLeft,
	"right":     kb.ArrowRight,
	"home":      kb.Home,
	"end":       kb.End,
	"pageup":    kb.PageUp,
	"pagedown":  kb.PageDown,
	"f5":        kb.F5,
}

// jsonEncode safely embeds a Go string into generated JavaScript.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

// jsFindTarget locates the interactable element whose visible text or
// accessible name best matches the requested target, and returns its center
// in viewport coordinates.
const jsFindTarget = `
	(function(wanted) {
		const needle = wanted.toLowerCase().trim();
		const sel = 'a, button, input, select, textarea, summary, [role], [onclick], label';
		let best = null;
		let bestScore = 0;
		for (const node of document.querySelectorAll(sel)) {
			const rect = node.getBoundingClientRect();
			const style = window.getComputedStyle(node);
			if (rect.width <= 0 || rect.height <= 0 || style.display === 'none' ||
				style.visibility === 'hidden' || style.opacity === '0') {
				continue;
			}
			const label = (node.innerText || node.value || node.placeholder ||
				node.getAttribute('aria-label') || node.title || '').toLowerCase().trim();
			if (!label) continue;
			let score = 0;
			if (label === needle) score = 3;
			else if (label.includes(needle)) score = 2;
			else if (needle.includes(label)) score = 1;
			if (score > bestScore) {
				bestScore = score;
				best = { node, rect, label };
			}
		}
		if (!best) return { found: false };
		return {
			found: true,
			x: best.rect.left + best.rect.width / 2,
			y: best.rect.top + best.rect.height / 2,
			label: best.label
		};
	})(%s);
`

// jsCollectElements lists visible interactable element labels, feeding the
// planner's element catalog.
const jsCollectElements = `
	(function() {
		const sel = 'a, button, input, select, textarea, summary, [role="button"], [onclick]';
		const labels = [];
		const seen = new Set();
		for (const node of document.querySelectorAll(sel)) {
			const rect = node.getBoundingClientRect();
			if (rect.width <= 0 || rect.height <= 0) continue;
			const label = (node.innerText || node.value || node.placeholder ||
				node.getAttribute('aria-label') || node.title || '').trim();
			if (!label || seen.has(label) || label.length > 80) continue;
			seen.add(label);
			labels.push(label);
			if (labels.length >= 60) break;
		}
		return labels;
	})();
`
