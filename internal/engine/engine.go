// Package engine drives one coaching run: it announces steps, waits for
// completion signals, verifies every step against before/after snapshots,
// and escalates through bounded retries and replans until the goal is
// reached or declared unreachable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/config"
)

// -- Interfaces for Dependency Inversion --

// Planner revises a stalled plan mid-run. Initial plan creation happens
// before the engine starts; the engine only ever asks for replans.
type Planner interface {
	Replan(ctx context.Context, intent schemas.Intent, snap schemas.Snapshot, completed []schemas.Step, failureReason string) (*schemas.Plan, error)
}

// ChangeObserver judges what happened between two snapshots.
type ChangeObserver interface {
	Classify(ctx context.Context, before, after schemas.Snapshot, step schemas.Step) (schemas.ChangeClassification, string, error)
	ClassifyUnchanged(ctx context.Context, before, after schemas.Snapshot, step schemas.Step) (schemas.UnchangedCause, error)
	StepAchieved(ctx context.Context, before, after schemas.Snapshot, step schemas.Step) (bool, string, error)
}

// GoalEvaluator decides whether the run's goal is already satisfied.
type GoalEvaluator interface {
	Evaluate(ctx context.Context, intent schemas.Intent, snap schemas.Snapshot) (bool, string, error)
}

// stepResult is the outcome of one verification cycle.
type stepResult int

const (
	stepSuccess stepResult = iota
	stepNeedsRetry
	stepNeedsReplan
	stepTaskComplete
	stepContinueWaiting
)

// runContext is the mutable state of a single run. One per run, discarded
// when the run terminates.
type runContext struct {
	plan        *schemas.Plan
	cursor      int
	stepRetries int
	replans     int
	completed   []schemas.Step
	before      schemas.Snapshot
}

func (rc *runContext) current() schemas.Step { return rc.plan.Steps[rc.cursor] }

// Engine executes plans step by step with closed-loop verification.
type Engine struct {
	cfg       config.EngineConfig
	logger    *zap.Logger
	planner   Planner
	observer  ChangeObserver
	evaluator GoalEvaluator
	screen    schemas.ScreenSource
	signals   schemas.InputEventSource
	callbacks schemas.RunCallbacks
	clock     Clock
}

// New creates an Engine. A nil clock selects the wall clock.
func New(
	cfg config.EngineConfig,
	logger *zap.Logger,
	planner Planner,
	observer ChangeObserver,
	evaluator GoalEvaluator,
	screen schemas.ScreenSource,
	signals schemas.InputEventSource,
	callbacks schemas.RunCallbacks,
	clock Clock,
) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if planner == nil {
		return nil, errors.New("planner cannot be nil")
	}
	if observer == nil {
		return nil, errors.New("change observer cannot be nil")
	}
	if evaluator == nil {
		return nil, errors.New("goal evaluator cannot be nil")
	}
	if screen == nil {
		return nil, errors.New("screen source cannot be nil")
	}
	if signals == nil {
		return nil, errors.New("input event source cannot be nil")
	}
	if clock == nil {
		clock = NewRealClock()
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "engine")),
		planner:   planner,
		observer:  observer,
		evaluator: evaluator,
		screen:    screen,
		signals:   signals,
		callbacks: callbacks,
		clock:     clock,
	}, nil
}

// Run executes the plan to a terminal outcome. It blocks until the run
// completes, fails, or the context is cancelled. The engine never panics on
// oracle nonsense; every anomaly is folded into retry and replan budgets.
func (e *Engine) Run(ctx context.Context, intent schemas.Intent, plan *schemas.Plan) schemas.RunOutcome {
	runID := uuid.NewString()
	started := e.clock.Now()
	logger := e.logger.With(zap.String("run_id", runID))

	rc := &runContext{plan: plan}

	finish := func(state schemas.RunState, reason schemas.FailureReason, message string) schemas.RunOutcome {
		outcome := schemas.RunOutcome{
			RunID:          runID,
			State:          state,
			Reason:         reason,
			Message:        message,
			CompletedSteps: len(rc.completed),
			Replans:        rc.replans,
			StartedAt:      started,
			FinishedAt:     e.clock.Now(),
		}
		logger.Info("Run finished",
			zap.String("state", string(state)),
			zap.String("reason", string(reason)),
			zap.Int("completed_steps", outcome.CompletedSteps),
			zap.Int("replans", outcome.Replans),
		)
		e.callbacks.EmitRunComplete(outcome)
		return outcome
	}

	if plan == nil || plan.IsEmpty() {
		return finish(schemas.RunFailed, schemas.FailurePlanEmpty,
			"I couldn't find a way to do that from here. Could you ask someone nearby for help?")
	}
	if err := plan.Validate(); err != nil {
		logger.Error("Refusing to run a structurally invalid plan", zap.Error(err))
		return finish(schemas.RunFailed, schemas.FailurePlanEmpty, "Something went wrong preparing the steps.")
	}
	if plan.LeadsWithDone() {
		return finish(schemas.RunCompleted, schemas.FailureNone, "Good news, that's already done!")
	}

run:
	for rc.cursor < len(rc.plan.Steps) {
		step := rc.current()

		if step.Skill.Kind == schemas.SkillDone {
			return finish(schemas.RunCompleted, schemas.FailureNone, "That's everything, the task is complete!")
		}

		announce := true
	attempt:
		for {
			if ctx.Err() != nil {
				return finish(schemas.RunFailed, schemas.FailureCancelled, "Okay, stopping here.")
			}

			if announce {
				// Stale signals from earlier attempts must not satisfy this
				// one. A dynamic-effect re-wait is not a transition, so a
				// signal that arrived during deliberation stays queued.
				e.drainSignals()
				e.callbacks.EmitStepStart(step)
				announce = false
			}

			before, err := e.capture(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return finish(schemas.RunFailed, schemas.FailureCancelled, "Okay, stopping here.")
				}
				logger.Warn("Screen capture failed before step", zap.Error(err))
				// Verify blind rather than stall the run.
			}
			rc.before = before

			if err := e.waitForSignal(ctx, step); err != nil {
				return finish(schemas.RunFailed, schemas.FailureCancelled, "Okay, stopping here.")
			}

			if err := e.pause(ctx, e.cfg.VerifySettleDelay); err != nil {
				return finish(schemas.RunFailed, schemas.FailureCancelled, "Okay, stopping here.")
			}

			result, detail := e.verify(ctx, intent, rc, step, logger)
			switch result {
			case stepContinueWaiting:
				// Ambient motion masked the comparison; wait again with no
				// budget penalty.
				logger.Debug("Dynamic effect detected, waiting again", zap.Int("step", step.Number))
				continue attempt

			case stepSuccess:
				logger.Info("Step verified", zap.Int("step", step.Number))
				rc.completed = append(rc.completed, step)
				rc.stepRetries = 0
				rc.cursor++
				e.callbacks.EmitStepComplete(step)
				break attempt

			case stepTaskComplete:
				return finish(schemas.RunCompleted, schemas.FailureNone, "Wonderful, the task is complete!")

			case stepNeedsRetry:
				rc.stepRetries++
				logger.Info("Step attempt failed",
					zap.Int("step", step.Number),
					zap.Int("retries", rc.stepRetries),
					zap.String("detail", detail))
				if rc.stepRetries < e.cfg.MaxStepRetries {
					e.callbacks.EmitStatus(retryMessage(step, detail))
					announce = true
					continue attempt
				}
				fallthrough

			case stepNeedsReplan:
				outcome, done := e.replan(ctx, intent, rc, detail, logger, finish)
				if done {
					return outcome
				}
				// Fresh plan installed; restart from its first step.
				continue run
			}
		}
	}

	// Every step verified. The plan is the authority here: exhaustion is
	// completion, with no extra goal gate second-guessing the verified steps.
	return finish(schemas.RunCompleted, schemas.FailureNone, "All done, great job!")
}

// verify runs one verification cycle for the current step.
func (e *Engine) verify(ctx context.Context, intent schemas.Intent, rc *runContext, step schemas.Step, logger *zap.Logger) (stepResult, string) {
	after, err := e.capture(ctx)
	if err != nil {
		return stepNeedsRetry, "the screen could not be observed"
	}

	class, reason, err := e.observer.Classify(ctx, rc.before, after, step)
	if err != nil {
		logger.Warn("Change classification errored", zap.Error(err))
		return stepNeedsRetry, "the screen check did not answer"
	}

	if class == schemas.ChangeLoading {
		e.callbacks.EmitStatus("One moment, the screen is still loading...")
		after, class, reason = e.awaitLoading(ctx, rc, step, logger)
	}

	switch class {
	case schemas.ChangeError:
		// An error surface means the current approach is wrong; retrying the
		// same action would only reproduce it. Escalate straight to a replan.
		return stepNeedsReplan, "an error appeared on screen: " + reason

	case schemas.ChangeUnchanged:
		cause, cerr := e.observer.ClassifyUnchanged(ctx, rc.before, after, step)
		if cerr != nil {
			logger.Warn("Unchanged-cause classification errored", zap.Error(cerr))
			return stepNeedsRetry, "the screen did not change"
		}
		if cause == schemas.CauseDynamicEffect {
			return stepContinueWaiting, ""
		}
		return stepNeedsRetry, "the screen did not change after the action"

	case schemas.ChangeChanged:
		// Goal first: a run may finish early no matter where the cursor is.
		achieved, greason, gerr := e.evaluator.Evaluate(ctx, intent, after)
		if gerr != nil {
			logger.Warn("Goal evaluation errored", zap.Error(gerr))
		} else if achieved {
			logger.Info("Goal achieved early", zap.Int("step", step.Number), zap.String("reason", greason))
			return stepTaskComplete, greason
		}

		ok, sreason, serr := e.observer.StepAchieved(ctx, rc.before, after, step)
		if serr != nil {
			logger.Warn("Step verification errored", zap.Error(serr))
			return stepNeedsRetry, "the step check did not answer"
		}
		if !ok {
			return stepNeedsRetry, "the screen changed but not as expected: " + sreason
		}
		return stepSuccess, sreason

	default:
		return stepNeedsRetry, "the screen state could not be classified"
	}
}

// awaitLoading polls the screen with bounded exponential backoff until the
// loading state resolves or the cap is exhausted. An exhausted cap is
// reported as an error classification.
func (e *Engine) awaitLoading(ctx context.Context, rc *runContext, step schemas.Step, logger *zap.Logger) (schemas.Snapshot, schemas.ChangeClassification, string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	b.MaxElapsedTime = e.cfg.LoadingWaitCap

	var (
		after  schemas.Snapshot
		class  schemas.ChangeClassification
		reason string
	)

	stillLoading := errors.New("still loading")
	operation := func() error {
		snap, err := e.capture(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		c, r, err := e.observer.Classify(ctx, rc.before, snap, step)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c == schemas.ChangeLoading {
			return stillLoading
		}
		after, class, reason = snap, c, r
		return nil
	}

	// Poll count is bounded independently of the elapsed-time cap.
	policy := backoff.WithMaxRetries(backoff.WithContext(b, ctx), 8)
	err := backoff.RetryNotifyWithTimer(operation, policy, nil, newBackoffTimer(e.clock))
	if err != nil {
		logger.Warn("Loading state never resolved", zap.Error(err))
		return after, schemas.ChangeError, "the screen kept loading for too long"
	}
	return after, class, reason
}

// waitForSignal blocks until a completion signal arrives. Idle timeouts
// check on the user and keep waiting; they never consume budgets.
func (e *Engine) waitForSignal(ctx context.Context, step schemas.Step) error {
	timer := e.clock.NewTimer(e.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.signals.Signals():
			return nil
		case <-timer.C():
			e.callbacks.EmitNeedHelp(step, fmt.Sprintf(
				"Are you still there? We were going to: %s. Take your time, I'm not going anywhere.",
				step.Instruction))
			timer.Reset(e.cfg.IdleTimeout)
		}
	}
}

// replan asks the planner for a fresh plan and installs it. The returned
// bool is true when the run has reached a terminal outcome instead.
func (e *Engine) replan(
	ctx context.Context,
	intent schemas.Intent,
	rc *runContext,
	failureReason string,
	logger *zap.Logger,
	finish func(schemas.RunState, schemas.FailureReason, string) schemas.RunOutcome,
) (schemas.RunOutcome, bool) {
	if ctx.Err() != nil {
		return finish(schemas.RunFailed, schemas.FailureCancelled, "Okay, stopping here."), true
	}
	if rc.replans >= e.cfg.MaxReplans {
		logger.Warn("Replan budget exhausted", zap.Int("replans", rc.replans))
		return finish(schemas.RunFailed, schemas.FailureGoalUnreachable,
			"I'm sorry, I couldn't get this done. It might be best to ask someone for help."), true
	}
	rc.replans++
	e.callbacks.EmitStatus("That didn't work as expected. Let me think of another way...")

	snap, err := e.capture(ctx)
	if err != nil {
		logger.Error("Cannot capture screen for replan", zap.Error(err))
		return finish(schemas.RunFailed, schemas.FailureGoalUnreachable,
			"I can't see the screen anymore, so I have to stop. Please ask someone for help."), true
	}

	newPlan, err := e.planner.Replan(ctx, intent, snap, rc.completed, failureReason)
	if err != nil {
		logger.Error("Replan failed", zap.Error(err))
		return finish(schemas.RunFailed, schemas.FailureGoalUnreachable,
			"I couldn't come up with a new approach. Please ask someone for help."), true
	}
	if newPlan.IsEmpty() {
		logger.Info("Replan produced an empty plan; goal judged unreachable")
		return finish(schemas.RunFailed, schemas.FailureGoalUnreachable,
			"I'm afraid there is no way to finish this from here. Please ask someone for help."), true
	}
	if newPlan.LeadsWithDone() {
		return finish(schemas.RunCompleted, schemas.FailureNone, "Actually, it's already done!"), true
	}

	logger.Info("Installed fresh plan",
		zap.String("plan_id", newPlan.ID),
		zap.Int("steps", len(newPlan.Steps)),
		zap.Int("replans", rc.replans))
	rc.plan = newPlan
	rc.cursor = 0
	rc.stepRetries = 0
	e.drainSignals()
	return schemas.RunOutcome{}, false
}

// drainSignals discards queued completion signals. Called at step
// transitions so late signals from a previous step cannot satisfy the next.
func (e *Engine) drainSignals() {
	for {
		select {
		case <-e.signals.Signals():
		default:
			return
		}
	}
}

func (e *Engine) capture(ctx context.Context) (schemas.Snapshot, error) {
	return e.screen.Capture(ctx)
}

// pause waits for d on the engine clock, honoring cancellation.
func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := e.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func retryMessage(step schemas.Step, detail string) string {
	msg := fmt.Sprintf("Hmm, that didn't seem to work (%s). Let's try again: %s", detail, step.Instruction)
	if step.RecoveryHint != "" {
		msg += " Hint: " + step.RecoveryHint
	}
	return msg
}

// backoffTimer adapts the engine clock to the backoff library's timer.
type backoffTimer struct {
	clock Clock
	t     Timer
}

func newBackoffTimer(clock Clock) *backoffTimer { return &backoffTimer{clock: clock} }

func (bt *backoffTimer) Start(d time.Duration) {
	if bt.t == nil {
		bt.t = bt.clock.NewTimer(d)
		return
	}
	bt.t.Reset(d)
}

func (bt *backoffTimer) Stop() {
	if bt.t != nil {
		bt.t.Stop()
	}
}

func (bt *backoffTimer) C() <-chan time.Time {
	if bt.t == nil {
		return nil
	}
	return bt.t.C()
}
