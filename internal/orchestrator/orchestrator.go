// Package orchestrator wires configuration into a runnable guidance stack:
// oracle router, planner, judges, guide store, signal source, and optionally
// the browser autopilot. It owns component lifecycles; the engine owns the
// run loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/browser"
	"github.com/coachmark-ai/coachmark-cli/internal/config"
	"github.com/coachmark-ai/coachmark-cli/internal/engine"
	"github.com/coachmark-ai/coachmark-cli/internal/grammar"
	"github.com/coachmark-ai/coachmark-cli/internal/input"
	"github.com/coachmark-ai/coachmark-cli/internal/judge"
	"github.com/coachmark-ai/coachmark-cli/internal/knowledge"
	"github.com/coachmark-ai/coachmark-cli/internal/llmclient"
	"github.com/coachmark-ai/coachmark-cli/internal/planner"
)

// Orchestrator holds the assembled components for guidance runs.
type Orchestrator struct {
	cfg    config.Interface
	logger *zap.Logger

	llm       schemas.LLMClient
	planner   *planner.Planner
	observer  *judge.ChangeObserver
	evaluator *judge.GoalEvaluator
	guides    schemas.GuideStore
	signals   *input.ChannelSource
	screen    schemas.ScreenSource
	autopilot *browser.Autopilot
	dbPool    *pgxpool.Pool
}

// Option overrides a component during construction, mainly so alternative
// perception sources can be plugged in.
type Option func(*Orchestrator)

// WithScreenSource substitutes the perception source. Required when the
// autopilot is disabled and no other capturer is wired.
func WithScreenSource(s schemas.ScreenSource) Option {
	return func(o *Orchestrator) { o.screen = s }
}

// New builds the production component stack from configuration. Partially
// constructed components are torn down again when a later step fails.
func New(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	o := &Orchestrator{cfg: cfg, logger: logger.Named("orchestrator")}

	var initErr error
	defer func() {
		if initErr != nil {
			o.logger.Warn("Initialization failed, shutting down partial stack", zap.Error(initErr))
			o.Close()
		}
	}()

	// 1. Oracle router.
	llm, err := llmclient.NewRouterFromConfig(cfg.Agent(), logger)
	if err != nil {
		initErr = fmt.Errorf("failed to build oracle router: %w", err)
		return nil, initErr
	}
	o.llm = llm

	// 2. Guide store.
	switch cfg.Knowledge().Type {
	case config.KnowledgeMemory:
		o.guides = knowledge.NewMemoryStore(logger)
	case config.KnowledgePostgres:
		pool, err := pgxpool.New(ctx, cfg.Knowledge().Postgres.DSN())
		if err != nil {
			initErr = fmt.Errorf("failed to create database pool: %w", err)
			return nil, initErr
		}
		o.dbPool = pool
		store, err := knowledge.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize guide store: %w", err)
			return nil, initErr
		}
		o.guides = store
	default:
		initErr = fmt.Errorf("unknown knowledge backend %q", cfg.Knowledge().Type)
		return nil, initErr
	}

	// 3. Planner and judges.
	pl, err := planner.New(llm, grammar.New(logger), o.guides, cfg.Knowledge().TopK, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to create planner: %w", err)
		return nil, initErr
	}
	o.planner = pl

	observer, err := judge.NewChangeObserver(llm, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to create change observer: %w", err)
		return nil, initErr
	}
	o.observer = observer

	evaluator, err := judge.NewGoalEvaluator(llm, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to create goal evaluator: %w", err)
		return nil, initErr
	}
	o.evaluator = evaluator

	// 4. Completion signals.
	signals, err := input.NewChannelSource(cfg.Engine().SignalBuffer, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to create signal source: %w", err)
		return nil, initErr
	}
	o.signals = signals

	// 5. Actuator. With autopilot on, the browser is both performer and
	// screen source; otherwise a screen source must come from an Option.
	if cfg.Browser().Autopilot {
		ap, err := browser.NewAutopilot(cfg.Browser(), signals, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to create autopilot: %w", err)
			return nil, initErr
		}
		o.autopilot = ap
		o.screen = ap
	}

	for _, opt := range opts {
		opt(o)
	}
	if o.screen == nil {
		initErr = errors.New("no screen source available: enable browser.autopilot or provide one")
		return nil, initErr
	}

	o.logger.Info("All guidance components initialized")
	return o, nil
}

// NewFromComponents assembles an orchestrator from prebuilt parts. The
// production path goes through New; this seam exists for composition tests
// and embedders with their own perception or actuation.
func NewFromComponents(
	cfg config.Interface,
	logger *zap.Logger,
	llm schemas.LLMClient,
	pl *planner.Planner,
	observer *judge.ChangeObserver,
	evaluator *judge.GoalEvaluator,
	guides schemas.GuideStore,
	signals *input.ChannelSource,
	screen schemas.ScreenSource,
) (*Orchestrator, error) {
	if cfg == nil || logger == nil || llm == nil || pl == nil || observer == nil ||
		evaluator == nil || signals == nil || screen == nil {
		return nil, errors.New("all components except the guide store are required")
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		llm:       llm,
		planner:   pl,
		observer:  observer,
		evaluator: evaluator,
		guides:    guides,
		signals:   signals,
		screen:    screen,
	}, nil
}

// RunTask plans and executes one guidance task to a terminal outcome. In
// autopilot mode the browser performs each announced step concurrently with
// the engine's wait; in human mode the caller's signal publisher drives
// progression.
func (o *Orchestrator) RunTask(ctx context.Context, intent schemas.Intent, callbacks schemas.RunCallbacks) (schemas.RunOutcome, error) {
	if err := o.signals.Start(ctx); err != nil {
		return schemas.RunOutcome{}, fmt.Errorf("failed to start signal source: %w", err)
	}
	defer o.signals.Stop()

	if o.autopilot != nil {
		if err := o.autopilot.Start(ctx); err != nil {
			return schemas.RunOutcome{}, fmt.Errorf("failed to start autopilot: %w", err)
		}
	}

	o.logger.Info("Planning task", zap.String("goal", intent.Goal))
	callbacks.EmitStatus("Let me have a look at the screen and figure out the steps...")

	snap, err := o.screen.Capture(ctx)
	if err != nil {
		return schemas.RunOutcome{}, fmt.Errorf("failed to capture initial screen: %w", err)
	}

	plan, err := o.planner.CreatePlan(ctx, intent, snap)
	if err != nil {
		return schemas.RunOutcome{}, fmt.Errorf("failed to create plan: %w", err)
	}

	g, runCtx := errgroup.WithContext(ctx)
	steps := make(chan schemas.Step, 4)

	if o.autopilot != nil {
		inner := callbacks.OnStepStart
		callbacks.OnStepStart = func(step schemas.Step) {
			if inner != nil {
				inner(step)
			}
			select {
			case steps <- step:
			case <-runCtx.Done():
			}
		}
		g.Go(func() error {
			for step := range steps {
				if err := o.autopilot.Execute(runCtx, step); err != nil {
					if runCtx.Err() != nil {
						return nil
					}
					o.logger.Warn("Autopilot step failed, letting verification decide",
						zap.Int("step", step.Number), zap.Error(err))
					// Signal anyway: the verifier will see an unchanged or
					// error screen and spend a retry, which is the loop's
					// recovery path for failed actuation.
					o.signals.Publish(schemas.CompletionSignal{Source: schemas.SignalActuator, At: time.Now()})
				}
			}
			return nil
		})
	}

	eng, err := engine.New(o.cfg.Engine(), o.logger, o.planner, o.observer, o.evaluator,
		o.screen, o.signals, callbacks, nil)
	if err != nil {
		close(steps)
		_ = g.Wait()
		return schemas.RunOutcome{}, fmt.Errorf("failed to create engine: %w", err)
	}

	outcome := eng.Run(runCtx, intent, plan)
	close(steps)
	if err := g.Wait(); err != nil {
		o.logger.Warn("Actuator shut down with error", zap.Error(err))
	}
	return outcome, nil
}

// Guides exposes the guide store so callers can seed it.
func (o *Orchestrator) Guides() schemas.GuideStore { return o.guides }

// Signals exposes the completion-signal source so an input frontend (console,
// speech) can report that the user performed the announced step.
func (o *Orchestrator) Signals() *input.ChannelSource { return o.signals }

// Close releases every component this orchestrator owns.
func (o *Orchestrator) Close() {
	if o.autopilot != nil {
		o.autopilot.Close()
	}
	if o.signals != nil {
		o.signals.Stop()
	}
	if o.guides != nil {
		o.guides.Close()
	}
	if o.dbPool != nil {
		o.dbPool.Close()
	}
	if o.llm != nil {
		if err := o.llm.Close(); err != nil {
			o.logger.Warn("Failed to close oracle client", zap.Error(err))
		}
	}
}
