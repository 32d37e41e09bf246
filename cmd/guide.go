package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/config"
	"github.com/coachmark-ai/coachmark-cli/internal/observability"
	"github.com/coachmark-ai/coachmark-cli/internal/orchestrator"
)

// newGuideCmd creates and configures the `guide` command, the main entry
// point for a coaching run.
func newGuideCmd() *cobra.Command {
	var (
		targetApp string
		criteria  []string
	)

	guideCmd := &cobra.Command{
		Use:   "guide [goal...]",
		Short: "Coaches the user through a task until the goal is verified on screen",
		Example: `  coachmark guide "turn on the wifi"
  coachmark guide --app Photos "make a collage from my last three screenshots"
  coachmark guide --autopilot --url https://mail.example.com "archive every newsletter"`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so the command line overrides
			// both the config file and environment variables.
			if err := viper.BindPFlag("browser.autopilot", cmd.Flags().Lookup("autopilot")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.start_url", cmd.Flags().Lookup("url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("knowledge.type", cmd.Flags().Lookup("knowledge")); err != nil {
				return err
			}
			if err := viper.BindPFlag("engine.max_step_retries", cmd.Flags().Lookup("retries")); err != nil {
				return err
			}
			return viper.BindPFlag("engine.max_replans", cmd.Flags().Lookup("replans"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-read the config now that the command's flags are bound.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config: %w", err)
			}

			intent := schemas.Intent{
				Goal:            strings.Join(args, " "),
				TargetApp:       targetApp,
				SuccessCriteria: criteria,
			}
			logger.Info("Starting coaching run",
				zap.String("goal", intent.Goal),
				zap.Bool("autopilot", cfg.Browser().Autopilot))

			orch, err := orchestrator.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to assemble guidance stack: %w", err)
			}
			defer orch.Close()

			out := cmd.OutOrStdout()
			humanMode := !cfg.Browser().Autopilot
			callbacks := schemas.RunCallbacks{
				OnStatus: func(message string) {
					fmt.Fprintf(out, "  %s\n", message)
				},
				OnStepStart: func(step schemas.Step) {
					fmt.Fprintf(out, "\nStep %d: %s\n", step.Number, step.Instruction)
					if step.VisualHint != "" {
						fmt.Fprintf(out, "  Look for: %s\n", step.VisualHint)
					}
					if humanMode {
						fmt.Fprintln(out, "  (press Enter once you've done it)")
					}
				},
				OnStepComplete: func(step schemas.Step) {
					fmt.Fprintf(out, "  Done: %s\n", step.Instruction)
				},
				OnNeedHelp: func(_ schemas.Step, message string) {
					fmt.Fprintf(out, "\n%s\n", message)
				},
			}

			if humanMode {
				// Every line on stdin counts as "I did the step". The reader
				// stops at EOF; publishes after the run are dropped harmlessly.
				go func() {
					scanner := bufio.NewScanner(cmd.InOrStdin())
					for scanner.Scan() {
						orch.Signals().Publish(schemas.CompletionSignal{
							Source: schemas.SignalInput,
							At:     time.Now(),
						})
					}
				}()
			}

			outcome, err := orch.RunTask(ctx, intent, callbacks)
			if err != nil {
				return fmt.Errorf("run aborted: %w", err)
			}

			fmt.Fprintf(out, "\n%s\n", outcome.Message)
			fmt.Fprintf(out, "  steps completed: %d, replans: %d, took %s\n",
				outcome.CompletedSteps, outcome.Replans,
				outcome.FinishedAt.Sub(outcome.StartedAt).Round(time.Second))

			if !outcome.Succeeded() {
				return fmt.Errorf("run failed (%s)", outcome.Reason)
			}
			return nil
		},
	}

	guideCmd.Flags().StringVar(&targetApp, "app", "", "application the task takes place in")
	guideCmd.Flags().StringSliceVar(&criteria, "criteria", nil, "success criteria the goal check must confirm")
	guideCmd.Flags().Bool("autopilot", false, "let the bundled browser perform the steps itself")
	guideCmd.Flags().String("url", "", "page the autopilot opens first")
	guideCmd.Flags().String("knowledge", "", "guide store backend: memory or postgres")
	guideCmd.Flags().Int("retries", 0, "per-step verification retries before replanning")
	guideCmd.Flags().Int("replans", 0, "replans allowed before giving up")

	return guideCmd
}
