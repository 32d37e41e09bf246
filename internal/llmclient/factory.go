// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
	"github.com/coachmark-ai/coachmark-cli/internal/config"
)

// NewRouterFromConfig builds the tiered oracle client from configuration: one
// client per default model, wrapped in a rate-limited router.
func NewRouterFromConfig(cfg config.AgentConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fastClient, err := newClientForModel(cfg, cfg.LLM.DefaultFastModel, logger)
	if err != nil {
		return nil, fmt.Errorf("building fast tier client: %w", err)
	}

	powerfulClient, err := newClientForModel(cfg, cfg.LLM.DefaultPowerfulModel, logger)
	if err != nil {
		return nil, fmt.Errorf("building powerful tier client: %w", err)
	}

	return NewLLMRouter(logger, fastClient, powerfulClient, cfg.LLM.RequestsPerMinute)
}

// newClientForModel resolves a model name against the configured model map
// and instantiates the provider client.
func newClientForModel(cfg config.AgentConfig, model string, logger *zap.Logger) (schemas.LLMClient, error) {
	modelCfg, ok := cfg.LLM.Models[model]
	if !ok {
		// Fall back to any entry whose Model field matches.
		for _, mc := range cfg.LLM.Models {
			if mc.Model == model {
				modelCfg = mc
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("no configuration found for model %q", model)
	}
	if modelCfg.Model == "" {
		modelCfg.Model = model
	}

	switch modelCfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(modelCfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q. Supported: [%s]",
			modelCfg.Provider, config.ProviderGemini)
	}
}
