package llmclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/internal/config"
)

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		LLM: config.LLMRouterConfig{
			DefaultFastModel:     "gemini-2.5-flash",
			DefaultPowerfulModel: "gemini-2.5-pro",
			RequestsPerMinute:    30,
			Models: map[string]config.LLMModelConfig{
				"gemini-2.5-flash": {
					Provider: config.ProviderGemini,
					Model:    "gemini-2.5-flash",
					APIKey:   "k",
				},
				"gemini-2.5-pro": {
					Provider: config.ProviderGemini,
					Model:    "gemini-2.5-pro",
					APIKey:   "k",
				},
			},
		},
	}
}

func TestNewRouterFromConfig(t *testing.T) {
	client, err := NewRouterFromConfig(testAgentConfig(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.NoError(t, client.Close())
}

func TestNewRouterFromConfigUnknownModel(t *testing.T) {
	cfg := testAgentConfig()
	cfg.LLM.DefaultPowerfulModel = "not-configured"

	_, err := NewRouterFromConfig(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-configured")
}

func TestNewRouterFromConfigUnknownProvider(t *testing.T) {
	cfg := testAgentConfig()
	mc := cfg.LLM.Models["gemini-2.5-pro"]
	mc.Provider = "watson"
	cfg.LLM.Models["gemini-2.5-pro"] = mc

	_, err := NewRouterFromConfig(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}
