// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Agent() AgentConfig
	Knowledge() KnowledgeConfig
	Browser() BrowserConfig

	// Engine Setters
	SetEngineMaxStepRetries(int)
	SetEngineMaxReplans(int)
	SetEngineIdleTimeout(time.Duration)

	// Browser Setters
	SetBrowserAutopilot(bool)
	SetBrowserStartURL(string)
}

// Config holds the entire application configuration. Fields are private to
// enforce access through the Interface getters.
type Config struct {
	logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	knowledge KnowledgeConfig `mapstructure:"knowledge" yaml:"knowledge"`
	browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.logger }
func (c *Config) Engine() EngineConfig       { return c.engine }
func (c *Config) Agent() AgentConfig         { return c.agent }
func (c *Config) Knowledge() KnowledgeConfig { return c.knowledge }
func (c *Config) Browser() BrowserConfig     { return c.browser }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineMaxStepRetries(n int)           { c.engine.MaxStepRetries = n }
func (c *Config) SetEngineMaxReplans(n int)               { c.engine.MaxReplans = n }
func (c *Config) SetEngineIdleTimeout(d time.Duration)    { c.engine.IdleTimeout = d }
func (c *Config) SetBrowserAutopilot(b bool)              { c.browser.Autopilot = b }
func (c *Config) SetBrowserStartURL(u string)             { c.browser.StartURL = u }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// EngineConfig holds the budgets and timing of the execution engine.
type EngineConfig struct {
	// MaxStepRetries bounds how often a single step may be re-attempted
	// before the engine escalates to a replan.
	MaxStepRetries int `mapstructure:"max_step_retries" yaml:"max_step_retries"`
	// MaxReplans bounds how often a run may request a fresh plan.
	MaxReplans int `mapstructure:"max_replans" yaml:"max_replans"`
	// IdleTimeout is how long the engine waits for a completion signal
	// before gently checking on the user. It never consumes budgets.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// LoadingWaitCap bounds the total time spent polling a loading screen.
	LoadingWaitCap time.Duration `mapstructure:"loading_wait_cap" yaml:"loading_wait_cap"`
	// VerifySettleDelay is the pause between a completion signal and the
	// after-snapshot, letting the UI settle.
	VerifySettleDelay time.Duration `mapstructure:"verify_settle_delay" yaml:"verify_settle_delay"`
	// SignalBuffer sizes the completion-signal channel.
	SignalBuffer int `mapstructure:"signal_buffer" yaml:"signal_buffer"`
}

// BrowserConfig holds settings for the bundled autopilot actuator.
type BrowserConfig struct {
	// Autopilot switches the run from human-in-the-loop to the bundled
	// browser actuator performing the steps itself.
	Autopilot bool     `mapstructure:"autopilot" yaml:"autopilot"`
	Headless  bool     `mapstructure:"headless" yaml:"headless"`
	StartURL  string   `mapstructure:"start_url" yaml:"start_url"`
	Args      []string `mapstructure:"args" yaml:"args"`
	// StepTimeout bounds a single actuated step.
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
}

// Guide store backends.
const (
	KnowledgeMemory   = "memory"
	KnowledgePostgres = "postgres"
)

// KnowledgeConfig specifies the backend for operation-guide retrieval.
type KnowledgeConfig struct {
	// Type selects the store backend: "memory" or "postgres".
	Type     string         `mapstructure:"type" yaml:"type"`
	TopK     int            `mapstructure:"top_k" yaml:"top_k"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// AgentConfig holds settings related to the AI oracles.
type AgentConfig struct {
	LLM LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMProvider defines the supported model providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderMock   LLMProvider = "mock"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	// RequestsPerMinute is the shared budget across all oracle calls.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// GeminiAPIKey is applied to every Gemini model entry that does not
	// carry its own key. Usually set via COACHMARK_GEMINI_API_KEY.
	GeminiAPIKey string                    `mapstructure:"gemini_api_key" yaml:"gemini_api_key"`
	Models       map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single model.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// fileConfig mirrors Config with exported fields so viper can unmarshal into
// it. Config itself keeps private fields to force access through Interface.
type fileConfig struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Browser   BrowserConfig   `mapstructure:"browser"`
}

func (f fileConfig) toConfig() *Config {
	return &Config{
		logger:    f.Logger,
		engine:    f.Engine,
		agent:     f.Agent,
		knowledge: f.Knowledge,
		browser:   f.Browser,
	}
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		// Cannot happen with defaults, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	models, err := decodeModelMap(v.Get("agent.llm.models"))
	if err != nil {
		panic(fmt.Sprintf("failed to decode default model map: %v", err))
	}
	raw.Agent.LLM.Models = models
	return raw.toConfig()
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "coachmark")
	v.SetDefault("logger.log_file", "coachmark.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.max_step_retries", 3)
	v.SetDefault("engine.max_replans", 3)
	v.SetDefault("engine.idle_timeout", "30s")
	v.SetDefault("engine.loading_wait_cap", "20s")
	v.SetDefault("engine.verify_settle_delay", "500ms")
	v.SetDefault("engine.signal_buffer", 8)

	// -- Browser / autopilot --
	v.SetDefault("browser.autopilot", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.step_timeout", "20s")

	// -- Knowledge --
	v.SetDefault("knowledge.type", "memory")
	v.SetDefault("knowledge.top_k", 3)
	v.SetDefault("knowledge.postgres.host", "localhost")
	v.SetDefault("knowledge.postgres.port", 5432)
	v.SetDefault("knowledge.postgres.user", "postgres")
	v.SetDefault("knowledge.postgres.password", "") // Set via env var.
	v.SetDefault("knowledge.postgres.dbname", "coachmark_guides")
	v.SetDefault("knowledge.postgres.sslmode", "disable")

	// -- Agent --
	v.SetDefault("agent.llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.requests_per_minute", 30)
	v.SetDefault("agent.llm.models", map[string]any{
		"gemini-2.5-flash": map[string]any{"provider": "gemini", "model": "gemini-2.5-flash"},
		"gemini-2.5-pro":   map[string]any{"provider": "gemini", "model": "gemini-2.5-pro"},
	})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("agent.llm.gemini_api_key", "COACHMARK_GEMINI_API_KEY")
	v.BindEnv("knowledge.postgres.password", "COACHMARK_PG_PASSWORD")

	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Viper splits every key on its "." delimiter, which mangles model-map
	// keys like "gemini-2.5-flash" during Unmarshal. Decode the models
	// subtree from the raw value instead, where the keys are intact.
	if rawModels := v.Get("agent.llm.models"); rawModels != nil {
		models, err := decodeModelMap(rawModels)
		if err != nil {
			return nil, fmt.Errorf("error decoding agent.llm.models: %w", err)
		}
		raw.Agent.LLM.Models = models
	}

	cfg := raw.toConfig()
	cfg.applySharedAPIKeys()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// decodeModelMap decodes the models subtree with the same hooks viper would
// apply, minus the key splitting.
func decodeModelMap(raw any) (map[string]LLMModelConfig, error) {
	models := make(map[string]LLMModelConfig)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &models,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	return models, nil
}

// applySharedAPIKeys copies the shared Gemini key onto model entries that
// carry none of their own.
func (c *Config) applySharedAPIKeys() {
	key := c.agent.LLM.GeminiAPIKey
	if key == "" {
		return
	}
	for name, mc := range c.agent.LLM.Models {
		if mc.Provider == ProviderGemini && mc.APIKey == "" {
			mc.APIKey = key
			c.agent.LLM.Models[name] = mc
		}
	}
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.engine.MaxStepRetries < 0 {
		return fmt.Errorf("engine.max_step_retries must not be negative")
	}
	if c.engine.MaxReplans < 0 {
		return fmt.Errorf("engine.max_replans must not be negative")
	}
	if c.engine.IdleTimeout <= 0 {
		return fmt.Errorf("engine.idle_timeout must be a positive duration")
	}
	if c.engine.LoadingWaitCap <= 0 {
		return fmt.Errorf("engine.loading_wait_cap must be a positive duration")
	}
	if c.engine.SignalBuffer <= 0 {
		return fmt.Errorf("engine.signal_buffer must be a positive integer")
	}
	switch c.knowledge.Type {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("knowledge.type must be \"memory\" or \"postgres\", got %q", c.knowledge.Type)
	}
	if c.agent.LLM.RequestsPerMinute <= 0 {
		return fmt.Errorf("agent.llm.requests_per_minute must be a positive integer")
	}
	return nil
}
