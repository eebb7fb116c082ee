// Package config provides centralized configuration management for the longform
// generation daemon.
//
// Configuration lives in a global singleton that is loaded once at startup via
// LoadConfig and then read by value through GetConfig. All mutation goes through
// Update* functions that validate and persist atomically to disk. Components
// never hold their own Config copies; they read the global on demand so that
// runtime updates (via the HTTP API) are visible everywhere immediately.
//
// The daemon-level Config here covers generation defaults, the HTTP server,
// metrics, resilience, and logging. Per-project knobs (theme, length, critique
// caps, checkpoints) live in ProjectSettings, which is seeded from the global
// defaults at project creation time and persisted alongside the project.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"longform/pkg/logx"
)

// Global singleton state. workDir is immutable after LoadConfig.
var (
	config  *Config
	workDir string
	logger  *logx.Logger
	mu      sync.RWMutex
)

// getLogger returns the package logger, initializing it lazily.
func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger.
// This is exposed for other packages (like main) to use consistent logging.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

// Constants for daemon defaults, file layout, providers, and environment keys.
const (
	// Generation driver defaults.
	DefaultContextTokenLimit     = 200000 // Conversation budget before compression becomes mandatory
	DefaultCompressionThreshold  = 180000 // Usage at which compression triggers (90% of the budget)
	DefaultKeepRecentTurns       = 10     // Turns preserved verbatim when compressing
	DefaultMaxIterationsPerPhase = 300    // Hard cap on agent turns within a single phase
	DefaultPlanCritiqueRounds    = 2      // Critique/revise cycles for the plan
	DefaultChunkCritiqueRounds   = 2      // Critique/revise cycles per manuscript chunk
	MaxCritiqueRounds            = 10     // Upper bound accepted for either critique cap

	// Model name constants.
	ModelKimiK2Thinking = "kimi-k2-thinking"
	ModelGLM46          = "zai-org/GLM-4.6"
	ModelClaudeSonnet45 = "claude-sonnet-4-5"
	ModelGPT4o          = "gpt-4o"
	ModelGemini25Flash  = "gemini-2.5-flash"

	// DefaultGenerationModel drives all four personas unless a project overrides it.
	DefaultGenerationModel = ModelKimiK2Thinking

	// Daemon file layout constants.
	ConfigDir        = ".longform"
	ConfigFilename   = "config.json"
	DatabaseFilename = "longform.db"
	SecretsFilename  = "secrets.json.enc"
	OutputDirName    = "output"
	SchemaVersion    = "1.0"

	// Provider constants.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMoonshot  = "moonshot"
	ProviderDeepInfra = "deepinfra"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	// OpenAI-compatible endpoint overrides.
	MoonshotBaseURL  = "https://api.moonshot.ai/v1"
	DeepInfraBaseURL = "https://api.deepinfra.com/v1/openai"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvMoonshotAPIKey  = "MOONSHOT_API_KEY"
	EnvDeepInfraAPIKey = "DEEPINFRA_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	Enabled  bool   `json:"enabled"`            // Whether the HTTP API is enabled (default: true)
	Host     string `json:"host"`               // Host to bind to (default: "localhost")
	Port     int    `json:"port"`               // Port to listen on (default: 8080, must be > 0 if enabled)
	SSL      bool   `json:"ssl"`                // Whether to use SSL/TLS (default: false)
	Cert     string `json:"cert"`               // Path to SSL certificate file (required if ssl=true)
	Key      string `json:"key"`                // Path to SSL private key file (required if ssl=true)
	Password string `json:"password,omitempty"` // Basic auth password; empty disables auth (local use)
}

// PromptOverrides allows replacing the built-in persona system prompts.
// Empty fields fall back to the built-in prompt for that persona.
type PromptOverrides struct {
	Planner     string `json:"planner,omitempty"`      // Story architect persona
	PlanCritic  string `json:"plan_critic,omitempty"`  // Story editor persona
	Writer      string `json:"writer,omitempty"`       // Creative writer persona
	WriteCritic string `json:"write_critic,omitempty"` // Content editor persona
}

// MetricsConfig defines metrics collection configuration.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`   // Whether Prometheus metrics are collected (default: true)
	Namespace string `json:"namespace"` // Metric namespace prefix (default: "longform")
}

// RetryConfig defines retry behavior for transient LLM failures.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum retry attempts (default: 3)
	InitialDelay  time.Duration `json:"initial_delay"`  // Initial retry delay (default: 100ms)
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum retry delay (default: 10s)
	BackoffFactor float64       `json:"backoff_factor"` // Exponential backoff multiplier (default: 2.0)
	Jitter        bool          `json:"jitter"`         // Whether to add random jitter to delays
}

// ResilienceConfig defines resilience patterns for LLM calls.
type ResilienceConfig struct {
	Retry   RetryConfig   `json:"retry"`   // Retry configuration
	Timeout time.Duration `json:"timeout"` // Per-request timeout (default: 5m; chunk drafts run long)
}

// GenerationConfig contains the generation driver settings shared by all
// projects unless overridden per project.
type GenerationConfig struct {
	Model                  string           `json:"model"`                     // Model ID for all personas (default: kimi-k2-thinking)
	ContextTokenLimit      int              `json:"context_token_limit"`       // Conversation token budget (default: 200000)
	CompressionThreshold   int              `json:"compression_threshold"`     // Compress when usage reaches this (default: 180000)
	KeepRecentTurns        int              `json:"keep_recent_turns"`         // Turns kept verbatim during compression (default: 10)
	MaxIterationsPerPhase  int              `json:"max_iterations_per_phase"`  // Agent turn cap per phase (default: 300)
	MaxPlanCritiqueRounds  int              `json:"max_plan_critique_rounds"`  // Plan critique cap (default: 2, range 1-10)
	MaxChunkCritiqueRounds int              `json:"max_chunk_critique_rounds"` // Chunk critique cap (default: 2, range 1-10)
	Prompts                PromptOverrides  `json:"prompts"`                   // Persona prompt overrides
	Metrics                MetricsConfig    `json:"metrics"`                   // Metrics configuration
	Resilience             ResilienceConfig `json:"resilience"`                // Resilience configuration
	StateTimeout           time.Duration    `json:"state_timeout"`             // Stall timeout for a single phase (default: 30m)
}

// LogsConfig contains log file management configuration.
type LogsConfig struct {
	RotationCount int `json:"rotation_count"` // Number of old log files to keep (default: 4)
}

// DebugConfig contains debug settings for development and troubleshooting.
type DebugConfig struct {
	LLMMessages bool `json:"llm_messages"` // Log full LLM request/response payloads (default: false)
}

// Config is the root configuration structure persisted at
// <workDir>/.longform/config.json.
type Config struct {
	SchemaVersion string `json:"schema_version,omitempty"`

	Server      *ServerConfig     `json:"server,omitempty"`
	Generation  *GenerationConfig `json:"generation,omitempty"`
	Checkpoints *CheckpointConfig `json:"checkpoints,omitempty"`
	Logs        *LogsConfig       `json:"logs,omitempty"`
	Debug       *DebugConfig      `json:"debug,omitempty"`
}

// GetDebugLLMMessages returns whether debug logging of LLM payloads is enabled.
// Returns false if config is not loaded or debug is not configured.
func GetDebugLLMMessages() bool {
	cfg, err := GetConfig()
	if err != nil {
		return false
	}
	if cfg.Debug != nil {
		return cfg.Debug.LLMMessages
	}
	return false
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// This prevents external mutation - all updates must go through Update* functions.
// Must call LoadConfig first to initialize the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// GetWorkDir returns the daemon working directory stored by LoadConfig.
func GetWorkDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return workDir
}

// SetConfigForTesting sets the global config for testing purposes.
// Pass nil to reset. This bypasses normal initialization and should only be used in tests.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		workDir = ""
	}
}

// SetWorkDirForTesting overrides the stored working directory in tests.
func SetWorkDirForTesting(dir string) {
	mu.Lock()
	defer mu.Unlock()
	workDir = dir
}

// LoadConfig loads the entire configuration from <workDir>/.longform/config.json
// into the global singleton.
//
// Behavior:
// - Missing file: Creates new config with defaults and saves it
// - Existing file: Loads and validates, applying defaults for missing fields
// - Unparseable file: Returns error to avoid overwriting user changes
//
// This should typically be called once at daemon startup.
func LoadConfig(inputWorkDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Store working directory - immutable after this point
	workDir = inputWorkDir
	configPath := filepath.Join(workDir, ConfigDir, ConfigFilename)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Missing file - create new config with defaults
		getLogger().Info("📝 Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()

		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}

		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		getLogger().Info("✅ New config file created and validated")
		return nil
	}

	getLogger().Info("📝 Loading config from %s", configPath)
	loadedConfig, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	applyDefaults(loadedConfig)
	if err := validateConfig(loadedConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = loadedConfig

	// Save config back to disk with applied defaults (ensures old configs get updated)
	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	getLogger().Info("✅ Config loaded and validated successfully")
	return nil
}

// UpdateGeneration updates the generation configuration and persists to disk.
func UpdateGeneration(gen *GenerationConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	oldGen := config.Generation
	config.Generation = gen
	applyGenerationDefaults(config.Generation)

	if err := validateGenerationInternal(config.Generation); err != nil {
		config.Generation = oldGen // Restore old config
		return fmt.Errorf("invalid generation config: %w", err)
	}

	return saveConfigLocked()
}

// UpdateCheckpoints updates the default checkpoint gates and persists to disk.
// Existing projects keep the checkpoint settings captured at creation time.
func UpdateCheckpoints(cp *CheckpointConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	config.Checkpoints = cp
	return saveConfigLocked()
}

// UpdateServer updates the HTTP server configuration and persists to disk.
func UpdateServer(server *ServerConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	oldServer := config.Server
	config.Server = server
	applyServerDefaults(config.Server)

	if err := validateServerInternal(config.Server); err != nil {
		config.Server = oldServer
		return fmt.Errorf("invalid server config: %w", err)
	}

	return saveConfigLocked()
}

// loadConfigFromFile loads a config file and parses JSON.
func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}

	return &cfg, nil
}

// createDefaultConfig creates a new config with sensible defaults.
func createDefaultConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,

		Server: &ServerConfig{
			Enabled: true,        // Enabled by default
			Host:    "localhost", // Secure default: bind to localhost only
			Port:    8080,        // Standard development port
			SSL:     false,       // SSL disabled by default (requires cert/key setup)
		},
		Generation: &GenerationConfig{
			Model:                  DefaultGenerationModel,
			ContextTokenLimit:      DefaultContextTokenLimit,
			CompressionThreshold:   DefaultCompressionThreshold,
			KeepRecentTurns:        DefaultKeepRecentTurns,
			MaxIterationsPerPhase:  DefaultMaxIterationsPerPhase,
			MaxPlanCritiqueRounds:  DefaultPlanCritiqueRounds,
			MaxChunkCritiqueRounds: DefaultChunkCritiqueRounds,
			Metrics: MetricsConfig{
				Enabled:   true, // Enable metrics by default for development visibility
				Namespace: "longform",
			},
			Resilience: ResilienceConfig{
				Retry: RetryConfig{
					MaxAttempts:   3,
					InitialDelay:  100 * time.Millisecond,
					MaxDelay:      10 * time.Second,
					BackoffFactor: 2.0,
					Jitter:        true,
				},
				Timeout: 5 * time.Minute, // Chunk drafts from reasoning models run long
			},
			StateTimeout: 30 * time.Minute,
		},
		Checkpoints: DefaultCheckpoints(),
		Logs: &LogsConfig{
			RotationCount: 4, // Keep last 4 log files
		},
		Debug: &DebugConfig{
			LLMMessages: false, // Disabled by default
		},
	}
}

// saveConfigLocked saves config to disk using the stored working directory.
// Must be called with mutex locked.
func saveConfigLocked() error {
	if workDir == "" {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	configPath := filepath.Join(workDir, ConfigDir, ConfigFilename)

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	// Initialize sections if nil
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{Enabled: true}
	}
	if cfg.Generation == nil {
		cfg.Generation = &GenerationConfig{}
	}
	if cfg.Checkpoints == nil {
		// Section-level default only: a present section with explicit false
		// values is the user's choice and is left alone.
		cfg.Checkpoints = DefaultCheckpoints()
	}
	if cfg.Logs == nil {
		cfg.Logs = &LogsConfig{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &DebugConfig{}
	}

	applyServerDefaults(cfg.Server)
	applyGenerationDefaults(cfg.Generation)

	// Apply Logs defaults
	if cfg.Logs.RotationCount == 0 {
		cfg.Logs.RotationCount = 4
	}

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}
}

func applyServerDefaults(server *ServerConfig) {
	if server.Host == "" {
		server.Host = "localhost"
	}
	if server.Port == 0 {
		server.Port = 8080
	}
	// Note: Enabled defaults to false (zero value), but we want true by default.
	// This is handled in createDefaultConfig for new configs.
}

func applyGenerationDefaults(gen *GenerationConfig) {
	if gen.Model == "" {
		gen.Model = DefaultGenerationModel
	}
	if gen.ContextTokenLimit == 0 {
		gen.ContextTokenLimit = DefaultContextTokenLimit
	}
	if gen.CompressionThreshold == 0 {
		gen.CompressionThreshold = DefaultCompressionThreshold
	}
	if gen.KeepRecentTurns == 0 {
		gen.KeepRecentTurns = DefaultKeepRecentTurns
	}
	if gen.MaxIterationsPerPhase == 0 {
		gen.MaxIterationsPerPhase = DefaultMaxIterationsPerPhase
	}
	if gen.MaxPlanCritiqueRounds == 0 {
		gen.MaxPlanCritiqueRounds = DefaultPlanCritiqueRounds
	}
	if gen.MaxChunkCritiqueRounds == 0 {
		gen.MaxChunkCritiqueRounds = DefaultChunkCritiqueRounds
	}

	// Apply metrics defaults
	if gen.Metrics.Namespace == "" {
		gen.Metrics.Namespace = "longform"
	}

	// Apply resilience defaults
	if gen.Resilience.Retry.MaxAttempts == 0 {
		gen.Resilience.Retry.MaxAttempts = 3
	}
	if gen.Resilience.Retry.InitialDelay == 0 {
		gen.Resilience.Retry.InitialDelay = 100 * time.Millisecond
	}
	if gen.Resilience.Retry.MaxDelay == 0 {
		gen.Resilience.Retry.MaxDelay = 10 * time.Second
	}
	if gen.Resilience.Retry.BackoffFactor == 0 {
		gen.Resilience.Retry.BackoffFactor = 2.0
	}
	if gen.Resilience.Timeout == 0 {
		gen.Resilience.Timeout = 5 * time.Minute
	}

	if gen.StateTimeout == 0 {
		gen.StateTimeout = 30 * time.Minute
	}
}

// validateGenerationInternal validates generation configuration during config loading.
func validateGenerationInternal(gen *GenerationConfig) error {
	// Validate the model can be mapped to a provider
	if _, err := GetModelProvider(gen.Model); err != nil {
		return fmt.Errorf("model '%s': %w", gen.Model, err)
	}

	if gen.ContextTokenLimit <= 0 {
		return fmt.Errorf("context_token_limit must be positive")
	}
	if gen.CompressionThreshold <= 0 || gen.CompressionThreshold >= gen.ContextTokenLimit {
		return fmt.Errorf("compression_threshold must be positive and below context_token_limit (got %d, limit %d)",
			gen.CompressionThreshold, gen.ContextTokenLimit)
	}
	if gen.KeepRecentTurns < 1 {
		return fmt.Errorf("keep_recent_turns must be at least 1")
	}
	if gen.MaxIterationsPerPhase < 1 {
		return fmt.Errorf("max_iterations_per_phase must be at least 1")
	}
	if gen.MaxPlanCritiqueRounds < 1 || gen.MaxPlanCritiqueRounds > MaxCritiqueRounds {
		return fmt.Errorf("max_plan_critique_rounds must be between 1 and %d (got %d)",
			MaxCritiqueRounds, gen.MaxPlanCritiqueRounds)
	}
	if gen.MaxChunkCritiqueRounds < 1 || gen.MaxChunkCritiqueRounds > MaxCritiqueRounds {
		return fmt.Errorf("max_chunk_critique_rounds must be between 1 and %d (got %d)",
			MaxCritiqueRounds, gen.MaxChunkCritiqueRounds)
	}

	return nil
}

// validateServerInternal validates HTTP server configuration.
func validateServerInternal(server *ServerConfig) error {
	if !server.Enabled {
		return nil
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535 (got %d)", server.Port)
	}

	if server.SSL {
		if server.Cert == "" {
			return fmt.Errorf("server ssl enabled but cert path is empty")
		}
		if server.Key == "" {
			return fmt.Errorf("server ssl enabled but key path is empty")
		}
	}

	return nil
}

func validateConfig(cfg *Config) error {
	getLogger().Info("📋 Validating config structure")

	if cfg.Generation != nil {
		if err := validateGenerationInternal(cfg.Generation); err != nil {
			return fmt.Errorf("generation config validation failed: %w", err)
		}
	}

	if cfg.Server != nil {
		if err := validateServerInternal(cfg.Server); err != nil {
			return fmt.Errorf("server config validation failed: %w", err)
		}
	}

	getLogger().Info("✅ Config structure validated")
	return nil
}
