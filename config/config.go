package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

type OllamaConfig struct {
	Host           string  `toml:"host"`
	DefaultModel   string  `toml:"default_model"`
	Temperature    float64 `toml:"temperature"`
	TopP           float64 `toml:"top_p"`
	RequestTimeout string  `toml:"request_timeout"`
}

type AgentConfig struct {
	SystemPrompt string `toml:"system_prompt,omitempty"`
	TokenBudget  int    `toml:"token_budget"`
	ToolsEnabled bool   `toml:"tools_enabled"`
}

type ExecutorConfig struct {
	Timeout       string `toml:"timeout"`
	StreamTimeout string `toml:"stream_timeout"`
	MaxHistory    int    `toml:"max_history"`
}

type ServerConfig struct {
	Listen         string `toml:"listen"`
	SessionIdleTTL string `toml:"session_idle_ttl"`
}

// FileConfig mirrors config.toml on disk.
type FileConfig struct {
	DataDirectory string         `toml:"data_directory"`
	AuditEnabled  bool           `toml:"audit_enabled"`
	Ollama        OllamaConfig   `toml:"ollama"`
	Agent         AgentConfig    `toml:"agent"`
	Executor      ExecutorConfig `toml:"executor"`
	Server        ServerConfig   `toml:"server"`
}

// Config is the resolved runtime configuration.
type Config struct {
	DataDirectory string
	AuditEnabled  bool

	OllamaHost     string
	DefaultModel   string
	Temperature    float64
	TopP           float64
	RequestTimeout time.Duration

	SystemPrompt string
	TokenBudget  int
	ToolsEnabled bool

	CommandTimeout       time.Duration
	StreamCommandTimeout time.Duration
	MaxCommandHistory    int

	Listen         string
	SessionIdleTTL time.Duration
}

// DebugLog is a no-op logger until InitDebugLog enables it.
var DebugLog = zerolog.Nop()

func (c *Config) OllamaURL() string {
	return c.OllamaHost
}

func (c *Config) Model() string {
	return c.DefaultModel
}

func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("OCHAT_OLLAMA_HOST"); host != "" {
		c.OllamaHost = host
	}
	if model := os.Getenv("OCHAT_MODEL"); model != "" {
		c.DefaultModel = model
	}
	if dataDir := os.Getenv("OCHAT_DATA_DIR"); dataDir != "" {
		c.DataDirectory = dataDir
	}
}

func CheckDebug() bool {
	debug := os.Getenv("OCHAT_DEBUG")
	return debug == "true" || debug == "1"
}

// InitDebugLog routes DebugLog to <dataDir>/debug.log when OCHAT_DEBUG is set.
// The returned closer must be called on exit.
func InitDebugLog(dataDir string) func() error {
	if !CheckDebug() {
		return func() error { return nil }
	}

	logPath := filepath.Join(dataDir, "debug.log")

	// 0600: tool arguments and command output end up in here
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not open debug log at %s: %v\n", logPath, err)
		return func() error { return nil }
	}

	DebugLog = zerolog.New(f).With().Timestamp().Caller().Logger().Level(zerolog.DebugLevel)
	DebugLog.Info().Str("path", logPath).Msg("debug logging started")
	return f.Close
}

// Resolve converts the on-disk representation into a Config, filling defaults for
// zero values and rejecting malformed durations.
func Resolve(fc *FileConfig) (*Config, error) {
	def := DefaultFileConfig()

	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}

	cfg := &Config{
		DataDirectory:     pick(fc.DataDirectory, def.DataDirectory),
		AuditEnabled:      fc.AuditEnabled,
		OllamaHost:        pick(fc.Ollama.Host, def.Ollama.Host),
		DefaultModel:      pick(fc.Ollama.DefaultModel, def.Ollama.DefaultModel),
		Temperature:       fc.Ollama.Temperature,
		TopP:              fc.Ollama.TopP,
		SystemPrompt:      fc.Agent.SystemPrompt,
		TokenBudget:       fc.Agent.TokenBudget,
		ToolsEnabled:      fc.Agent.ToolsEnabled,
		MaxCommandHistory: fc.Executor.MaxHistory,
		Listen:            pick(fc.Server.Listen, def.Server.Listen),
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.Agent.TokenBudget
	}
	if cfg.MaxCommandHistory <= 0 {
		cfg.MaxCommandHistory = def.Executor.MaxHistory
	}

	durations := []struct {
		name string
		raw  string
		def  string
		dst  *time.Duration
	}{
		{"ollama.request_timeout", fc.Ollama.RequestTimeout, def.Ollama.RequestTimeout, &cfg.RequestTimeout},
		{"executor.timeout", fc.Executor.Timeout, def.Executor.Timeout, &cfg.CommandTimeout},
		{"executor.stream_timeout", fc.Executor.StreamTimeout, def.Executor.StreamTimeout, &cfg.StreamCommandTimeout},
		{"server.session_idle_ttl", fc.Server.SessionIdleTTL, def.Server.SessionIdleTTL, &cfg.SessionIdleTTL},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(pick(d.raw, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func Load() (*Config, error) {
	fc, err := LoadFileConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := Resolve(fc)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	dataDir := cfg.DataDir()
	if err := EnsureDataDirPermissions(dataDir); err != nil {
		return nil, fmt.Errorf("failed to set data directory permissions: %w", err)
	}

	return cfg, nil
}
