package config

func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		DataDirectory: "~/.local/share/ochat",
		AuditEnabled:  true,
		Ollama: OllamaConfig{
			Host:           "http://localhost:11434",
			DefaultModel:   "llama3.1:latest",
			Temperature:    0.7,
			TopP:           0.9,
			RequestTimeout: "5m",
		},
		Agent: AgentConfig{
			SystemPrompt: "You are a helpful assistant running on the user's machine.",
			TokenBudget:  4096,
			ToolsEnabled: true,
		},
		Executor: ExecutorConfig{
			Timeout:       "30s",
			StreamTimeout: "60s",
			MaxHistory:    1000,
		},
		Server: ServerConfig{
			Listen:         "127.0.0.1:3000",
			SessionIdleTTL: "0s",
		},
	}
}

func GenerateConfigTemplate() string {
	return `# ochat configuration
# Location: ~/.config/ochat/config.toml
# This file uses TOML format: https://toml.io

# Directory for exported conversations, the audit database and debug.log
data_directory = "~/.local/share/ochat"

# Record every command run and tool call in <data_directory>/audit.db
audit_enabled = true

[ollama]
host = "http://localhost:11434"
default_model = "llama3.1:latest"
temperature = 0.7
top_p = 0.9
# How long to wait for Ollama to start answering; streaming itself is unbounded
request_timeout = "5m"

[agent]
system_prompt = "You are a helpful assistant running on the user's machine."
# Estimated tokens (4 characters each) kept before the history is truncated
token_budget = 4096
tools_enabled = true

[executor]
timeout = "30s"
stream_timeout = "60s"
max_history = 1000

[server]
listen = "127.0.0.1:3000"
# "0s" keeps sessions until they are closed explicitly
session_idle_ttl = "0s"
`
}
