package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ochat/agent"
	"ochat/config"
	"ochat/executor"
	"ochat/ollama"
	"ochat/storage"
	"ochat/tools"
	"ochat/ui"
)

const (
	Version = "v0.01.00"
	License = "Apache-2.0"
)

var (
	flagHost  string
	flagModel string
)

var rootCmd = &cobra.Command{
	Use:           "ochat",
	Short:         "Chat with local Ollama models that can use tools on this machine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", "", "Ollama server URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "model to chat with (overrides config)")
	rootCmd.AddCommand(serveCmd, modelsCmd, toolCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command shares once the config is loaded.
type app struct {
	cfg     *config.Config
	client  *ollama.Client
	exports *storage.ExportStore
	audit   *storage.AuditLog
	closers []func() error
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagHost != "" {
		cfg.OllamaHost = flagHost
	}
	if flagModel != "" {
		cfg.DefaultModel = flagModel
	}

	a := &app{cfg: cfg}
	a.closers = append(a.closers, config.InitDebugLog(cfg.DataDir()))

	a.client, err = ollama.NewClientWithHTTP(cfg.OllamaURL(), ollama.NewHTTPClient(cfg.RequestTimeout))
	if err != nil {
		a.close()
		return nil, err
	}

	a.exports, err = storage.NewExportStore(cfg.DataDir())
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.AuditEnabled {
		a.audit, err = storage.OpenAuditLog(cfg.DataDir())
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, a.audit.Close)
	}

	config.DebugLog.Info().
		Str("version", Version).
		Str("host", cfg.OllamaURL()).
		Str("model", cfg.Model()).
		Bool("audit", cfg.AuditEnabled).
		Msg("ochat starting")
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

// newAgent builds a fully wired agent for session id. It doubles as the
// session.Factory of the HTTP server.
func (a *app) newAgent(id string) (*agent.Agent, error) {
	execOpts := []executor.Option{
		executor.WithTimeouts(a.cfg.CommandTimeout, a.cfg.StreamCommandTimeout),
		executor.WithMaxHistory(a.cfg.MaxCommandHistory),
	}
	var toolOpts []tools.Option
	if a.audit != nil {
		rec := a.audit.ForSession(id)
		execOpts = append(execOpts, executor.WithRecorder(rec))
		toolOpts = append(toolOpts, tools.WithRecorder(rec))
	}

	registry := tools.NewRegistry(executor.New(execOpts...), toolOpts...)
	return agent.New(a.client, registry, agent.Settings{
		Model:        a.cfg.Model(),
		SystemPrompt: a.cfg.SystemPrompt,
		TokenBudget:  a.cfg.TokenBudget,
		Temperature:  a.cfg.Temperature,
		TopP:         a.cfg.TopP,
		ToolsEnabled: a.cfg.ToolsEnabled,
	}), nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ag, err := a.newAgent("terminal")
	if err != nil {
		return err
	}
	return ui.Run(ag, a.exports)
}
