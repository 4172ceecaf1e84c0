// Package agent drives chat turns against the inference server, including the
// tool_call round trip: stream a reply, run any tools it asks for, then stream
// a second reply built from their results.
package agent

import (
	"context"
	"errors"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/ollama/ollama/api"

	"ochat/conversation"
	"ochat/ollama"
	"ochat/tools"
)

// ErrTurnInProgress is returned by Send while another turn of the same agent
// is running.
var ErrTurnInProgress = errors.New("a turn is already in progress for this session")

// ChatClient is the part of the inference client an Agent needs.
type ChatClient interface {
	ChatStream(ctx context.Context, req *api.ChatRequest, fn ollama.FragmentFunc) error
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
}

type Settings struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"systemPrompt"`
	TokenBudget  int     `json:"tokenBudget"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"topP"`
	ToolsEnabled bool    `json:"toolsEnabled"`
}

type Agent struct {
	client   ChatClient
	registry *tools.Registry
	conv     *conversation.Conversation

	mu           sync.RWMutex
	temperature  float64
	topP         float64
	toolsEnabled bool

	turn sync.Mutex
}

func New(client ChatClient, registry *tools.Registry, s Settings) *Agent {
	return &Agent{
		client:       client,
		registry:     registry,
		conv:         conversation.New(s.Model, s.SystemPrompt, s.TokenBudget),
		temperature:  s.Temperature,
		topP:         s.TopP,
		toolsEnabled: s.ToolsEnabled,
	}
}

func (a *Agent) Conversation() *conversation.Conversation {
	return a.conv
}

func (a *Agent) Settings() Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Settings{
		Model:        a.conv.Model(),
		SystemPrompt: a.conv.SystemPrompt(),
		TokenBudget:  a.conv.TokenBudget(),
		Temperature:  a.temperature,
		TopP:         a.topP,
		ToolsEnabled: a.toolsEnabled,
	}
}

func (a *Agent) SetModel(model string) {
	a.conv.SetModel(model)
}

func (a *Agent) SetSampling(temperature, topP float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.temperature = temperature
	a.topP = topP
}

func (a *Agent) ToolsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.toolsEnabled
}

func (a *Agent) SetToolsEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolsEnabled = enabled
}

// Tools returns the definitions the model sees, or nil when tools are off.
func (a *Agent) Tools() []mcptypes.Tool {
	if !a.ToolsEnabled() {
		return nil
	}
	return a.registry.Definitions()
}

// ToolCalls returns the tool call history of this agent.
func (a *Agent) ToolCalls() []tools.CallRecord {
	return a.registry.History()
}

// ExecuteTool runs a tool directly, outside of any turn.
func (a *Agent) ExecuteTool(ctx context.Context, name string, args any) (any, error) {
	return a.registry.Dispatch(ctx, name, args)
}

func (a *Agent) Models(ctx context.Context) ([]ollama.ModelInfo, error) {
	return a.client.ListModels(ctx)
}

func (a *Agent) chatOptions() ollama.ChatOptions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return ollama.ChatOptions{Temperature: a.temperature, TopP: a.topP}
}

type SendOptions struct {
	// OnChunk receives streamed text and tool progress markers as they arrive.
	OnChunk func(string)
	// OnState is called on every state transition.
	OnState func(State)
	// SkipTools leaves tool calls in the reply unexecuted for this turn.
	SkipTools bool
}

type TurnResult struct {
	// Content is the assistant text that ended the turn.
	Content string `json:"content"`
	// TokenCount is prompt_eval_count + eval_count of the request that ended
	// the turn. Usage of an earlier request in the same turn is not included.
	TokenCount int            `json:"tokenCount"`
	ToolCalls  []tools.Result `json:"-"`
	Usage      []ollama.Usage `json:"usage"`
	// Reset reports that the conversation was truncated during the turn.
	Reset bool `json:"contextReset"`
}

// Send runs one turn. It fails fast with ErrTurnInProgress if another turn of
// this agent has not finished.
func (a *Agent) Send(ctx context.Context, content string, opts SendOptions) (*TurnResult, error) {
	if !a.turn.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer a.turn.Unlock()

	t := &turn{
		agent:    a,
		ctx:      ctx,
		opts:     opts,
		model:    a.conv.Model(),
		options:  a.chatOptions(),
		useTools: a.ToolsEnabled() && !opts.SkipTools,
	}
	return t.run(content)
}
