package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"

	"ochat/config"
	"ochat/conversation"
	"ochat/ollama"
	"ochat/tools"
)

// turn holds the state of one Send call. run is the only driver; each step
// returns the next state.
type turn struct {
	agent    *Agent
	ctx      context.Context
	opts     SendOptions
	model    string
	options  ollama.ChatOptions
	useTools bool

	state State
	err   error

	initial  strings.Builder
	followUp strings.Builder
	final    string
	calls    []ToolCall
	results  []tools.Result

	usage     []ollama.Usage
	lastUsage ollama.Usage
	reset     bool
}

func (t *turn) run(content string) (*TurnResult, error) {
	t.commit(conversation.RoleUser, content)
	t.enter(StateSendingInitialRequest)

	for !t.state.Terminal() {
		if err := t.ctx.Err(); err != nil {
			// the first reply arrived in full but detection never ran
			if t.state == StateToolDetection && t.initial.Len() > 0 {
				t.commit(conversation.RoleAssistant, t.initial.String())
			}
			t.enter(t.fail(fmt.Errorf("turn cancelled: %w", err)))
			break
		}

		var next State
		switch t.state {
		case StateSendingInitialRequest, StateStreamingInitialResponse:
			next = t.streamInitial()
		case StateToolDetection:
			next = t.detectTools()
		case StateExecutingTools:
			next = t.executeTools()
		case StateContinuingConversation, StateStreamingFollowUp:
			next = t.streamFollowUp()
		default:
			next = t.fail(fmt.Errorf("unexpected turn state %s", t.state))
		}
		t.enter(next)
	}

	if t.state == StateFailed {
		return nil, t.err
	}
	return &TurnResult{
		Content:    t.final,
		TokenCount: t.lastUsage.Total(),
		ToolCalls:  t.results,
		Usage:      t.usage,
		Reset:      t.reset,
	}, nil
}

func (t *turn) enter(s State) {
	if s == t.state && s != StateSendingInitialRequest {
		return
	}
	t.state = s
	config.DebugLog.Debug().Str("model", t.model).Str("state", s.String()).Msg("turn state")
	if t.opts.OnState != nil {
		t.opts.OnState(s)
	}
}

func (t *turn) fail(err error) State {
	t.err = err
	return StateFailed
}

func (t *turn) emit(text string) {
	if t.opts.OnChunk != nil && text != "" {
		t.opts.OnChunk(text)
	}
}

func (t *turn) commit(role conversation.Role, content string) {
	if t.agent.conv.AddMessage(role, content) {
		t.reset = true
	}
}

// messages builds the request payload: system prompt first, then history.
func (t *turn) messages(systemPrompt string) []api.Message {
	history := t.agent.conv.History()
	msgs := make([]api.Message, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, api.Message{Role: string(conversation.RoleSystem), Content: systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

// stream sends one request and accumulates its deltas into buf, forwarding
// each delta as it arrives. The streaming state is entered on the first
// fragment.
func (t *turn) stream(req *api.ChatRequest, buf *strings.Builder, streaming State) error {
	first := true
	return t.agent.client.ChatStream(t.ctx, req, func(resp api.ChatResponse) error {
		if first {
			first = false
			t.enter(streaming)
		}
		if delta := resp.Message.Content; delta != "" {
			buf.WriteString(delta)
			t.emit(delta)
		}
		if resp.Done {
			t.lastUsage = ollama.UsageOf(resp)
			t.usage = append(t.usage, t.lastUsage)
		}
		return nil
	})
}

// abort commits whatever text arrived before err and fails the turn. Nothing
// is committed when no delta arrived.
func (t *turn) abort(partial string, err error) State {
	if partial != "" {
		t.commit(conversation.RoleAssistant, partial)
	}
	return t.fail(fmt.Errorf("failed to stream response: %w", err))
}

func (t *turn) streamInitial() State {
	systemPrompt := t.agent.conv.SystemPrompt()
	if t.useTools {
		systemPrompt = toolInstructions(systemPrompt, t.agent.registry.Definitions())
	}

	req := ollama.NewChatRequest(t.model, t.messages(systemPrompt), t.options)
	if err := t.stream(req, &t.initial, StateStreamingInitialResponse); err != nil {
		return t.abort(t.initial.String(), err)
	}
	return StateToolDetection
}

func (t *turn) detectTools() State {
	text := t.initial.String()
	t.commit(conversation.RoleAssistant, text)

	if t.useTools {
		t.calls = ExtractToolCalls(text)
	}
	if len(t.calls) == 0 {
		t.final = text
		return StateDone
	}
	return StateExecutingTools
}

// executeTools runs the calls one after another; later calls may depend on
// side effects of earlier ones.
func (t *turn) executeTools() State {
	for _, call := range t.calls {
		if err := t.ctx.Err(); err != nil {
			return t.fail(fmt.Errorf("turn cancelled: %w", err))
		}
		t.emit(progressStart(call))
		res := t.agent.registry.Execute(t.ctx, call.Name, call.Arguments)
		t.results = append(t.results, res)
		t.emit(progressResult(res))
	}
	return StateContinuingConversation
}

// streamFollowUp sends the tool results back with the plain system prompt so
// the model answers instead of calling tools again.
func (t *turn) streamFollowUp() State {
	t.commit(conversation.RoleUser, followUpPrompt(t.results))

	req := ollama.NewChatRequest(t.model, t.messages(t.agent.conv.SystemPrompt()), t.options)
	if err := t.stream(req, &t.followUp, StateStreamingFollowUp); err != nil {
		return t.abort(t.followUp.String(), err)
	}

	t.final = t.followUp.String()
	t.commit(conversation.RoleAssistant, t.final)
	return StateDone
}
