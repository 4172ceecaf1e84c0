// Package ui is the terminal chat front end.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ochat/agent"
	"ochat/config"
	"ochat/storage"
	"ochat/tools"
)

type AppView struct {
	agent   *agent.Agent
	exports *storage.ExportStore

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model

	messages []Message

	// running turn
	streaming bool
	current   string
	state     agent.State
	events    <-chan turnEvent
	cancel    context.CancelFunc

	picker *modelPicker
	status string

	width  int
	height int
	ready  bool
}

// NewAppView builds the chat view for a. exports may be nil, which disables
// /export and /import.
func NewAppView(a *agent.Agent, exports *storage.ExportStore) AppView {
	ta := textarea.New()
	ta.Placeholder = "Type your message here, or /help for commands..."
	ta.Focus()
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.SetWidth(80)

	// Enter sends, Alt+Enter inserts a newline.
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter"))
	ta.SetPromptFunc(2, func(lineIdx int) string {
		if lineIdx == 0 {
			return "> "
		}
		return "| "
	})

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = AssistantStyle

	return AppView{
		agent:    a,
		exports:  exports,
		textarea: ta,
		viewport: viewport.New(0, 0),
		spinner:  sp,
	}
}

// Run starts the full screen terminal UI and blocks until it exits.
func Run(a *agent.Agent, exports *storage.ExportStore) error {
	p := tea.NewProgram(NewAppView(a, exports), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}

func (a AppView) Init() tea.Cmd {
	return textarea.Blink
}

func (a AppView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

		// title, separator, textarea and status bar
		a.viewport.Width = a.width
		a.viewport.Height = max(a.height-6, 1)
		a.textarea.SetWidth(a.width)
		a.ready = true
		a.updateViewportContent(true)
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case spinner.TickMsg:
		if !a.streaming {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		a.updateViewportContent(false)
		return a, cmd

	case turnEventMsg:
		return a.handleTurnEvent(turnEvent(msg))

	case markdownRenderedMsg:
		if msg.MessageIndex >= 0 && msg.MessageIndex < len(a.messages) {
			a.messages[msg.MessageIndex].Rendered = msg.Rendered
			a.updateViewportContent(false)
		}
		return a, nil

	case modelsListMsg:
		if a.picker == nil {
			return a, nil
		}
		if msg.Err != nil {
			a.picker.loading = false
			a.picker.err = msg.Err
			return a, nil
		}
		a.picker.setModels(msg.Models, a.agent.Conversation().Model())
		return a, nil

	case toolRunMsg:
		a.status = ""
		if msg.Err != nil {
			a.addError(msg.Err)
		} else {
			a.addSystem(ToolStyle.Render("🔧 "+msg.Name) + "\n" + agent.Preview(tools.FormatData(msg.Data), agent.PreviewLimit))
		}
		a.updateViewportContent(true)
		return a, nil
	}

	var cmd tea.Cmd
	a.textarea, cmd = a.textarea.Update(msg)
	return a, cmd
}

func (a AppView) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.picker != nil {
		closed, chosen, cmd := a.picker.update(msg)
		if closed {
			a.picker = nil
			if chosen != "" {
				a.agent.SetModel(chosen)
				a.status = "Switched to " + chosen
			}
		}
		return a, cmd
	}

	switch msg.String() {
	case "ctrl+c":
		if a.cancel != nil {
			a.cancel()
		}
		return a, tea.Quit

	case "esc":
		if a.streaming && a.cancel != nil {
			a.cancel()
			a.status = "Cancelling..."
		}
		return a, nil

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd

	case "enter":
		if a.streaming {
			return a, nil
		}
		input := strings.TrimSpace(a.textarea.Value())
		if input == "" {
			return a, nil
		}
		a.textarea.Reset()
		a.status = ""

		if cmd, ok := parseCommand(input); ok {
			c := a.runCommand(cmd)
			a.updateViewportContent(true)
			return a, c
		}

		a.messages = append(a.messages, Message{
			Role:      "user",
			Content:   input,
			Rendered:  input,
			Timestamp: time.Now(),
		})
		cmd := a.startTurn(input)
		a.updateViewportContent(true)
		return a, tea.Batch(cmd, a.spinner.Tick)
	}

	var cmd tea.Cmd
	a.textarea, cmd = a.textarea.Update(msg)
	return a, cmd
}

// startTurn runs the turn on its own goroutine and feeds its chunks back
// through a channel, one tea.Msg per chunk.
func (a *AppView) startTurn(content string) tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan turnEvent, 64)

	a.cancel = cancel
	a.events = events
	a.streaming = true
	a.current = ""
	a.state = agent.StateSendingInitialRequest

	emit := func(ev turnEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	ag := a.agent
	go func() {
		defer close(events)
		res, err := ag.Send(ctx, content, agent.SendOptions{
			OnChunk: func(s string) { emit(turnEvent{kind: eventChunk, chunk: s}) },
			OnState: func(s agent.State) { emit(turnEvent{kind: eventState, state: s}) },
		})
		events <- turnEvent{kind: eventDone, result: res, err: err}
	}()

	return waitForEvent(events)
}

func waitForEvent(events <-chan turnEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return turnEventMsg(ev)
	}
}

func (a AppView) handleTurnEvent(ev turnEvent) (tea.Model, tea.Cmd) {
	switch ev.kind {
	case eventChunk:
		a.current += ev.chunk
		a.updateViewportContent(true)
		return a, waitForEvent(a.events)
	case eventState:
		a.state = ev.state
		return a, waitForEvent(a.events)
	}

	a.streaming = false
	a.cancel = nil
	a.events = nil
	a.status = ""

	var cmd tea.Cmd
	if text := strings.TrimSpace(a.current); text != "" {
		a.messages = append(a.messages, Message{
			Role:      "assistant",
			Content:   text,
			Timestamp: time.Now(),
		})
		cmd = renderMarkdownAsync(len(a.messages)-1, text, a.width)
	}
	a.current = ""

	if ev.err != nil {
		config.DebugLog.Error().Err(ev.err).Msg("turn failed")
		a.addError(ev.err)
	} else if ev.result != nil {
		if ev.result.Reset {
			a.addSystem("Context limit reached, the conversation was reset.")
		}
		a.status = fmt.Sprintf("Tokens: %d", ev.result.TokenCount)
	}

	a.updateViewportContent(true)
	return a, cmd
}

func (a *AppView) addSystem(text string) {
	a.messages = append(a.messages, Message{
		Role:      "system",
		Content:   text,
		Rendered:  text,
		Timestamp: time.Now(),
	})
}

func (a *AppView) addError(err error) {
	a.addSystem(ErrorStyle.Render(fmt.Sprintf("❌ Error: %v", err)))
}

func (a *AppView) updateViewportContent(gotoBottom bool) {
	if len(a.messages) == 0 && !a.streaming {
		a.viewport.SetContent(DimStyle.Render("No messages yet. Start chatting!"))
		return
	}

	var content strings.Builder
	for _, msg := range a.messages {
		content.WriteString(formatMessage(msg, a.width))
		content.WriteString("\n")
	}
	if a.streaming {
		content.WriteString(formatMessage(Message{
			Role:      "assistant",
			Content:   a.current + a.spinner.View(),
			Timestamp: time.Now(),
		}, a.width))
	}

	a.viewport.SetContent(content.String())
	if gotoBottom {
		a.viewport.GotoBottom()
	}
}

func formatMessage(msg Message, width int) string {
	timestamp := DimStyle.Render(msg.Timestamp.Format("[15:04]"))

	var role string
	switch msg.Role {
	case "user":
		role = UserStyle.Render("You")
	case "assistant":
		role = AssistantStyle.Render("Assistant")
	default:
		role = DimStyle.Render("System")
	}

	body := msg.Rendered
	if body == "" {
		body = lipgloss.NewStyle().Width(max(width-2, 10)).Render(msg.Content)
	}
	return fmt.Sprintf("%s %s:\n%s\n", timestamp, role, body)
}

func (a AppView) View() string {
	if !a.ready {
		return "Loading ochat..."
	}
	if a.picker != nil {
		return lipgloss.NewStyle().Padding(1, 2).Render(a.picker.view(a.width - 4))
	}

	conv := a.agent.Conversation()
	toolState := "tools off"
	if a.agent.ToolsEnabled() {
		toolState = "tools on"
	}
	title := TitleStyle.Render("ochat") + DimStyle.Render(" · "+conv.Model()+" · "+toolState)
	separator := BorderStyle.Render(strings.Repeat("─", a.width))

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		separator,
		a.viewport.View(),
		a.textarea.View(),
		a.statusLine(),
	)
}

func (a AppView) statusLine() string {
	if a.streaming {
		return a.spinner.View() + " " + StatusStyle.Render(a.state.String()) +
			"  " + FormatFooter("Esc", "Cancel")
	}
	if a.status != "" {
		return StatusStyle.Render(truncate(a.status, a.width))
	}
	return FormatFooter("Enter", "Send", "Alt+Enter", "Newline", "/help", "Commands", "Ctrl+C", "Quit")
}
