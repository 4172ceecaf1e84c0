package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"ochat/config"
	"ochat/storage"
)

const helpText = `Commands:
  /clear              clear the conversation
  /export [name]      save the conversation
  /export --file [p]  write the conversation to a file (default ~/Downloads)
  /exports            list saved conversations
  /exports rm <name>  delete a saved conversation
  /import <name>      load a saved conversation
  /search <text>      search this conversation
  /tools [on|off]     toggle tool use
  /history            show tool calls
  /tool <name> [json] run a tool directly
  /models             pick a model
  /model <name>       switch model
  /copy               copy the last reply
  /quit               exit`

var errNoExports = errors.New("export storage is not available")

type slashCommand struct {
	Name string
	Arg  string
}

func parseCommand(input string) (slashCommand, bool) {
	if !strings.HasPrefix(input, "/") || len(input) == 1 {
		return slashCommand{}, false
	}
	name, arg, _ := strings.Cut(input[1:], " ")
	return slashCommand{Name: strings.ToLower(name), Arg: strings.TrimSpace(arg)}, true
}

func (a *AppView) runCommand(cmd slashCommand) tea.Cmd {
	conv := a.agent.Conversation()

	switch cmd.Name {
	case "help", "h":
		a.addSystem(helpText)

	case "clear":
		conv.Clear()
		a.messages = nil
		a.status = "Conversation cleared"

	case "export":
		if path, ok := strings.CutPrefix(cmd.Arg, "--file"); ok {
			a.exportFile(strings.TrimSpace(path))
			return nil
		}
		if a.exports == nil {
			a.addError(errNoExports)
			return nil
		}
		name, err := a.exports.Save(cmd.Arg, conv.Snapshot())
		if err != nil {
			a.addError(err)
			return nil
		}
		a.status = fmt.Sprintf("Exported to %s/%s.json", a.exports.Dir(), name)

	case "exports":
		if a.exports == nil {
			a.addError(errNoExports)
			return nil
		}
		if name, ok := strings.CutPrefix(cmd.Arg, "rm "); ok {
			name = strings.TrimSpace(name)
			if err := a.exports.Delete(name); err != nil {
				a.addError(err)
				return nil
			}
			a.status = "Deleted " + name
			return nil
		}
		list, err := a.exports.List()
		if err != nil {
			a.addError(err)
			return nil
		}
		if len(list) == 0 {
			a.addSystem("No saved conversations")
			return nil
		}
		var b strings.Builder
		b.WriteString("Saved conversations:")
		for _, e := range list {
			fmt.Fprintf(&b, "\n  %s  %s  %d messages  %s", e.Name, e.Model, e.MessageCount, e.Timestamp.Local().Format("Jan 2 15:04"))
		}
		a.addSystem(b.String())

	case "import":
		if a.exports == nil {
			a.addError(errNoExports)
			return nil
		}
		if cmd.Arg == "" {
			a.addError(errors.New("usage: /import <name>"))
			return nil
		}
		doc, err := a.exports.Load(cmd.Arg)
		if err != nil {
			a.addError(err)
			return nil
		}
		if err := conv.Restore(doc); err != nil {
			a.addError(err)
			return nil
		}
		a.status = fmt.Sprintf("Imported %d messages", len(doc.History))
		return a.loadHistory()

	case "search":
		matches := storage.SearchMessages(conv.History(), cmd.Arg)
		if len(matches) == 0 {
			a.addSystem(fmt.Sprintf("No messages match %q", cmd.Arg))
			return nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d matches:", len(matches))
		for _, m := range matches {
			fmt.Fprintf(&b, "\n  #%d %s: %s", m.MessageIndex+1, m.Role, m.Preview)
		}
		a.addSystem(b.String())

	case "tools":
		enabled := !a.agent.ToolsEnabled()
		switch strings.ToLower(cmd.Arg) {
		case "on":
			enabled = true
		case "off":
			enabled = false
		}
		a.agent.SetToolsEnabled(enabled)
		if enabled {
			a.status = "Tools enabled"
		} else {
			a.status = "Tools disabled"
		}

	case "history":
		calls := a.agent.ToolCalls()
		if len(calls) == 0 {
			a.addSystem("No tool calls yet")
			return nil
		}
		var b strings.Builder
		b.WriteString("Tool calls:")
		for _, c := range calls {
			mark := "✓"
			if !c.Success {
				mark = "✗"
			}
			fmt.Fprintf(&b, "\n  %s %s %s (%s)", mark, c.Timestamp.Local().Format("15:04:05"), c.Name, c.Duration.Round(time.Millisecond))
			if c.Error != "" {
				fmt.Fprintf(&b, ": %s", c.Error)
			}
		}
		a.addSystem(b.String())

	case "tool":
		name, args, _ := strings.Cut(cmd.Arg, " ")
		if name == "" {
			a.addError(errors.New("usage: /tool <name> [json]"))
			return nil
		}
		a.status = "Running " + name + "..."
		ag := a.agent
		return func() tea.Msg {
			data, err := ag.ExecuteTool(context.Background(), name, strings.TrimSpace(args))
			return toolRunMsg{Name: name, Data: data, Err: err}
		}

	case "models":
		a.picker = newModelPicker()
		ag := a.agent
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			models, err := ag.Models(ctx)
			return modelsListMsg{Models: models, Err: err}
		}

	case "model":
		if cmd.Arg == "" {
			a.addSystem("Current model: " + conv.Model())
			return nil
		}
		a.agent.SetModel(cmd.Arg)
		a.status = "Switched to " + cmd.Arg

	case "copy":
		last := a.lastAssistant()
		if last == "" {
			a.addError(errors.New("nothing to copy"))
			return nil
		}
		if err := clipboard.WriteAll(last); err != nil {
			a.addError(fmt.Errorf("failed to copy to clipboard: %w", err))
			return nil
		}
		a.status = "Copied last reply to clipboard"

	case "quit", "q", "exit":
		return tea.Quit

	default:
		a.addError(fmt.Errorf("unknown command /%s, type /help", cmd.Name))
	}
	return nil
}

// exportFile writes the conversation to path, or to a timestamped file in
// ~/Downloads when path is empty.
func (a *AppView) exportFile(path string) {
	conv := a.agent.Conversation()
	if path == "" {
		path = storage.GenerateExportPath(storage.DefaultName(conv.Snapshot()))
	}
	path = config.ExpandPath(path)

	data, err := conv.Export()
	if err != nil {
		a.addError(err)
		return
	}
	if err := storage.WriteFile(path, data); err != nil {
		a.addError(err)
		return
	}
	a.status = "Exported to " + path
}

// loadHistory replaces the transcript with the conversation log and schedules
// markdown rendering of assistant replies.
func (a *AppView) loadHistory() tea.Cmd {
	now := time.Now()
	a.messages = nil

	var cmds []tea.Cmd
	for _, m := range a.agent.Conversation().History() {
		msg := Message{Role: string(m.Role), Content: m.Content, Timestamp: now}
		if msg.Role != "assistant" {
			msg.Rendered = m.Content
		}
		a.messages = append(a.messages, msg)
		if msg.Role == "assistant" {
			cmds = append(cmds, renderMarkdownAsync(len(a.messages)-1, m.Content, a.width))
		}
	}
	return tea.Batch(cmds...)
}

func (a *AppView) lastAssistant() string {
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role == "assistant" {
			return a.messages[i].Content
		}
	}
	return ""
}
