package ui

import (
	"time"

	"ochat/agent"
	"ochat/ollama"
)

// Message is one entry of the chat transcript as displayed. Rendered holds the
// terminal markdown of assistant replies once it is ready.
type Message struct {
	Role      string
	Content   string
	Rendered  string
	Timestamp time.Time
}

type eventKind int

const (
	eventChunk eventKind = iota
	eventState
	eventDone
)

// turnEvent is one step of a running turn as seen by the view.
type turnEvent struct {
	kind   eventKind
	chunk  string
	state  agent.State
	result *agent.TurnResult
	err    error
}

type turnEventMsg turnEvent

type markdownRenderedMsg struct {
	MessageIndex int
	Rendered     string
}

type modelsListMsg struct {
	Models []ollama.ModelInfo
	Err    error
}

type toolRunMsg struct {
	Name string
	Data any
	Err  error
}
