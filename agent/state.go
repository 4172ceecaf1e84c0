package agent

// State is a step of a turn. A turn always ends in StateDone or StateFailed.
type State int

const (
	StateSendingInitialRequest State = iota
	StateStreamingInitialResponse
	StateToolDetection
	StateExecutingTools
	StateContinuingConversation
	StateStreamingFollowUp
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateSendingInitialRequest:    "sending_initial_request",
	StateStreamingInitialResponse: "streaming_initial_response",
	StateToolDetection:            "tool_detection",
	StateExecutingTools:           "executing_tools",
	StateContinuingConversation:   "continuing_conversation",
	StateStreamingFollowUp:        "streaming_follow_up",
	StateDone:                     "done",
	StateFailed:                   "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
