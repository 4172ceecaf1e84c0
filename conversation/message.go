package conversation

import "fmt"

// Role tags a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a role string coming from outside the process.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleSystem, RoleUser, RoleAssistant:
		return r, nil
	default:
		return "", fmt.Errorf("unknown message role %q", s)
	}
}

// Message represents a chat message in the conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// notice marks the synthetic message inserted by a context reset.
	notice bool
}
