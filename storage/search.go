package storage

import (
	"strings"

	"ochat/conversation"
)

type MessageMatch struct {
	Export       string `json:"export"`
	MessageIndex int    `json:"messageIndex"`
	Role         string `json:"role"`
	Preview      string `json:"preview"`
}

// SearchMessages returns case-insensitive substring matches in history,
// skipping system messages.
func SearchMessages(history []conversation.Message, query string) []MessageMatch {
	if query == "" {
		return []MessageMatch{}
	}

	queryLower := strings.ToLower(query)
	var matches []MessageMatch

	for i, msg := range history {
		if msg.Role == conversation.RoleSystem {
			continue
		}
		if !strings.Contains(strings.ToLower(msg.Content), queryLower) {
			continue
		}

		preview := msg.Content
		if runes := []rune(preview); len(runes) > 100 {
			preview = string(runes[:100]) + "..."
		}
		matches = append(matches, MessageMatch{
			MessageIndex: i,
			Role:         string(msg.Role),
			Preview:      preview,
		})
	}
	return matches
}

// Search runs SearchMessages over every saved export.
func (s *ExportStore) Search(query string) ([]MessageMatch, error) {
	if query == "" {
		return []MessageMatch{}, nil
	}

	exports, err := s.List()
	if err != nil {
		return nil, err
	}

	var matches []MessageMatch
	for _, meta := range exports {
		doc, err := s.Load(meta.Name)
		if err != nil {
			continue
		}
		for _, m := range SearchMessages(doc.History, query) {
			m.Export = meta.Name
			matches = append(matches, m)
		}
	}
	return matches, nil
}
