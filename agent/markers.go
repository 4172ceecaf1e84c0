package agent

import (
	"regexp"
	"strings"

	"ochat/tools"
)

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

var toolCallBody = regexp.MustCompile(`(?s)^\s*<function>(.*?)</function>\s*<arguments>(.*?)</arguments>\s*$`)

// ToolCall is a tool request found in assistant text.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Raw       string         `json:"raw"`
}

type toolCallBlock struct {
	start, end int
	name, raw  string
}

// toolCallBlocks scans text for closed tool_call blocks with a well-formed
// body. A block still open when the next one starts is skipped, so it never
// swallows the call after it.
func toolCallBlocks(text string) []toolCallBlock {
	var blocks []toolCallBlock
	i := 0
	for {
		open := strings.Index(text[i:], toolCallOpen)
		if open < 0 {
			return blocks
		}
		bodyStart := i + open + len(toolCallOpen)

		end := strings.Index(text[bodyStart:], toolCallClose)
		if end < 0 {
			return blocks
		}
		bodyEnd := bodyStart + end
		body := text[bodyStart:bodyEnd]

		if next := strings.Index(body, toolCallOpen); next >= 0 {
			i = bodyStart + next
			continue
		}
		i = bodyEnd + len(toolCallClose)

		if m := toolCallBody.FindStringSubmatch(body); m != nil {
			blocks = append(blocks, toolCallBlock{
				start: bodyStart - len(toolCallOpen),
				end:   i,
				name:  strings.TrimSpace(m[1]),
				raw:   strings.TrimSpace(m[2]),
			})
		}
	}
}

// ExtractToolCalls returns every well-formed tool_call block in text, in order
// of appearance. Arguments that are not a JSON object decode to an empty map.
func ExtractToolCalls(text string) []ToolCall {
	blocks := toolCallBlocks(text)
	if len(blocks) == 0 {
		return nil
	}

	calls := make([]ToolCall, 0, len(blocks))
	for _, b := range blocks {
		if b.name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			Name:      b.name,
			Arguments: tools.DecodeArguments(b.raw),
			Raw:       b.raw,
		})
	}
	return calls
}

// HasToolCalls reports whether text contains at least one tool_call block.
func HasToolCalls(text string) bool {
	return len(toolCallBlocks(text)) > 0
}

// StripToolCalls removes tool_call blocks from text, for display.
func StripToolCalls(text string) string {
	blocks := toolCallBlocks(text)
	if len(blocks) == 0 {
		return strings.TrimSpace(text)
	}

	var b strings.Builder
	last := 0
	for _, blk := range blocks {
		b.WriteString(text[last:blk.start])
		last = blk.end
	}
	b.WriteString(text[last:])
	return strings.TrimSpace(b.String())
}
