package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"ochat/tools"
)

// PreviewLimit caps the tool result shown inline while a turn runs.
const PreviewLimit = 500

// toolInstructions appends the tool catalogue and the call syntax to the
// system prompt.
func toolInstructions(systemPrompt string, defs []mcptypes.Tool) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}

	b.WriteString("You can use these tools on the user's machine:\n\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		for _, p := range describeParams(def.InputSchema) {
			fmt.Fprintf(&b, "    %s\n", p)
		}
	}

	b.WriteString("\nTo call a tool, reply with a block in exactly this format:\n")
	b.WriteString("<tool_call>\n<function>TOOL_NAME</function>\n<arguments>{\"param\": \"value\"}</arguments>\n</tool_call>\n\n")
	b.WriteString("Arguments must be a JSON object. You may call several tools; they run in the order written. ")
	b.WriteString("If you don't need a tool, answer directly. Don't explain how you will use a tool, just call it.")
	return b.String()
}

func describeParams(schema mcptypes.ToolInputSchema) []string {
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		typ, desc := "any", ""
		if p, ok := schema.Properties[name].(map[string]any); ok {
			if s, ok := p["type"].(string); ok {
				typ = s
			}
			desc, _ = p["description"].(string)
		}
		line := fmt.Sprintf("%s (%s", name, typ)
		if required[name] {
			line += ", required"
		}
		line += ")"
		if desc != "" {
			line += ": " + desc
		}
		lines = append(lines, line)
	}
	return lines
}

// followUpPrompt folds tool results into the user message that resumes the
// conversation.
func followUpPrompt(results []tools.Result) string {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", r.Name, r.Text())
	}
	b.WriteString("\nUsing these results, answer my previous request in plain language. Do not call any more tools.")
	return b.String()
}

func progressStart(call ToolCall) string {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	return fmt.Sprintf("\n\n🔧 %s %s\n", call.Name, args)
}

func progressResult(res tools.Result) string {
	if res.Err != nil {
		return fmt.Sprintf("❌ %v\n\n", res.Err)
	}
	return fmt.Sprintf("```\n%s\n```\n\n", Preview(res.Text(), PreviewLimit))
}

// Preview truncates s to limit characters, marking the cut.
func Preview(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "… (truncated)"
}
