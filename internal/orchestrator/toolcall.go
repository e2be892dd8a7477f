package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/normanking/cortexcore/internal/safety"
)

// ToolCall is a tool invocation proposed by the model.
type ToolCall struct {
	Tool string      `json:"tool"`
	Args safety.Args `json:"args"`
}

const (
	toolOpen    = "<tool>"
	toolClose   = "</tool>"
	paramsOpen  = "<params>"
	paramsClose = "</params>"
)

// ToolsDescription renders the prompt section that teaches a model the
// text tool-call format.
func ToolsDescription(tools []safety.Tool) string {
	if len(tools) == 0 {
		return ""
	}
	sorted := append([]safety.Tool(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	var sb strings.Builder
	sb.WriteString("\n\n## Available Tools\n\n")
	sb.WriteString("To use a tool, include exactly one call in your reply using this format:\n\n")
	sb.WriteString("<tool>tool_name</tool><params>{\"param_name\": \"value\"}</params>\n\n")
	sb.WriteString("The params must be valid JSON. Only call a tool when the user asked for the change.\n\n")
	for _, t := range sorted {
		kind := "read-only"
		if t.Mutating() {
			kind = "mutating"
		}
		fmt.Fprintf(&sb, "- **%s** (%s): %s\n", t.Name(), kind, t.Description())
	}
	return sb.String()
}

// ParseToolCalls extracts every well-formed tool call and returns the
// text with all tool markup removed. Calls with missing or invalid params
// are dropped.
func ParseToolCalls(response string) ([]ToolCall, string) {
	var calls []ToolCall
	text := response

	for {
		start := strings.Index(text, toolOpen)
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], toolClose)
		if end == -1 {
			text = text[:start] + text[start+len(toolOpen):]
			continue
		}
		end += start
		name := strings.TrimSpace(text[start+len(toolOpen) : end])
		after := text[end+len(toolClose):]

		trimmed := strings.TrimLeft(after, " \t\r\n")
		if !strings.HasPrefix(trimmed, paramsOpen) {
			text = text[:start] + after
			continue
		}
		gap := len(after) - len(trimmed)
		pEnd := strings.Index(trimmed, paramsClose)
		if pEnd == -1 {
			text = text[:start] + trimmed[len(paramsOpen):]
			continue
		}
		raw := strings.TrimSpace(trimmed[len(paramsOpen):pEnd])
		rest := after[gap+pEnd+len(paramsClose):]
		text = text[:start] + rest

		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil || name == "" {
			continue
		}
		calls = append(calls, ToolCall{Tool: name, Args: safety.Args(args)})
	}
	return calls, strings.TrimSpace(text)
}
