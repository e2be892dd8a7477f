package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcore/internal/safety"
)

func TestParseToolCalls(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		calls []ToolCall
		text  string
	}{
		{
			name: "no markup",
			in:   "  just words ",
			text: "just words",
		},
		{
			name:  "single call",
			in:    `Saving it now. <tool>write_resource</tool><params>{"id":"notes/a","content":"hi"}</params> Done.`,
			calls: []ToolCall{{Tool: "write_resource", Args: safety.Args{"id": "notes/a", "content": "hi"}}},
			text:  "Saving it now.  Done.",
		},
		{
			name:  "whitespace between tags",
			in:    "<tool> read_resource </tool>\n<params>{\"id\":\"x\"}</params>",
			calls: []ToolCall{{Tool: "read_resource", Args: safety.Args{"id": "x"}}},
		},
		{
			name: "invalid json dropped",
			in:   `A <tool>write_resource</tool><params>{nope}</params>B`,
			text: "A B",
		},
		{
			name: "missing params dropped",
			in:   `A <tool>list_resources</tool> B`,
			text: "A  B",
		},
		{
			name: "unterminated tool tag",
			in:   `A <tool>oops`,
			text: "A oops",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls, text := ParseToolCalls(tc.in)
			assert.Equal(t, tc.calls, calls)
			assert.Equal(t, tc.text, text)
		})
	}
}

func TestToolsDescription(t *testing.T) {
	assert.Empty(t, ToolsDescription(nil))

	desc := ToolsDescription(safety.ResourceTools(nil))
	require.Contains(t, desc, "<tool>tool_name</tool>")
	assert.Contains(t, desc, "**write_resource** (mutating)")
	assert.Contains(t, desc, "**read_resource** (read-only)")
}
