package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/cortexcore/internal/affect"
	"github.com/normanking/cortexcore/internal/memory"
	"github.com/normanking/cortexcore/internal/safety"
)

// buildSystemPrompt conditions the base prompt on the actor's affective
// state (carried in ctx), retrieved memories and the tools the actor may
// propose.
func buildSystemPrompt(ctx context.Context, base string, memories []memory.Item, tools []safety.Tool) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))

	if st, ok := affect.FromContext(ctx); ok {
		style := affect.StyleFor(st.Posture)
		fmt.Fprintf(&sb, "\n\n## Stance\n\nPosture: %s. Be %s.", st.Posture, style.Tone)
		switch {
		case style.Verbosity < 0.45:
			sb.WriteString(" Keep replies short.")
		case style.Verbosity > 0.65:
			sb.WriteString(" Explain your reasoning where it helps.")
		}
		if style.Initiative >= 0.6 {
			sb.WriteString(" Offer concrete next steps.")
		} else if style.Initiative < 0.3 {
			sb.WriteString(" Do not act unless asked.")
		}
	}

	if len(memories) > 0 {
		sb.WriteString("\n\n## Relevant memories\n\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(m.Content))
		}
	}

	sb.WriteString(ToolsDescription(tools))
	return sb.String()
}
