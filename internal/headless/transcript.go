package headless

import (
	"fmt"
	"os"
	"strings"

	"github.com/jeanpaul/relay/internal/types"
)

// Transcript renders a history as markdown. System messages are skipped.
func Transcript(sessionID string, tmpl *types.AgentTemplate, msgs []types.Message) string {
	name := "Assistant"
	if tmpl != nil {
		name = tmpl.Name()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Relay session %s\n\n", sessionID)
	for _, m := range msgs {
		switch {
		case m.Role == types.RoleSystem:
			continue
		case m.ToolCallID != "":
			sb.WriteString("## Tool Result\n")
		case m.Role == types.RoleUser:
			sb.WriteString("## User\n")
		case m.Role == types.RoleAssistant:
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			sb.WriteString("## " + name + "\n")
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "`%s(%s)`\n", tc.Name, tc.Args)
			}
		}
		if m.Content != "" {
			sb.WriteString(m.Content + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// WriteTranscript writes Transcript to path.
func WriteTranscript(path, sessionID string, tmpl *types.AgentTemplate, msgs []types.Message) error {
	return os.WriteFile(path, []byte(Transcript(sessionID, tmpl, msgs)), 0o644)
}
