package spawn

import (
	"encoding/json"
	"fmt"

	"github.com/jeanpaul/relay/internal/types"
)

const noResponse = "No response from agent"

// Report renders a finished child according to its template's output mode.
// When seeded is set the first history message is the caller's history and
// is left out of all_messages reports.
func Report(tmpl *types.AgentTemplate, state *types.AgentState, seeded bool) (string, error) {
	switch tmpl.OutputMode {
	case types.OutputStructured:
		return marshal(state.Output())
	case types.OutputAllMessages:
		msgs := state.MessageHistory.Messages()
		if seeded && len(msgs) > 0 {
			msgs = msgs[1:]
		}
		return marshal(msgs)
	default:
		if m, ok := state.MessageHistory.LastAssistant(); ok && m.Content != "" {
			return m.Content, nil
		}
		return noResponse, nil
	}
}

func marshal(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return string(b), nil
}

func wrapReport(agentType, body string) string {
	return fmt.Sprintf("<agent_report><agent_type>%s</agent_type><response>%s</response></agent_report>", agentType, body)
}

func errorReport(agentType string, err error) string {
	return wrapReport(agentType, "Error spawning agent: "+err.Error())
}
