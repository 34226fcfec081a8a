// Package prune keeps a conversation under a token budget.
//
// Pruning runs in fixed stages, each tried only while the history is still
// over budget: old terminal output is dropped, then large tool results, then
// whole messages are replaced by a placeholder. Messages flagged
// keepDuringTruncation survive every stage.
package prune

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jeanpaul/relay/internal/types"
)

const (
	// TemplateID is the agent type of the pruner.
	TemplateID = "context-pruner"

	// Placeholder replaces runs of deleted messages.
	Placeholder = "Previous message(s) omitted due to length"

	DefaultMaxContextTokens       = 200000
	DefaultTerminalCommandsToKeep = 5

	inlineSpawnTool     = "spawn_agent_inline"
	terminalTool        = "run_terminal_command"
	largeResultLength   = 1000
	shortenedTokenRatio = 0.5
)

var (
	terminalResultRe = regexp.MustCompile(`<tool_result>\s*<tool>run_terminal_command</tool>\s*<result>[\s\S]*?</result>\s*</tool_result>`)
	resultRe         = regexp.MustCompile(`<result>[\s\S]*?</result>`)

	replacement = types.Message{Role: types.RoleUser, Content: Placeholder}
)

const (
	omittedTerminal = "<tool_result><tool>run_terminal_command</tool><result>[Output omitted]</result></tool_result>"
	omittedLarge    = "<result>[Large tool result omitted]</result>"
)

type Options struct {
	MaxContextTokens       int
	TerminalCommandsToKeep int
}

func (o Options) withDefaults() Options {
	if o.MaxContextTokens <= 0 {
		o.MaxContextTokens = DefaultMaxContextTokens
	}
	if o.TerminalCommandsToKeep <= 0 {
		o.TerminalCommandsToKeep = DefaultTerminalCommandsToKeep
	}
	return o
}

// CountTokens estimates tokens as a third of the JSON length, rounded up.
func CountTokens(v any) int {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return 0
	}
	n := len(bytes.TrimRight(buf.Bytes(), "\n"))
	return (n + 2) / 3
}

// Prune returns msgs reduced to fit opts.MaxContextTokens. The input slice
// is not modified.
func Prune(msgs []types.Message, opts Options) []types.Message {
	opts = opts.withDefaults()
	max := opts.MaxContextTokens

	out := stripSelfSpawn(msgs)
	if CountTokens(out) < max {
		return out
	}

	out = dropOldTerminalOutput(out, opts.TerminalCommandsToKeep)
	if CountTokens(out) < max {
		return out
	}

	out = dropLargeResults(out)
	if CountTokens(out) < max {
		return out
	}

	return collapsePlaceholders(dropMessages(out, max))
}

// stripSelfSpawn removes a trailing assistant message that spawned the pruner.
func stripSelfSpawn(msgs []types.Message) []types.Message {
	out := append([]types.Message(nil), msgs...)
	if len(out) == 0 {
		return out
	}
	last := out[len(out)-1]
	if last.Role == types.RoleAssistant && spawnsPruner(last) {
		out = out[:len(out)-1]
	}
	return out
}

func spawnsPruner(m types.Message) bool {
	for _, tc := range m.ToolCalls {
		if tc.Name != inlineSpawnTool {
			continue
		}
		var args struct {
			AgentType string `json:"agent_type"`
		}
		if json.Unmarshal([]byte(tc.Args), &args) == nil && args.AgentType == TemplateID {
			return true
		}
	}
	return false
}

// dropOldTerminalOutput keeps the newest keep terminal results verbatim and
// replaces the output of older ones.
func dropOldTerminalOutput(msgs []types.Message, keep int) []types.Message {
	out := make([]types.Message, len(msgs))
	kept := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if strings.Contains(m.Content, "<tool>"+terminalTool+"</tool>") {
			if kept < keep {
				kept++
			} else {
				m.Content = terminalResultRe.ReplaceAllLiteralString(m.Content, omittedTerminal)
			}
		}
		out[i] = m
	}
	return out
}

func dropLargeResults(msgs []types.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		if strings.Contains(m.Content, "<tool_result>") && len(m.Content) > largeResultLength {
			m.Content = resultRe.ReplaceAllLiteralString(m.Content, omittedLarge)
		}
		out[i] = m
	}
	return out
}

// dropMessages replaces old messages with placeholders, oldest first, until
// the removed share of the budget is reached. Each inserted placeholder's own
// cost is credited back against the removed count.
func dropMessages(msgs []types.Message, max int) []types.Message {
	required := []types.Message{}
	for _, m := range msgs {
		if m.KeepDuringTruncation {
			required = append(required, m)
		}
	}
	tokensToRemove := float64(max-CountTokens(required)) * (1 - shortenedTokenRatio)
	replacementTokens := CountTokens(replacement)

	out := make([]types.Message, 0, len(msgs))
	lastIsPlaceholder := false
	removed := 0
	for _, m := range msgs {
		if float64(removed) >= tokensToRemove || m.KeepDuringTruncation {
			out = append(out, m)
			lastIsPlaceholder = false
			continue
		}
		removed += CountTokens(m)
		if !lastIsPlaceholder {
			out = append(out, replacement)
			lastIsPlaceholder = true
			removed -= replacementTokens
		}
	}
	return out
}

func isPlaceholder(m types.Message) bool {
	return m.Role == types.RoleUser && m.Content == Placeholder && len(m.ToolCalls) == 0
}

// collapsePlaceholders merges adjacent placeholders, including ones left by
// an earlier pruning pass.
func collapsePlaceholders(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if isPlaceholder(m) && !m.KeepDuringTruncation && len(out) > 0 && isPlaceholder(out[len(out)-1]) {
			continue
		}
		out = append(out, m)
	}
	return out
}
