package assistant

import (
	"strings"

	providertypes "groundwave/pkg/provider/types"
	"groundwave/pkg/session"
)

const referenceHeader = "Reference (offline encyclopedia):\n"

// promptParts are the pieces of one completion request before budgeting.
type promptParts struct {
	persona string
	live    string
	snippet string
	history []session.Turn
	turn    string
}

// assemble builds the prompt within budget characters. Prior turns go first,
// oldest before newest, then the snippet is shortened, then the current turn.
// The persona is only cut when nothing else is left to drop.
func assemble(parts promptParts, budget int) providertypes.Prompt {
	history := parts.history
	snippet := parts.snippet
	turn := parts.turn

	build := func() providertypes.Prompt {
		p := providertypes.Prompt{System: systemText(parts.persona, parts.live, snippet)}
		for _, t := range history {
			role := providertypes.RoleUser
			if t.Role == session.RoleAssistant {
				role = providertypes.RoleAssistant
			}
			p.Messages = append(p.Messages, providertypes.Message{Role: role, Content: t.Text})
		}
		p.Messages = append(p.Messages, providertypes.Message{Role: providertypes.RoleUser, Content: turn})
		return p
	}

	prompt := build()
	if budget <= 0 {
		return prompt
	}

	for prompt.Size() > budget && len(history) > 0 {
		history = history[1:]
		prompt = build()
	}

	if over := prompt.Size() - budget; over > 0 && snippet != "" {
		keep := len(snippet) - over
		if keep <= 0 {
			snippet = ""
		} else {
			snippet = truncateBytes(snippet, keep)
		}
		prompt = build()
	}

	if over := prompt.Size() - budget; over > 0 {
		keep := len(turn) - over
		if keep < 1 {
			keep = 1
		}
		turn = truncateBytes(turn, keep)
		prompt = build()
	}

	if over := prompt.Size() - budget; over > 0 {
		prompt.System = truncateBytes(prompt.System, max(len(prompt.System)-over, 0))
	}
	return prompt
}

func systemText(persona string, live string, snippet string) string {
	sections := make([]string, 0, 3)
	if persona = strings.TrimSpace(persona); persona != "" {
		sections = append(sections, persona)
	}
	if live = strings.TrimSpace(live); live != "" {
		sections = append(sections, live)
	}
	if snippet = strings.TrimSpace(snippet); snippet != "" {
		sections = append(sections, referenceHeader+snippet)
	}
	return strings.Join(sections, "\n\n")
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && limit < len(s) && !isRuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
