package assistant

import (
	"strings"

	"groundwave/pkg/session"
)

// Route is where a chat turn goes first.
type Route int

const (
	RouteChat Route = iota
	RouteLookup
)

func (r Route) String() string {
	if r == RouteLookup {
		return "lookup"
	}
	return "chat"
}

var (
	questionLeads = []string{"what", "who", "where", "when", "why", "how", "which"}
	factLeads     = []string{"define ", "explain ", "tell me about ", "describe ", "history of ", "meaning of "}
	followUpLeads = []string{"and ", "what about ", "how about ", "also ", "more about ", "why is that", "tell me more"}
	smallTalk     = []string{
		"how are you", "how r u", "how's it going", "hows it going", "what's up", "whats up", "who are you",
		"what are you", "what can you do", "how do you work", "what's new", "whats new",
	}
)

// Decide classifies turn as a factual lookup or conversation. It only looks
// at the text of turn and of the prior user turns in history, so the same
// input always yields the same route.
func Decide(turn string, history []session.Turn) Route {
	text := normalize(turn)
	if text == "" || isSmallTalk(text) {
		return RouteChat
	}
	if isFactual(text) {
		return RouteLookup
	}

	if isFollowUp(text) {
		if prev, ok := previousUserTurn(history); ok && isFactual(normalize(prev)) {
			return RouteLookup
		}
	}
	return RouteChat
}

func isFactual(text string) bool {
	if isSmallTalk(text) {
		return false
	}
	for _, lead := range factLeads {
		if strings.HasPrefix(text, lead) {
			return true
		}
	}

	first, _, _ := strings.Cut(text, " ")
	first = strings.TrimSuffix(strings.TrimSuffix(first, "'s"), "’s")
	for _, lead := range questionLeads {
		if first == lead && strings.Contains(text, " ") {
			return true
		}
	}

	return strings.HasSuffix(text, "?") && len(strings.Fields(text)) >= 3
}

func isFollowUp(text string) bool {
	if len(strings.Fields(text)) > 8 {
		return false
	}
	for _, lead := range followUpLeads {
		if strings.HasPrefix(text, lead) || text == strings.TrimSpace(lead) {
			return true
		}
	}
	return false
}

func isSmallTalk(text string) bool {
	trimmed := strings.TrimRight(text, "?!. ")
	for _, phrase := range smallTalk {
		if trimmed == phrase || strings.HasPrefix(trimmed, phrase+" ") {
			return true
		}
	}
	return false
}

func previousUserTurn(history []session.Turn) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i].Text, true
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
