package dispatch

import (
	"strings"
	"unicode"
)

// Kind is how an envelope is routed.
type Kind int

const (
	KindIgnore Kind = iota
	KindCommand
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindChat:
		return "chat"
	default:
		return "ignored"
	}
}

// Command names.
const (
	CmdHelp     = "help"
	CmdPing     = "ping"
	CmdWeather  = "wx"
	CmdForecast = "forecast"
	CmdNodes    = "nodes"
	CmdAI       = "ai"
	CmdBBS      = "bbs"
	CmdPost     = "post"
	CmdMail     = "mail"
	CmdRead     = "read"
	CmdInfo     = "info"
	CmdClear    = "clear"
)

var commandTable = map[string]string{
	"help":     CmdHelp,
	"ping":     CmdPing,
	"wx":       CmdWeather,
	"weather":  CmdWeather,
	"forecast": CmdForecast,
	"nodes":    CmdNodes,
	"ai":       CmdAI,
	"ask":      CmdAI,
	"bbs":      CmdBBS,
	"post":     CmdPost,
	"mail":     CmdMail,
	"read":     CmdRead,
	"info":     CmdInfo,
	"clear":    CmdClear,
}

// Classification is the parsed intent of one envelope.
type Classification struct {
	Kind    Kind
	Command string
	Arg     string
	// Unknown holds the command word when it matched nothing and help is sent instead.
	Unknown string
}

// Classify parses text. Prefixed text is a command looked up literally in the
// command table. Other direct text is chat and other broadcast text is ignored.
func Classify(text string, prefix string, direct bool) Classification {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{Kind: KindIgnore}
	}

	if prefix != "" && strings.HasPrefix(text, prefix) {
		rest := strings.TrimSpace(text[len(prefix):])
		if rest == "" {
			return Classification{Kind: KindIgnore}
		}

		word, arg := rest, ""
		if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
			word, arg = rest[:i], strings.TrimSpace(rest[i:])
		}
		word = strings.ToLower(word)

		if name, ok := commandTable[word]; ok {
			return Classification{Kind: KindCommand, Command: name, Arg: arg}
		}
		return Classification{Kind: KindCommand, Command: CmdHelp, Unknown: word}
	}

	if direct {
		return Classification{Kind: KindChat, Arg: text}
	}
	return Classification{Kind: KindIgnore}
}
