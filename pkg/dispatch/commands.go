package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"groundwave/pkg/assistant"
	"groundwave/pkg/bbs"
	"groundwave/pkg/session"
)

const (
	nodesListed = 10
	readWindow  = 50
)

var mailPattern = regexp.MustCompile(`^@(\S+)\s+(.+)$`)

func (d *Dispatcher) commandHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		CmdHelp:     d.handleHelp,
		CmdPing:     d.handlePing,
		CmdWeather:  d.handleWeather,
		CmdForecast: d.handleForecast,
		CmdNodes:    d.handleNodes,
		CmdAI:       d.handleAI,
		CmdBBS:      d.handleBBS,
		CmdPost:     d.handlePost,
		CmdMail:     d.handleMail,
		CmdRead:     d.handleRead,
		CmdInfo:     d.handleInfo,
		CmdClear:    d.handleClear,
	}
}

func (d *Dispatcher) handleHelp(_ context.Context, _ request) (string, error) {
	p := d.opts.CommandPrefix
	lines := []string{d.communityName(), "Commands:", p + "help - This help", p + "ping - Test connection"}
	if d.deps.Weather != nil {
		lines = append(lines, p+"wx - Current weather", p+"forecast - 3-day forecast")
	}
	if d.deps.Board != nil {
		lines = append(lines, p+"bbs - Bulletin board", p+"post <msg> - Post (@node for mail)", p+"mail - Check your mail", p+"read <n> - Read a post")
	}
	lines = append(lines, p+"nodes - List nodes", p+"info - About this mesh")
	if d.deps.Assistant != nil {
		lines = append(lines, p+"ai <msg> - Ask AI", p+"clear - Forget our chat", "DM me to chat!")
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) handlePing(_ context.Context, req request) (string, error) {
	name := req.name
	if name == "" {
		name = shortNodeID(req.env.SenderID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pong %s!", name)
	if req.env.SNR != 0 {
		fmt.Fprintf(&b, " SNR:%.1fdB", req.env.SNR)
	}
	if req.env.RSSI != 0 {
		fmt.Fprintf(&b, " RSSI:%ddBm", req.env.RSSI)
	}
	return b.String(), nil
}

func (d *Dispatcher) handleWeather(ctx context.Context, _ request) (string, error) {
	if d.deps.Weather == nil {
		return "Weather is not configured.", nil
	}
	return d.deps.Weather.Current(ctx)
}

func (d *Dispatcher) handleForecast(ctx context.Context, _ request) (string, error) {
	if d.deps.Weather == nil {
		return "Weather is not configured.", nil
	}
	return d.deps.Weather.Forecast(ctx)
}

func (d *Dispatcher) handleNodes(_ context.Context, _ request) (string, error) {
	nodes := d.deps.Nodes.Snapshot()
	if len(nodes) == 0 {
		return "No nodes discovered yet", nil
	}

	lines := []string{fmt.Sprintf("%d nodes:", len(nodes))}
	for i, n := range nodes {
		if i == nodesListed {
			lines = append(lines, fmt.Sprintf("...and %d more", len(nodes)-nodesListed))
			break
		}
		marker := "-"
		if d.deps.Nodes.Online(n) {
			marker = "+"
		}
		name := strings.TrimSpace(n.ShortName)
		if name == "" {
			name = shortNodeID(n.ID)
		}
		lines = append(lines, marker+" "+name)
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) handleAI(ctx context.Context, req request) (string, error) {
	if req.cls.Arg == "" {
		return fmt.Sprintf("Usage: %sai <your question>", d.opts.CommandPrefix), nil
	}
	return d.converse(ctx, req, req.cls.Arg)
}

func (d *Dispatcher) handleChat(ctx context.Context, req request) (string, error) {
	return d.converse(ctx, req, req.cls.Arg)
}

// converse asks the assistant and records its answer on the session. The
// user turn was already appended, so it is left out of the history passed on.
func (d *Dispatcher) converse(ctx context.Context, req request, text string) (string, error) {
	if d.deps.Assistant == nil {
		return fmt.Sprintf("AI chat is not enabled. Send %shelp for commands.", d.opts.CommandPrefix), nil
	}

	key := req.env.SessionKey()
	history := d.deps.Sessions.History(key)
	if n := len(history); n > 0 && history[n-1].Role == session.RoleUser {
		history = history[:n-1]
	}

	reply := d.deps.Assistant.Respond(ctx, assistant.Request{
		NodeID:   req.env.SenderID,
		NodeName: req.name,
		Text:     text,
		History:  history,
	})
	if !reply.Fallback {
		d.deps.Sessions.Append(key, session.RoleAssistant, reply.Text)
	}
	return reply.Text, nil
}

func (d *Dispatcher) handleBBS(ctx context.Context, req request) (string, error) {
	if d.deps.Board == nil {
		return "BBS is not enabled.", nil
	}

	board := bbs.DefaultBoard
	if arg := req.cls.Arg; arg != "" {
		board = ""
		for _, name := range d.deps.Board.Boards() {
			if strings.EqualFold(name, arg) && name != bbs.MailBoard {
				board = name
			}
		}
		if board == "" {
			return "Unknown board. Boards: " + strings.Join(d.publicBoards(), ", "), nil
		}
	}

	posts, err := d.deps.Board.Recent(ctx, board)
	if err != nil {
		return "", fmt.Errorf("list %s posts: %w", board, err)
	}

	p := d.opts.CommandPrefix
	if len(posts) == 0 {
		return fmt.Sprintf("BBS - %s: no posts yet.\n%spost <msg> to add one", board, p), nil
	}
	return fmt.Sprintf("BBS - %s\n%s\n\n%spost <msg> to add", board, bbs.FormatList(posts), p), nil
}

func (d *Dispatcher) handlePost(ctx context.Context, req request) (string, error) {
	if d.deps.Board == nil {
		return "BBS is not enabled.", nil
	}

	usage := fmt.Sprintf("Usage: %spost <message> or %spost @node <message>", d.opts.CommandPrefix, d.opts.CommandPrefix)
	arg := req.cls.Arg
	if arg == "" {
		return usage, nil
	}

	if m := mailPattern.FindStringSubmatch(arg); m != nil {
		to := mailRecipient(m[1])
		if _, err := d.deps.Board.SendMail(ctx, req.env.SenderID, req.name, to, m[2]); err != nil {
			if errors.Is(err, bbs.ErrEmptyPost) {
				return usage, nil
			}
			return "", fmt.Errorf("send mail: %w", err)
		}
		return "Mail sent to " + shortNodeID(to), nil
	}
	if strings.HasPrefix(arg, "@") {
		return usage, nil
	}

	if _, err := d.deps.Board.Post(ctx, bbs.DefaultBoard, req.env.SenderID, req.name, arg); err != nil {
		if errors.Is(err, bbs.ErrEmptyPost) {
			return usage, nil
		}
		return "", fmt.Errorf("post: %w", err)
	}
	return "Posted to BBS", nil
}

func (d *Dispatcher) handleMail(ctx context.Context, req request) (string, error) {
	if d.deps.Board == nil {
		return "BBS is not enabled.", nil
	}

	count, posts, err := d.deps.Board.Mail(ctx, req.env.SenderID)
	if err != nil {
		return "", fmt.Errorf("check mail: %w", err)
	}
	if count == 0 {
		return "No new mail", nil
	}
	return fmt.Sprintf("You have %d message(s)\n%s", count, bbs.FormatList(posts)), nil
}

func (d *Dispatcher) handleRead(ctx context.Context, req request) (string, error) {
	if d.deps.Board == nil {
		return "BBS is not enabled.", nil
	}

	usage := fmt.Sprintf("Usage: %sread <post#>", d.opts.CommandPrefix)
	n, err := strconv.Atoi(req.cls.Arg)
	if err != nil {
		return usage, nil
	}

	posts, err := d.deps.Board.All(ctx, readWindow)
	if err != nil {
		return "", fmt.Errorf("list posts: %w", err)
	}
	if n < 1 || n > len(posts) {
		return "Post not found", nil
	}

	post := posts[n-1]
	if err := d.deps.Board.MarkRead(ctx, post.ID); err != nil {
		d.log.Warn("Failed to mark post read", "post_id", post.ID, "error", err)
	}
	return bbs.FormatPost(post), nil
}

func (d *Dispatcher) handleInfo(_ context.Context, _ request) (string, error) {
	c := d.opts.Community
	lines := []string{d.communityName()}
	if desc := strings.TrimSpace(c.Description); desc != "" {
		lines = append(lines, desc)
	}
	if contact := strings.TrimSpace(c.Contact); contact != "" {
		lines = append(lines, "Contact: "+contact)
	}
	lines = append(lines, "Commands: "+d.opts.CommandPrefix+"help")
	if d.deps.Assistant != nil {
		lines = append(lines, "AI chat: DM me!")
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) handleClear(_ context.Context, req request) (string, error) {
	d.deps.Sessions.Clear(req.env.SessionKey())
	return "Conversation history cleared", nil
}

func (d *Dispatcher) communityName() string {
	if name := strings.TrimSpace(d.opts.Community.Name); name != "" {
		return name
	}
	return "Mesh gateway"
}

func (d *Dispatcher) publicBoards() []string {
	var out []string
	for _, name := range d.deps.Board.Boards() {
		if name != bbs.MailBoard {
			out = append(out, name)
		}
	}
	return out
}

// mailRecipient normalizes a bare mesh id to the !xxxxxxxx form. Ids that
// carry a link scheme (tg:123) are kept as they are.
func mailRecipient(id string) string {
	if strings.HasPrefix(id, "!") || strings.Contains(id, ":") {
		return id
	}
	return "!" + id
}

func shortNodeID(id string) string {
	if len(id) <= 9 {
		return id
	}
	return id[:9]
}
