// Package telegram exposes Telegram as an off-mesh link. Private chats are
// direct messages from a node; each group chat is a channel.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"groundwave/pkg/config"
	"groundwave/pkg/link"
	"groundwave/pkg/node"
)

const (
	linkName            = "telegram"
	nodePrefix          = "tg:"
	maxMessageLength    = 4096
	messagePreviewLimit = 240
	eventBacklog        = 64
	chatTypePrivate     = "private"
)

// Adapter bridges Telegram updates into link events.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu      sync.Mutex
	bot     *telego.Bot
	cancel  context.CancelFunc
	events  chan link.Event
	localID string
	nodes   map[string]node.Node

	groups   map[int64]int
	channels map[int]int64
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("links.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "link.telegram"),
		nodes:     make(map[string]node.Node),
		groups:    make(map[int64]int),
		channels:  make(map[int]int64),
	}, nil
}

func (a *Adapter) Name() string        { return linkName }
func (a *Adapter) MaxPayloadSize() int { return maxMessageLength }

func (a *Adapter) LocalNodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localID
}

// Connect creates the bot client and starts long polling.
func (a *Adapter) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bot != nil {
		return nil
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return &link.ConnectError{Link: linkName, Err: fmt.Errorf("initialize telegram bot: %w", err)}
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return &link.ConnectError{Link: linkName, Err: fmt.Errorf("get bot identity: %w", err)}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return &link.ConnectError{Link: linkName, Err: fmt.Errorf("start long polling: %w", err)}
	}

	events := make(chan link.Event, eventBacklog)
	a.bot = bot
	a.cancel = cancel
	a.events = events
	a.localID = nodeID(me.ID)

	go a.pump(pollCtx, bot, updates, events)

	a.log.Info("Telegram link started", "bot", me.Username)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	a.bot, a.cancel = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) Poll(ctx context.Context) <-chan link.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bot == nil {
		return link.LostStream(link.ErrNotConnected)
	}
	return link.Forward(ctx, a.events)
}

// Send delivers one message to the private chat behind frame.Destination,
// or to the group chat behind frame.Channel for broadcasts.
func (a *Adapter) Send(ctx context.Context, frame link.Frame) (link.Ack, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: link.ErrNotConnected}
	}

	chatID, err := a.chatFor(frame)
	if err != nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: err}
	}

	a.log.Info("Sending message", "chat_id", chatID, "seq", frame.Seq, "total", frame.Total, "content", previewText(frame.Text))

	sent, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), frame.Text))
	if err != nil {
		return link.Ack{}, &link.SendError{Link: linkName, Err: err}
	}
	return link.Ack{MessageID: strconv.Itoa(sent.MessageID), Confirmed: true}, nil
}

func (a *Adapter) NodeSnapshot() []node.Node {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]node.Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		out = append(out, n)
	}
	return out
}

func (a *Adapter) pump(ctx context.Context, bot *telego.Bot, updates <-chan telego.Update, events chan link.Event) {
	defer close(events)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				a.release(bot)
				select {
				case events <- link.Event{Type: link.EventLinkLost, Err: errors.New("telegram updates channel closed"), At: time.Now().UTC()}:
				default:
				}
				return
			}

			event, ok := a.toEvent(update)
			if !ok {
				continue
			}
			if event.Node.ID != "" {
				a.mu.Lock()
				a.nodes[event.Node.ID] = event.Node
				a.mu.Unlock()
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) release(bot *telego.Bot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == bot {
		a.bot = nil
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
	}
}

// toEvent converts one text update from an allowed sender into a message event.
func (a *Adapter) toEvent(update telego.Update) (link.Event, bool) {
	message := update.Message
	if message == nil {
		return link.Event{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return link.Event{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return link.Event{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return link.Event{}, false
	}

	at := time.Unix(message.Date, 0).UTC()
	if message.Date == 0 {
		at = time.Now().UTC()
	}

	sender := nodeID(message.From.ID)
	name := strings.TrimSpace(strings.Join([]string{message.From.FirstName, message.From.LastName}, " "))

	a.log.Info("Received message", "chat_id", message.Chat.ID, "sender_id", senderID, "content", previewText(content))

	frag := link.Fragment{
		NodeID:     sender,
		EnvelopeID: strconv.Itoa(update.UpdateID),
		Total:      1,
		Data:       []byte(content),
		ArrivedAt:  at,
	}
	if message.Chat.Type == "" || message.Chat.Type == chatTypePrivate {
		// A private chat id equals the user id, so replies reach the sender.
		frag.NodeID = nodeID(message.Chat.ID)
		frag.Destination = a.LocalNodeID()
		frag.Direct = true
	} else {
		frag.Channel = a.groupChannel(message.Chat.ID)
	}

	return link.Event{
		Type:     link.EventMessageReceived,
		Fragment: frag,
		Node:     node.Node{ID: frag.NodeID, LongName: name, ShortName: message.From.Username, Hardware: "telegram", Link: linkName, LastSeen: at},
		At:       at,
	}, true
}

// groupChannel returns the channel number of a group chat, assigning the next
// free one on first sight.
func (a *Adapter) groupChannel(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.groups[chatID]; ok {
		return ch
	}
	ch := len(a.groups) + 1
	a.groups[chatID] = ch
	a.channels[ch] = chatID
	return ch
}

func (a *Adapter) chatFor(frame link.Frame) (int64, error) {
	if frame.Destination != link.Broadcast {
		return parseNodeID(frame.Destination)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	chatID, ok := a.channels[frame.Channel]
	if !ok {
		return 0, fmt.Errorf("telegram channel %d has no group chat", frame.Channel)
	}
	return chatID, nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

func nodeID(chatID int64) string {
	return nodePrefix + strconv.FormatInt(chatID, 10)
}

func parseNodeID(id string) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(id), nodePrefix)
	if !ok {
		return 0, fmt.Errorf("telegram destination %q is not a chat id", id)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", id, err)
	}
	return chatID, nil
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
