package telegram

import (
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"groundwave/pkg/config"
	"groundwave/pkg/link"
)

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestNodeIDRoundTrip(t *testing.T) {
	id := nodeID(-100123)
	if id != "tg:-100123" {
		t.Fatalf("nodeID = %q, want %q", id, "tg:-100123")
	}

	chatID, err := parseNodeID(id)
	if err != nil {
		t.Fatalf("parseNodeID error: %v", err)
	}
	if chatID != -100123 {
		t.Fatalf("chatID = %d, want -100123", chatID)
	}

	if _, err := parseNodeID("!a1b2c3d4"); err == nil {
		t.Fatal("expected error for mesh node id")
	}
	if _, err := parseNodeID(link.Broadcast); err == nil {
		t.Fatal("expected error for broadcast destination")
	}
}

func TestToEventFiltersAndNormalizes(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: "123:abc", AllowFrom: []string{"7"}}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	update := telego.Update{
		UpdateID: 55,
		Message: &telego.Message{
			Date: 1767225600,
			Text: "  !ping ",
			Chat: telego.Chat{ID: 99, Type: "private"},
			From: &telego.User{ID: 7, FirstName: "Ada", Username: "ada"},
		},
	}

	event, ok := adapter.toEvent(update)
	if !ok {
		t.Fatal("expected event")
	}
	if event.Type != link.EventMessageReceived {
		t.Fatalf("type = %q, want %q", event.Type, link.EventMessageReceived)
	}
	if event.Fragment.NodeID != "tg:99" || !event.Fragment.Direct {
		t.Fatalf("fragment = %+v, want direct from tg:99", event.Fragment)
	}
	if string(event.Fragment.Data) != "!ping" {
		t.Fatalf("data = %q, want %q", event.Fragment.Data, "!ping")
	}
	if event.Node.LongName != "Ada" {
		t.Fatalf("node long name = %q, want %q", event.Node.LongName, "Ada")
	}

	update.Message.From.ID = 8
	if _, ok := adapter.toEvent(update); ok {
		t.Fatal("expected unauthorized sender to be ignored")
	}

	update.Message.From.ID = 7
	update.Message.Text = "   "
	if _, ok := adapter.toEvent(update); ok {
		t.Fatal("expected empty text to be ignored")
	}
}

func TestGroupMessagesAreChannelTraffic(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: "123:abc"}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	message := func(updateID int, chatID int64, userID int64) telego.Update {
		return telego.Update{
			UpdateID: updateID,
			Message: &telego.Message{
				Text: "what's the repeater on the ridge?",
				Chat: telego.Chat{ID: chatID, Type: "supergroup"},
				From: &telego.User{ID: userID, FirstName: "Member"},
			},
		}
	}

	first, ok := adapter.toEvent(message(1, -1001, 7))
	if !ok {
		t.Fatal("expected event")
	}
	if first.Fragment.Direct {
		t.Fatal("group message must not be direct")
	}
	if first.Fragment.NodeID != "tg:7" || first.Fragment.Destination != link.Broadcast {
		t.Fatalf("fragment = %+v, want broadcast from tg:7", first.Fragment)
	}

	second, _ := adapter.toEvent(message(2, -1001, 8))
	if second.Fragment.NodeID != "tg:8" {
		t.Fatalf("members must not share a node id, got %q", second.Fragment.NodeID)
	}
	if second.Fragment.Channel != first.Fragment.Channel {
		t.Fatalf("same group mapped to channels %d and %d", first.Fragment.Channel, second.Fragment.Channel)
	}

	other, _ := adapter.toEvent(message(3, -1002, 7))
	if other.Fragment.Channel == first.Fragment.Channel {
		t.Fatal("different groups must map to different channels")
	}

	chatID, err := adapter.chatFor(link.Frame{Destination: link.Broadcast, Channel: first.Fragment.Channel})
	if err != nil || chatID != -1001 {
		t.Fatalf("chatFor broadcast = %d, %v, want -1001", chatID, err)
	}
	chatID, err = adapter.chatFor(link.Frame{Destination: "tg:7"})
	if err != nil || chatID != 7 {
		t.Fatalf("chatFor direct = %d, %v, want 7", chatID, err)
	}
	if _, err := adapter.chatFor(link.Frame{Destination: link.Broadcast, Channel: 42}); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{}, nil); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}
