package ws

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/repository"
)

type fakeChats struct {
	participants map[string][]string
}

func (f *fakeChats) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	for _, uid := range f.participants[chatID] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeChats) GetParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	return f.participants[chatID], nil
}

type fakeUsers struct{}

func (fakeUsers) GetByIDs(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	out := make(map[string]model.UserPublic, len(ids))
	for _, id := range ids {
		out[id] = model.UserPublic{ID: id, Username: "user-" + id}
	}
	return out, nil
}

type fakeWriter struct {
	created []*model.Message
	err     error
}

func (f *fakeWriter) Create(ctx context.Context, m *model.Message) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, m)
	return nil
}

func testClient(userID string) *Client {
	return &Client{
		send:   make(chan OutgoingMessage, 16),
		userID: userID,
		done:   make(chan struct{}),
	}
}

func testHub(chats *fakeChats, writer *fakeWriter) *Hub {
	return NewHub(chats, fakeUsers{}, writer, 100, nil)
}

func connect(h *Hub, c *Client) {
	h.clients[c.userID] = map[*Client]struct{}{c: {}}
	h.total++
}

func recv(t *testing.T, c *Client) OutgoingMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatal("no message in send buffer")
		return OutgoingMessage{}
	}
}

func TestHandleSendMessageBroadcasts(t *testing.T) {
	chats := &fakeChats{participants: map[string][]string{"chat-1": {"alice", "bob"}}}
	writer := &fakeWriter{}
	h := testHub(chats, writer)

	alice := testClient("alice")
	bob := testClient("bob")
	connect(h, alice)
	connect(h, bob)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type:    EventSendMessage,
		ChatID:  "chat-1",
		Content: "hello",
	})

	if len(writer.created) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(writer.created))
	}
	m := writer.created[0]
	if m.SenderID != "alice" || m.ChatID != "chat-1" || m.MessageType != model.MessageTypeText {
		t.Errorf("persisted message = %+v", m)
	}

	for _, c := range []*Client{alice, bob} {
		out := recv(t, c)
		if out.Type != EventNewMessage {
			t.Errorf("user %s got event %q, want new_message", c.userID, out.Type)
		}
	}
}

func TestHandleSendMessageWithParent(t *testing.T) {
	chats := &fakeChats{participants: map[string][]string{"chat-1": {"alice"}}}
	writer := &fakeWriter{}
	h := testHub(chats, writer)
	alice := testClient("alice")
	connect(h, alice)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type:            EventSendMessage,
		ChatID:          "chat-1",
		Content:         "reply",
		ParentMessageID: "parent-1",
	})

	if len(writer.created) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(writer.created))
	}
	if writer.created[0].ParentMessageID == nil || *writer.created[0].ParentMessageID != "parent-1" {
		t.Errorf("ParentMessageID = %v, want parent-1", writer.created[0].ParentMessageID)
	}
}

func TestHandleSendMessageRejectsNonParticipant(t *testing.T) {
	chats := &fakeChats{participants: map[string][]string{"chat-1": {"bob"}}}
	writer := &fakeWriter{}
	h := testHub(chats, writer)
	alice := testClient("alice")
	connect(h, alice)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type:    EventSendMessage,
		ChatID:  "chat-1",
		Content: "hello",
	})

	if len(writer.created) != 0 {
		t.Fatalf("persisted %d messages, want 0", len(writer.created))
	}
	out := recv(t, alice)
	if out.Type != EventError {
		t.Fatalf("got event %q, want error", out.Type)
	}
}

func TestHandleSendMessageUnknownParent(t *testing.T) {
	chats := &fakeChats{participants: map[string][]string{"chat-1": {"alice"}}}
	writer := &fakeWriter{err: repository.ErrNotFound}
	h := testHub(chats, writer)
	alice := testClient("alice")
	connect(h, alice)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type:            EventSendMessage,
		ChatID:          "chat-1",
		Content:         "reply",
		ParentMessageID: "missing",
	})

	out := recv(t, alice)
	if out.Type != EventError {
		t.Fatalf("got event %q, want error", out.Type)
	}
	if p, ok := out.Data.(ErrorPayload); !ok || p.Message != "parent message not found" {
		t.Errorf("error payload = %+v", out.Data)
	}
}

func TestHandleDirectMessage(t *testing.T) {
	h := testHub(&fakeChats{}, &fakeWriter{})
	alice := testClient("alice")
	bob := testClient("bob")
	connect(h, alice)
	connect(h, bob)

	h.HandleMessage(context.Background(), alice, IncomingMessage{
		Type:        EventDirectMessage,
		RecipientID: "bob",
		Content:     "psst",
	})

	for _, c := range []*Client{bob, alice} {
		out := recv(t, c)
		if out.Type != EventNewDirectMessage {
			t.Fatalf("user %s got event %q, want new_direct_message", c.userID, out.Type)
		}
		p, ok := out.Data.(DirectMessagePayload)
		if !ok || p.SenderID != "alice" || p.RecipientID != "bob" || p.Content != "psst" {
			t.Errorf("payload = %+v", out.Data)
		}
	}
}

func TestHandleUnknownEvent(t *testing.T) {
	h := testHub(&fakeChats{}, &fakeWriter{})
	alice := testClient("alice")
	connect(h, alice)

	h.HandleMessage(context.Background(), alice, IncomingMessage{Type: "dance"})

	out := recv(t, alice)
	if out.Type != EventError {
		t.Errorf("got event %q, want error", out.Type)
	}
}

func TestPreviewBodyKeepsRunesWhole(t *testing.T) {
	if got := previewBody("short"); got != "short" {
		t.Errorf("previewBody(short) = %q", got)
	}

	long := strings.Repeat("a", 200)
	got := previewBody(long)
	if got != long[:117]+"..." || len(got) != 120 {
		t.Errorf("ascii preview = %q (len %d)", got, len(got))
	}

	// 117 bytes falls inside a multibyte sequence here; the cut must back up
	// to the rune boundary instead of emitting a mangled tail.
	multi := strings.Repeat("ж", 100) // 2 bytes each
	got = previewBody(multi)
	if !utf8.ValidString(got) {
		t.Fatalf("preview is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") || len(got) > 120 {
		t.Errorf("preview = %q (len %d)", got, len(got))
	}
}

func TestBroadcastSkipsDisconnected(t *testing.T) {
	chats := &fakeChats{participants: map[string][]string{"chat-1": {"alice", "ghost"}}}
	h := testHub(chats, &fakeWriter{})
	alice := testClient("alice")
	connect(h, alice)

	h.BroadcastToChat(context.Background(), "chat-1", OutgoingMessage{Type: EventChatUpdated, Data: ChatEventPayload{ChatID: "chat-1"}})

	out := recv(t, alice)
	if out.Type != EventChatUpdated {
		t.Errorf("got event %q, want chat_updated", out.Type)
	}
}
