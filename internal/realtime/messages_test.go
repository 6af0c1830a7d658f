package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/transport"
)

type messagesFixture struct {
	rm     *RoomMessages
	subs   *SubscriptionManager
	client *fakeClient
	store  *MemoryStore
	errlog *ErrorLog

	mu       sync.Mutex
	received []models.Message
	updated  []models.Message
	deleted  []uuid.UUID
}

func newMessagesFixture(t *testing.T, selfID uuid.UUID, members []uuid.UUID) *messagesFixture {
	t.Helper()
	clock := newFakeClock()
	client := newFakeClient()
	errlog := NewErrorLog(clock, 20, nil)
	subs := NewSubscriptionManager(clock, client, errlog, nil)
	store := NewMemoryStore(nil)

	f := &messagesFixture{subs: subs, client: client, store: store, errlog: errlog}
	f.rm = NewRoomMessages(errlog, nil, subs, store, "public", "messages", selfID, func(uuid.UUID) []uuid.UUID {
		return members
	})
	f.rm.SetCallbacks(MessageCallbacks{
		OnMessageReceived: func(m models.Message) {
			f.mu.Lock()
			f.received = append(f.received, m)
			f.mu.Unlock()
		},
		OnMessageUpdated: func(m models.Message) {
			f.mu.Lock()
			f.updated = append(f.updated, m)
			f.mu.Unlock()
		},
		OnMessageDeleted: func(messageID, _ uuid.UUID) {
			f.mu.Lock()
			f.deleted = append(f.deleted, messageID)
			f.mu.Unlock()
		},
	})
	return f
}

func messageRow(id, roomID, senderID uuid.UUID, content string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id.String(),
		"room_id":    roomID.String(),
		"sender_id":  senderID.String(),
		"content":    content,
		"created_at": time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		"updated_at": time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
}

func TestRoomMessagesInsertInvalidatesUnread(t *testing.T) {
	self := uuid.New()
	sender := uuid.New()
	other := uuid.New()
	roomID := uuid.New()
	f := newMessagesFixture(t, self, []uuid.UUID{self, sender, other})

	if err := f.rm.SetRoom(roomID); err != nil {
		t.Fatal(err)
	}
	ch := f.client.lastChannel()
	if ch == nil {
		t.Fatal("no channel opened for the room")
	}
	if want := "room:" + roomID.String() + ":messages"; ch.Topic() != want {
		t.Errorf("channel topic = %s, want %s", ch.Topic(), want)
	}
	if len(ch.pgFilters) != 1 || ch.pgFilters[0].Filter != "room_id=eq."+roomID.String() {
		t.Errorf("filters = %+v, want one room_id filter", ch.pgFilters)
	}

	// seed unread counters so invalidation is observable
	for _, id := range []uuid.UUID{self, sender, other} {
		f.store.Set(UnreadCountKey(id, roomID), 0)
	}

	msgID := uuid.New()
	ch.fireChange(transport.PostgresChange{
		EventType: transport.ChangeInsert,
		New:       messageRow(msgID, roomID, sender, "hello"),
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) != 1 || f.received[0].ID != msgID || f.received[0].Content != "hello" {
		t.Fatalf("received = %+v, want the decoded message", f.received)
	}
	// every member except the sender goes stale
	if !f.store.IsStale(UnreadCountKey(self, roomID)) || !f.store.IsStale(UnreadCountKey(other, roomID)) {
		t.Error("recipients' unread counters should be invalidated")
	}
	if f.store.IsStale(UnreadCountKey(sender, roomID)) {
		t.Error("sender's unread counter must not be invalidated")
	}
}

func TestRoomMessagesUpdateAndDelete(t *testing.T) {
	roomID := uuid.New()
	f := newMessagesFixture(t, uuid.New(), nil)
	if err := f.rm.SetRoom(roomID); err != nil {
		t.Fatal(err)
	}
	ch := f.client.lastChannel()

	msgID := uuid.New()
	ch.fireChange(transport.PostgresChange{
		EventType: transport.ChangeUpdate,
		New:       messageRow(msgID, roomID, uuid.New(), "edited"),
	})
	ch.fireChange(transport.PostgresChange{
		EventType: transport.ChangeDelete,
		Old:       map[string]interface{}{"id": msgID.String()},
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updated) != 1 || f.updated[0].Content != "edited" {
		t.Errorf("updated = %+v, want the edited message", f.updated)
	}
	if len(f.deleted) != 1 || f.deleted[0] != msgID {
		t.Errorf("deleted = %v, want [%s]", f.deleted, msgID)
	}
}

func TestRoomMessagesSwitchDropsOldRoomEvents(t *testing.T) {
	roomA := uuid.New()
	roomB := uuid.New()
	f := newMessagesFixture(t, uuid.New(), nil)

	if err := f.rm.SetRoom(roomA); err != nil {
		t.Fatal(err)
	}
	chA := f.client.lastChannel()
	if err := f.rm.SetRoom(roomB); err != nil {
		t.Fatal(err)
	}
	chB := f.client.lastChannel()
	if chA == chB {
		t.Fatal("room switch should open a fresh channel")
	}
	if got := f.rm.RoomID(); got != roomB {
		t.Fatalf("RoomID = %s, want %s", got, roomB)
	}

	// a straggler from the old room's channel is dropped
	chA.fireChange(transport.PostgresChange{
		EventType: transport.ChangeInsert,
		New:       messageRow(uuid.New(), roomA, uuid.New(), "stale"),
	})
	chB.fireChange(transport.PostgresChange{
		EventType: transport.ChangeInsert,
		New:       messageRow(uuid.New(), roomB, uuid.New(), "live"),
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) != 1 || f.received[0].Content != "live" {
		t.Errorf("received = %+v, want only the live room's message", f.received)
	}
}

func TestRoomMessagesLeaveRoom(t *testing.T) {
	f := newMessagesFixture(t, uuid.New(), nil)
	if err := f.rm.SetRoom(uuid.New()); err != nil {
		t.Fatal(err)
	}
	if err := f.rm.SetRoom(uuid.Nil); err != nil {
		t.Fatal(err)
	}

	if got := f.subs.ChannelCount(); got != 0 {
		t.Errorf("live channels = %d, want 0 after leaving", got)
	}
	if got := f.rm.RoomID(); got != uuid.Nil {
		t.Errorf("RoomID = %s, want nil", got)
	}
}

func TestRoomMessagesDisableTearsDown(t *testing.T) {
	roomID := uuid.New()
	f := newMessagesFixture(t, uuid.New(), nil)
	if err := f.rm.SetRoom(roomID); err != nil {
		t.Fatal(err)
	}

	if err := f.rm.SetEnabled(false); err != nil {
		t.Fatal(err)
	}
	if got := f.subs.ChannelCount(); got != 0 {
		t.Fatalf("live channels = %d, want 0 while disabled", got)
	}

	// re-enabling resubscribes the remembered room
	if err := f.rm.SetEnabled(true); err != nil {
		t.Fatal(err)
	}
	if got := f.subs.ChannelCount(); got != 1 {
		t.Errorf("live channels = %d, want the room resubscribed", got)
	}
	if got := f.rm.RoomID(); got != roomID {
		t.Errorf("RoomID = %s, want %s preserved across disable", got, roomID)
	}
}

func TestRoomMessagesMalformedRow(t *testing.T) {
	f := newMessagesFixture(t, uuid.New(), nil)
	if err := f.rm.SetRoom(uuid.New()); err != nil {
		t.Fatal(err)
	}
	ch := f.client.lastChannel()

	ch.fireChange(transport.PostgresChange{
		EventType: transport.ChangeInsert,
		New:       map[string]interface{}{"id": "not-a-uuid"},
	})
	ch.fireChange(transport.PostgresChange{EventType: transport.ChangeInsert})

	f.mu.Lock()
	count := len(f.received)
	f.mu.Unlock()
	if count != 0 {
		t.Errorf("received = %d messages from malformed rows, want 0", count)
	}
	if got := f.errlog.TotalErrors(); got != 2 {
		t.Errorf("logged errors = %d, want 2", got)
	}
}

func TestRoomMessagesCallbackPanicIsContained(t *testing.T) {
	roomID := uuid.New()
	f := newMessagesFixture(t, uuid.New(), nil)
	if err := f.rm.SetRoom(roomID); err != nil {
		t.Fatal(err)
	}
	f.rm.SetCallbacks(MessageCallbacks{
		OnMessageReceived: func(models.Message) { panic("handler bug") },
	})

	ch := f.client.lastChannel()
	ch.fireChange(transport.PostgresChange{
		EventType: transport.ChangeInsert,
		New:       messageRow(uuid.New(), roomID, uuid.New(), "boom"),
	})

	last, ok := f.errlog.LastError()
	if !ok || last.Type != ErrDataValidation {
		t.Errorf("last error = %+v (%v), want the contained panic logged", last, ok)
	}
}
