package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/transport"
)

// fakeDirectory is an in-memory Directory with injectable failures.
type fakeDirectory struct {
	mu          sync.Mutex
	members     map[uuid.UUID][]uuid.UUID
	history     map[uuid.UUID][]models.Message
	createErr   error
	created     []models.Message
	recentCalls int
	touches     int
	removes     int
	activity    []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		members: make(map[uuid.UUID][]uuid.UUID),
		history: make(map[uuid.UUID][]models.Message),
	}
}

func (d *fakeDirectory) GetRoomMemberIDs(_ context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[roomID], nil
}

func (d *fakeDirectory) GetRecentMessages(_ context.Context, roomID uuid.UUID, _ int) ([]models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recentCalls++
	return d.history[roomID], nil
}

func (d *fakeDirectory) CreateMessage(_ context.Context, roomID, senderID uuid.UUID, content string) (models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return models.Message{}, d.createErr
	}
	msg := models.Message{
		ID:        uuid.New(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	d.created = append(d.created, msg)
	return msg, nil
}

func (d *fakeDirectory) TouchRealtimeSession(context.Context, uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touches++
	return nil
}

func (d *fakeDirectory) RemoveRealtimeSession(context.Context, uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removes++
	return nil
}

func (d *fakeDirectory) LogActivity(_ context.Context, _ uuid.UUID, action, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activity = append(d.activity, action)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeClient, *fakeDirectory) {
	t.Helper()
	clock := newFakeClock()
	client := newFakeClient()
	dir := newFakeDirectory()
	self := models.User{ID: presenceUser("self"), Username: "self"}
	svc := NewService(clock, client, nil, dir, ServiceConfig{User: self})
	return svc, client, dir
}

func cachedList(t *testing.T, svc *Service, roomID uuid.UUID) []models.Message {
	t.Helper()
	v, ok := svc.Store.Get(MessagesCacheKey(roomID))
	if !ok {
		return nil
	}
	list, ok := v.([]models.Message)
	if !ok {
		t.Fatalf("cache holds %T, want []models.Message", v)
	}
	return list
}

func TestSendMessageConfirmsOptimisticWrite(t *testing.T) {
	svc, _, _ := newTestService(t)
	roomID := presenceUser("room-send")
	existing := models.Message{ID: uuid.New(), RoomID: roomID, Content: "earlier"}
	svc.Store.Set(MessagesCacheKey(roomID), []models.Message{existing})

	msg, err := svc.SendMessage(context.Background(), roomID, "  shipment delayed  ")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Content != "shipment delayed" {
		t.Errorf("content = %q, want trimmed text", msg.Content)
	}

	list := cachedList(t, svc, roomID)
	if len(list) != 2 {
		t.Fatalf("cached list length = %d, want 2", len(list))
	}
	if list[0].ID != existing.ID {
		t.Errorf("prior entry displaced from the cached list")
	}
	if list[1].ID != msg.ID {
		t.Errorf("cached tail = %s, want the server row %s", list[1].ID, msg.ID)
	}
	if got := svc.Reconciler.PendingCount(); got != 0 {
		t.Errorf("pending updates after confirm = %d, want 0", got)
	}
}

func TestSendMessageRollsBackOnFailure(t *testing.T) {
	svc, _, dir := newTestService(t)
	roomID := presenceUser("room-fail")
	existing := models.Message{ID: uuid.New(), RoomID: roomID, Content: "earlier"}
	svc.Store.Set(MessagesCacheKey(roomID), []models.Message{existing})
	dir.createErr = errors.New("insert refused")

	if _, err := svc.SendMessage(context.Background(), roomID, "lost"); err == nil {
		t.Fatal("SendMessage should surface the insert failure")
	}

	list := cachedList(t, svc, roomID)
	if len(list) != 1 || list[0].ID != existing.ID {
		t.Errorf("cached list = %v, want the pre-send snapshot restored", list)
	}
	if got := svc.Reconciler.PendingCount(); got != 0 {
		t.Errorf("pending updates after rollback = %d, want 0", got)
	}
}

func TestSendMessageRejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.SendMessage(context.Background(), uuid.Nil, "x"); err == nil {
		t.Error("nil room id should be rejected")
	}
	if _, err := svc.SendMessage(context.Background(), presenceUser("room"), "   "); err == nil {
		t.Error("blank content should be rejected")
	}
}

func TestIncomingInsertOverridesPendingOptimisticWrite(t *testing.T) {
	svc, client, dir := newTestService(t)
	roomID := presenceUser("room-live")
	sender := presenceUser("peer")
	dir.members[roomID] = []uuid.UUID{svc.cfg.User.ID, sender}

	if err := svc.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	ch := client.channelByTopic(fmt.Sprintf("room:%s:messages", roomID))
	if ch == nil {
		t.Fatal("no message channel opened for the room")
	}

	key := MessagesCacheKey(roomID)
	draft := models.Message{ID: uuid.New(), RoomID: roomID, SenderID: svc.cfg.User.ID, Content: "draft"}
	svc.Reconciler.PerformOptimisticUpdate(key, "in-flight", []models.Message{draft})

	serverID := uuid.New()
	ch.fireChange(transport.PostgresChange{
		EventType: transport.ChangeInsert,
		New:       messageRow(serverID, roomID, sender, "from the server"),
	})

	if svc.Reconciler.Pending("in-flight") {
		t.Error("server change should discard the pending optimistic entry")
	}
	list := cachedList(t, svc, roomID)
	found := false
	for _, m := range list {
		if m.ID == serverID {
			found = true
		}
	}
	if !found {
		t.Errorf("cached list %v missing the server row", list)
	}

	// the superseded update's confirm must not touch the cache anymore
	svc.Reconciler.ConfirmOptimisticUpdate("in-flight", []models.Message{})
	if got := cachedList(t, svc, roomID); len(got) != len(list) {
		t.Errorf("stale confirm rewrote the cache: %v", got)
	}
}

func TestIncomingDeleteDropsCachedRow(t *testing.T) {
	svc, client, dir := newTestService(t)
	roomID := presenceUser("room-del")
	sender := presenceUser("peer")
	dir.members[roomID] = []uuid.UUID{svc.cfg.User.ID, sender}

	if err := svc.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	ch := client.channelByTopic(fmt.Sprintf("room:%s:messages", roomID))

	victim := models.Message{ID: uuid.New(), RoomID: roomID, SenderID: sender, Content: "old"}
	keeper := models.Message{ID: uuid.New(), RoomID: roomID, SenderID: sender, Content: "kept"}
	svc.Store.Set(MessagesCacheKey(roomID), []models.Message{victim, keeper})

	ch.fireChange(transport.PostgresChange{
		EventType: transport.ChangeDelete,
		Old: map[string]interface{}{
			"id":      victim.ID.String(),
			"room_id": roomID.String(),
		},
	})

	list := cachedList(t, svc, roomID)
	if len(list) != 1 || list[0].ID != keeper.ID {
		t.Errorf("cached list = %v, want only the surviving row", list)
	}
}

func TestRecentMessagesCachesBackfill(t *testing.T) {
	svc, _, dir := newTestService(t)
	roomID := presenceUser("room-hist")
	dir.history[roomID] = []models.Message{
		{ID: uuid.New(), RoomID: roomID, Content: "a"},
		{ID: uuid.New(), RoomID: roomID, Content: "b"},
	}

	first, err := svc.RecentMessages(context.Background(), roomID, 50)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("backfill length = %d, want 2", len(first))
	}

	if _, err := svc.RecentMessages(context.Background(), roomID, 50); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if dir.recentCalls != 1 {
		t.Errorf("persistence reads = %d, want 1 with a warm cache", dir.recentCalls)
	}

	// invalidation forces the next read back to persistence
	svc.Store.Invalidate(MessagesCacheKey(roomID))
	if _, err := svc.RecentMessages(context.Background(), roomID, 50); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if dir.recentCalls != 2 {
		t.Errorf("persistence reads = %d, want 2 after invalidation", dir.recentCalls)
	}
}
