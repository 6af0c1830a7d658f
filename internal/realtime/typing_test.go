package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/models"
)

type typingRecorder struct {
	mu   sync.Mutex
	sent []sentBroadcast
	err  error
}

func (r *typingRecorder) send(roomID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentBroadcast{event: event, payload: payload})
	return nil
}

func (r *typingRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.event
	}
	return out
}

func newTestTyping(t *testing.T) (*TypingIndicator, *typingRecorder, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	rec := &typingRecorder{}
	self := models.User{ID: uuid.New(), Username: "self", FullName: "Local User"}
	ti := NewTypingIndicator(clock, NewErrorLog(clock, 10, nil), nil, rec.send, self, 3*time.Second, nil)
	return ti, rec, clock
}

func remoteTypingPayload(name string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"user_id":   uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		"username":  name,
		"full_name": name,
	})
	return raw
}

func TestTypingDebouncedStop(t *testing.T) {
	ti, rec, clock := newTestTyping(t)
	const room = "room-1"

	ti.HandleTyping(room)
	ti.HandleTyping(room)
	clock.Advance(2 * time.Second)
	ti.HandleTyping(room) // resets the quiet period

	if got := rec.events(); len(got) != 1 || got[0] != models.RealtimeEventTypingStart {
		t.Fatalf("events = %v, want a single typing_start", got)
	}

	// quiet period restarts from the last keystroke
	clock.Advance(2 * time.Second)
	if got := rec.events(); len(got) != 1 {
		t.Fatalf("stop fired early: %v", got)
	}
	clock.Advance(time.Second)
	got := rec.events()
	if len(got) != 2 || got[1] != models.RealtimeEventTypingStop {
		t.Fatalf("events = %v, want typing_stop after full quiet period", got)
	}
}

func TestTypingStopIsIdempotent(t *testing.T) {
	ti, rec, _ := newTestTyping(t)

	ti.StopTyping("room-1") // not typing, no-op
	if got := rec.events(); len(got) != 0 {
		t.Fatalf("events = %v, want none", got)
	}

	ti.StartTyping("room-1")
	ti.StartTyping("room-1") // already typing, no-op
	ti.StopTyping("room-1")
	ti.StopTyping("room-1")

	got := rec.events()
	if len(got) != 2 {
		t.Fatalf("events = %v, want start then stop exactly once", got)
	}
}

func TestRemoteTypingExpiry(t *testing.T) {
	ti, _, clock := newTestTyping(t)
	const room = "room-1"

	ti.HandleBroadcast(room, models.RealtimeEventTypingStart, remoteTypingPayload("Ana"))

	clock.Advance(2999 * time.Millisecond)
	if got := len(ti.TypingUsers(room)); got != 1 {
		t.Fatalf("typing users before expiry = %d, want 1", got)
	}

	clock.Advance(time.Millisecond)
	if got := len(ti.TypingUsers(room)); got != 0 {
		t.Errorf("typing users after 3s = %d, want 0", got)
	}
}

func TestRemoteTypingRefreshReplacesTimer(t *testing.T) {
	ti, _, clock := newTestTyping(t)
	const room = "room-1"

	ti.HandleBroadcast(room, models.RealtimeEventTypingStart, remoteTypingPayload("Ana"))
	clock.Advance(2 * time.Second)
	ti.HandleBroadcast(room, models.RealtimeEventTypingStart, remoteTypingPayload("Ana"))

	// the old timer must not expire the refreshed entry
	clock.Advance(2 * time.Second)
	if got := len(ti.TypingUsers(room)); got != 1 {
		t.Fatalf("refreshed entry expired early, users = %d", got)
	}
	clock.Advance(time.Second + time.Millisecond)
	if got := len(ti.TypingUsers(room)); got != 0 {
		t.Errorf("entry survived past refreshed expiry, users = %d", got)
	}
}

func TestRemoteTypingStopRemovesImmediately(t *testing.T) {
	ti, _, _ := newTestTyping(t)
	const room = "room-1"

	ti.HandleBroadcast(room, models.RealtimeEventTypingStart, remoteTypingPayload("Ana"))
	ti.HandleBroadcast(room, models.RealtimeEventTypingStop, remoteTypingPayload("Ana"))

	if got := len(ti.TypingUsers(room)); got != 0 {
		t.Errorf("typing users after stop = %d, want 0", got)
	}
}

func TestTypingText(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{}, ""},
		{[]string{"Ana"}, "Ana is typing..."},
		{[]string{"Ana", "Bo"}, "Ana and Bo are typing..."},
		{[]string{"Ana", "Bo", "Cy"}, "Ana, Bo and Cy are typing..."},
		{[]string{"Ana", "Bo", "Cy", "Dee", "Eve"}, "Ana, Bo and 3 others are typing..."},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ti, _, _ := newTestTyping(t)
			const room = "room-1"
			for _, name := range tt.names {
				ti.HandleBroadcast(room, models.RealtimeEventTypingStart, remoteTypingPayload(name))
			}
			if got := ti.TypingText(room); got != tt.want {
				t.Errorf("TypingText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTypingIgnoresSelfAndForeignEvents(t *testing.T) {
	clock := newFakeClock()
	rec := &typingRecorder{}
	self := models.User{ID: uuid.New(), Username: "self"}
	ti := NewTypingIndicator(clock, NewErrorLog(clock, 10, nil), nil, rec.send, self, 0, nil)

	selfPayload, _ := json.Marshal(map[string]string{"user_id": self.ID.String(), "username": "self"})
	ti.HandleBroadcast("room-1", models.RealtimeEventTypingStart, selfPayload)
	if got := len(ti.TypingUsers("room-1")); got != 0 {
		t.Error("own broadcast must not appear as remote typing")
	}

	ti.HandleBroadcast("room-1", "message_pinned", remoteTypingPayload("Ana"))
	if got := len(ti.TypingUsers("room-1")); got != 0 {
		t.Error("unrelated broadcast events must be ignored")
	}
}

func TestTypingClearRoom(t *testing.T) {
	ti, rec, clock := newTestTyping(t)
	const room = "room-1"

	ti.HandleTyping(room)
	ti.HandleBroadcast(room, models.RealtimeEventTypingStart, remoteTypingPayload("Ana"))
	ti.ClearRoom(room)

	if got := len(ti.TypingUsers(room)); got != 0 {
		t.Errorf("typing users after clear = %d, want 0", got)
	}
	// the debounced stop must not fire for a cleared room
	clock.Advance(5 * time.Second)
	if got := rec.events(); len(got) != 1 {
		t.Errorf("events = %v, want only the initial typing_start", got)
	}
}
