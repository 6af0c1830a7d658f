package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/metrics"
	"github.com/desco-devs/fleetsync/internal/models"
)

const defaultTypingTimeout = 3 * time.Second

// TypingSender broadcasts a typing event on the room's channel.
type TypingSender func(roomID string, event string, payload any) error

// typingPayload is the broadcast body for typing_start and typing_stop.
type typingPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	FullName string    `json:"full_name"`
}

type remoteTyping struct {
	user  models.TypingUser
	timer Timer
	gen   uint64
}

// TypingIndicator tracks ephemeral typing state per room. Local typing stops
// on an explicit StopTyping or after a quiet period with no HandleTyping
// calls. Remote entries expire on their own timer because the peer's stop
// broadcast can be lost on disconnect.
type TypingIndicator struct {
	mu      sync.Mutex
	clock   Clock
	errlog  *ErrorLog
	metrics *metrics.Metrics // optional
	send    TypingSender
	self    typingPayload
	timeout time.Duration
	closed  bool

	localTyping map[string]bool  // room id -> local typing flag
	stopTimers  map[string]Timer // room id -> debounced stop
	stopGens    map[string]uint64
	remote      map[string]map[uuid.UUID]*remoteTyping

	onChange func(roomID string)
}

// NewTypingIndicator creates the indicator for one local user. timeout of
// zero or less uses the 3s default. onChange, when set, fires after every
// visible change to a room's typing set; it is called without the lock held.
func NewTypingIndicator(clock Clock, errlog *ErrorLog, m *metrics.Metrics, send TypingSender, user models.User, timeout time.Duration, onChange func(roomID string)) *TypingIndicator {
	if timeout <= 0 {
		timeout = defaultTypingTimeout
	}
	return &TypingIndicator{
		clock:   clock,
		errlog:  errlog,
		metrics: m,
		send:    send,
		self: typingPayload{
			UserID:   user.ID,
			Username: user.Username,
			FullName: user.FullName,
		},
		timeout:     timeout,
		localTyping: make(map[string]bool),
		stopTimers:  make(map[string]Timer),
		stopGens:    make(map[string]uint64),
		remote:      make(map[string]map[uuid.UUID]*remoteTyping),
		onChange:    onChange,
	}
}

func (t *TypingIndicator) sendEvent(roomID, event string) error {
	return t.send(roomID, event, t.self)
}

// StartTyping broadcasts typing_start for the room unless the local user is
// already marked typing there.
func (t *TypingIndicator) StartTyping(roomID string) {
	t.mu.Lock()
	if t.closed || t.localTyping[roomID] {
		t.mu.Unlock()
		return
	}
	t.localTyping[roomID] = true
	t.mu.Unlock()

	if err := t.sendEvent(roomID, models.RealtimeEventTypingStart); err != nil {
		t.errlog.LogError(ErrNetwork, "typing_start broadcast failed", err, "typing:"+roomID, SeverityLow)
		return
	}
	t.countSent()
}

// HandleTyping is the input-driven entry point: it starts typing if needed
// and re-arms the debounced stop, so typing ends only after a full quiet
// period.
func (t *TypingIndicator) HandleTyping(roomID string) {
	t.StartTyping(roomID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if timer := t.stopTimers[roomID]; timer != nil {
		timer.Stop()
	}
	t.stopGens[roomID]++
	gen := t.stopGens[roomID]
	t.stopTimers[roomID] = t.clock.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		stale := t.closed || t.stopGens[roomID] != gen
		if !stale {
			delete(t.stopTimers, roomID)
		}
		t.mu.Unlock()
		if !stale {
			t.StopTyping(roomID)
		}
	})
	t.mu.Unlock()
}

// StopTyping broadcasts typing_stop and clears the local flag. No-op when
// the local user is not marked typing in the room.
func (t *TypingIndicator) StopTyping(roomID string) {
	t.mu.Lock()
	if t.closed || !t.localTyping[roomID] {
		t.mu.Unlock()
		return
	}
	delete(t.localTyping, roomID)
	if timer := t.stopTimers[roomID]; timer != nil {
		timer.Stop()
		delete(t.stopTimers, roomID)
	}
	t.stopGens[roomID]++
	t.mu.Unlock()

	if err := t.sendEvent(roomID, models.RealtimeEventTypingStop); err != nil {
		t.errlog.LogError(ErrNetwork, "typing_stop broadcast failed", err, "typing:"+roomID, SeverityLow)
		return
	}
	t.countSent()
}

// HandleBroadcast routes a room broadcast into the remote typing map. Events
// other than typing_start/typing_stop and events from the local user are
// ignored.
func (t *TypingIndicator) HandleBroadcast(roomID string, event string, payload json.RawMessage) {
	if event != models.RealtimeEventTypingStart && event != models.RealtimeEventTypingStop {
		return
	}
	var p typingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.errlog.LogError(ErrDataValidation, "malformed typing payload", err, "typing:"+roomID, SeverityLow)
		return
	}
	if p.UserID == t.self.UserID {
		return
	}

	switch event {
	case models.RealtimeEventTypingStart:
		t.upsertRemote(roomID, p)
	case models.RealtimeEventTypingStop:
		t.removeRemote(roomID, p.UserID)
	}
	t.countReceived()
}

func (t *TypingIndicator) upsertRemote(roomID string, p typingPayload) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	room := t.remote[roomID]
	if room == nil {
		room = make(map[uuid.UUID]*remoteTyping)
		t.remote[roomID] = room
	}
	entry := room[p.UserID]
	if entry == nil {
		entry = &remoteTyping{}
		room[p.UserID] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.user = models.TypingUser{
		UserID:    p.UserID,
		Username:  p.Username,
		FullName:  p.FullName,
		StartedAt: t.clock.Now(),
	}
	entry.gen++
	gen := entry.gen
	userID := p.UserID
	entry.timer = t.clock.AfterFunc(t.timeout, func() {
		t.expireRemote(roomID, userID, gen)
	})
	t.mu.Unlock()

	t.notify(roomID)
}

func (t *TypingIndicator) expireRemote(roomID string, userID uuid.UUID, gen uint64) {
	t.mu.Lock()
	entry := t.remote[roomID][userID]
	if t.closed || entry == nil || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.remote[roomID], userID)
	t.mu.Unlock()

	t.notify(roomID)
}

func (t *TypingIndicator) removeRemote(roomID string, userID uuid.UUID) {
	t.mu.Lock()
	entry := t.remote[roomID][userID]
	if t.closed || entry == nil {
		t.mu.Unlock()
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(t.remote[roomID], userID)
	t.mu.Unlock()

	t.notify(roomID)
}

// TypingUsers returns the room's remote typing entries ordered by start time,
// earliest first.
func (t *TypingIndicator) TypingUsers(roomID string) []models.TypingUser {
	t.mu.Lock()
	users := make([]models.TypingUser, 0, len(t.remote[roomID]))
	for _, entry := range t.remote[roomID] {
		users = append(users, entry.user)
	}
	t.mu.Unlock()

	sort.Slice(users, func(i, j int) bool {
		if !users[i].StartedAt.Equal(users[j].StartedAt) {
			return users[i].StartedAt.Before(users[j].StartedAt)
		}
		return users[i].DisplayName() < users[j].DisplayName()
	})
	return users
}

// TypingText renders the room's typing set as display text. Empty string
// when nobody is typing.
func (t *TypingIndicator) TypingText(roomID string) string {
	users := t.TypingUsers(roomID)
	switch len(users) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", users[0].DisplayName())
	case 2:
		return fmt.Sprintf("%s and %s are typing...", users[0].DisplayName(), users[1].DisplayName())
	case 3:
		return fmt.Sprintf("%s, %s and %s are typing...", users[0].DisplayName(), users[1].DisplayName(), users[2].DisplayName())
	default:
		return fmt.Sprintf("%s, %s and %d others are typing...", users[0].DisplayName(), users[1].DisplayName(), len(users)-2)
	}
}

// ClearRoom drops all local and remote typing state for a room. Called when
// the room subscription is torn down.
func (t *TypingIndicator) ClearRoom(roomID string) {
	t.mu.Lock()
	if timer := t.stopTimers[roomID]; timer != nil {
		timer.Stop()
		delete(t.stopTimers, roomID)
	}
	t.stopGens[roomID]++
	delete(t.localTyping, roomID)
	for _, entry := range t.remote[roomID] {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	delete(t.remote, roomID)
	t.mu.Unlock()
}

// Close stops every timer and blocks all further state changes. Late timer
// callbacks after Close are no-ops.
func (t *TypingIndicator) Close() {
	t.mu.Lock()
	t.closed = true
	for room, timer := range t.stopTimers {
		timer.Stop()
		delete(t.stopTimers, room)
	}
	for _, room := range t.remote {
		for _, entry := range room {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
	}
	t.remote = make(map[string]map[uuid.UUID]*remoteTyping)
	t.localTyping = make(map[string]bool)
	t.mu.Unlock()
}

func (t *TypingIndicator) notify(roomID string) {
	if t.onChange != nil {
		t.onChange(roomID)
	}
}

func (t *TypingIndicator) countSent() {
	if t.metrics != nil {
		t.metrics.TypingEvents.WithLabelValues("sent").Inc()
	}
}

func (t *TypingIndicator) countReceived() {
	if t.metrics != nil {
		t.metrics.TypingEvents.WithLabelValues("received").Inc()
	}
}
