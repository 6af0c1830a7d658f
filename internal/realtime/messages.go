package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/metrics"
	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/transport"
)

const roomMessagesSubID = "room-messages"

// UnreadCountKey is the cache key for one member's unread counter in a room.
func UnreadCountKey(userID, roomID uuid.UUID) string {
	return fmt.Sprintf("unread_count:%s:%s", userID, roomID)
}

// MessagesCacheKey is the cache key for a room's message list.
func MessagesCacheKey(roomID uuid.UUID) string {
	return fmt.Sprintf("messages:%s", roomID)
}

// upsertMessage returns a copy of the list with msg replacing the entry of
// the same id, or appended when the id is new.
func upsertMessage(list []models.Message, msg models.Message) []models.Message {
	out := append([]models.Message{}, list...)
	for i := range out {
		if out[i].ID == msg.ID {
			out[i] = msg
			return out
		}
	}
	return append(out, msg)
}

// replaceMessage returns a copy of the list with the entry under oldID
// swapped for msg. An unknown oldID appends, so a confirm that raced the
// server's own insert event still lands the row once.
func replaceMessage(list []models.Message, oldID uuid.UUID, msg models.Message) []models.Message {
	out := append([]models.Message{}, list...)
	for i := range out {
		if out[i].ID == oldID {
			out[i] = msg
			return out
		}
	}
	return upsertMessage(out, msg)
}

// removeMessage returns a copy of the list without the entry under id.
func removeMessage(list []models.Message, id uuid.UUID) []models.Message {
	out := make([]models.Message, 0, len(list))
	for _, m := range list {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// MessageCallbacks receives the room's change events, already decoded.
// Handlers run on the transport read loop; a panicking handler is caught
// and logged, never propagated.
type MessageCallbacks struct {
	OnMessageReceived func(models.Message)
	OnMessageUpdated  func(models.Message)
	OnMessageDeleted  func(messageID, roomID uuid.UUID)
}

// RoomMessages owns the postgres_changes subscription for the active chat
// room. Switching rooms tears the old channel down and opens a new one;
// there is never more than one live room subscription.
type RoomMessages struct {
	mu       sync.Mutex
	errlog   *ErrorLog
	metrics  *metrics.Metrics // optional
	subs     *SubscriptionManager
	store    Store
	schema   string
	table    string
	selfID   uuid.UUID
	members  func(roomID uuid.UUID) []uuid.UUID
	roomID   uuid.UUID
	enabled  bool
	// gen invalidates change handlers bound to a previous room.
	gen uint64

	callbacks MessageCallbacks
}

// NewRoomMessages wires the room subscription over the registry. members
// resolves a room's membership for unread-count invalidation and may be nil.
func NewRoomMessages(errlog *ErrorLog, m *metrics.Metrics, subs *SubscriptionManager, store Store, schema, table string, selfID uuid.UUID, members func(roomID uuid.UUID) []uuid.UUID) *RoomMessages {
	if schema == "" {
		schema = "public"
	}
	if table == "" {
		table = "messages"
	}
	return &RoomMessages{
		errlog:  errlog,
		metrics: m,
		subs:    subs,
		store:   store,
		schema:  schema,
		table:   table,
		selfID:  selfID,
		members: members,
		enabled: true,
	}
}

// SetCallbacks replaces the event callbacks. Safe to call while subscribed.
func (r *RoomMessages) SetCallbacks(cb MessageCallbacks) {
	r.mu.Lock()
	r.callbacks = cb
	r.mu.Unlock()
}

// SetRoom switches the active room. The old subscription is always torn
// down first; passing uuid.Nil leaves no subscription behind.
func (r *RoomMessages) SetRoom(roomID uuid.UUID) error {
	r.mu.Lock()
	if r.roomID == roomID && r.enabled && roomID != uuid.Nil {
		r.mu.Unlock()
		return nil
	}
	r.roomID = roomID
	r.gen++
	gen := r.gen
	enabled := r.enabled
	r.mu.Unlock()

	r.subs.RemoveSubscription(roomMessagesSubID, true)
	if roomID == uuid.Nil || !enabled {
		return nil
	}
	return r.subscribe(roomID, gen)
}

// SetEnabled toggles the subscription. Disabling tears the channel down
// rather than suspending it, so no channel stays bound to a stale room.
func (r *RoomMessages) SetEnabled(enabled bool) error {
	r.mu.Lock()
	if r.enabled == enabled {
		r.mu.Unlock()
		return nil
	}
	r.enabled = enabled
	roomID := r.roomID
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	if !enabled {
		r.subs.RemoveSubscription(roomMessagesSubID, true)
		return nil
	}
	if roomID == uuid.Nil {
		return nil
	}
	return r.subscribe(roomID, gen)
}

// RoomID reports the currently subscribed room, uuid.Nil when none.
func (r *RoomMessages) RoomID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

func (r *RoomMessages) subscribe(roomID uuid.UUID, gen uint64) error {
	filter := transport.PostgresFilter{
		Schema: r.schema,
		Table:  r.table,
		Event:  transport.ChangeAll,
		Filter: fmt.Sprintf("room_id=eq.%s", roomID),
	}
	return r.subs.AddSubscription(SubscriptionConfig{
		ID:          roomMessagesSubID,
		ChannelName: fmt.Sprintf("room:%s:messages", roomID),
		Type:        models.SubscriptionDatabase,
		Enabled:     true,
		Bind: func(ch transport.Channel) {
			ch.OnPostgresChange(filter, func(change transport.PostgresChange) {
				r.handleChange(gen, change)
			})
		},
	})
}

func (r *RoomMessages) handleChange(gen uint64, change transport.PostgresChange) {
	r.mu.Lock()
	if r.gen != gen || !r.enabled {
		r.mu.Unlock()
		r.countEvent("dropped")
		return
	}
	cb := r.callbacks
	roomID := r.roomID
	r.mu.Unlock()

	switch change.EventType {
	case transport.ChangeInsert:
		msg, ok := r.decode(change.New)
		if !ok {
			return
		}
		r.invalidateUnread(msg)
		r.invoke("message received", func() {
			if cb.OnMessageReceived != nil {
				cb.OnMessageReceived(msg)
			}
		})

	case transport.ChangeUpdate:
		msg, ok := r.decode(change.New)
		if !ok {
			return
		}
		r.invoke("message updated", func() {
			if cb.OnMessageUpdated != nil {
				cb.OnMessageUpdated(msg)
			}
		})

	case transport.ChangeDelete:
		msg, ok := r.decode(change.Old)
		if !ok {
			return
		}
		if msg.RoomID == uuid.Nil {
			msg.RoomID = roomID
		}
		r.invoke("message deleted", func() {
			if cb.OnMessageDeleted != nil {
				cb.OnMessageDeleted(msg.ID, msg.RoomID)
			}
		})

	default:
		r.countEvent("dropped")
		return
	}
	r.countEvent("handled")
}

// invalidateUnread marks the unread-count cache stale for every room member
// except the sender.
func (r *RoomMessages) invalidateUnread(msg models.Message) {
	if r.members == nil || r.store == nil {
		return
	}
	for _, memberID := range r.members(msg.RoomID) {
		if memberID == msg.SenderID {
			continue
		}
		r.store.Invalidate(UnreadCountKey(memberID, msg.RoomID))
	}
}

// decode converts a change event's row map into a Message through its JSON
// form so the row's string timestamps and uuids parse the usual way.
func (r *RoomMessages) decode(row map[string]interface{}) (models.Message, bool) {
	if len(row) == 0 {
		r.errlog.LogError(ErrDataValidation, "change event carried no row", nil, "room-messages", SeverityLow)
		r.countEvent("dropped")
		return models.Message{}, false
	}
	raw, err := json.Marshal(row)
	if err != nil {
		r.errlog.LogError(ErrDataValidation, "change row not serializable", err, "room-messages", SeverityMedium)
		r.countEvent("dropped")
		return models.Message{}, false
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.errlog.LogError(ErrDataValidation, "malformed message row", err, "room-messages", SeverityMedium)
		r.countEvent("dropped")
		return models.Message{}, false
	}
	return msg, true
}

// invoke runs a user-supplied callback, containing panics so a bad handler
// cannot take down the transport read loop.
func (r *RoomMessages) invoke(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.errlog.LogError(ErrDataValidation, fmt.Sprintf("%s callback panicked: %v", what, rec), nil, "room-messages", SeverityMedium)
		}
	}()
	fn()
}

func (r *RoomMessages) countEvent(result string) {
	if r.metrics != nil {
		r.metrics.EventsRouted.WithLabelValues("postgres_changes", result).Inc()
	}
}
