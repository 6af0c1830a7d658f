package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/metrics"
	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/transport"
)

const (
	presenceSubID       = "global-presence"
	presenceChannelName = "presence:global"
)

func typingSubID(roomID uuid.UUID) string { return "typing:" + roomID.String() }

func typingChannelName(roomID uuid.UUID) string { return fmt.Sprintf("room:%s:typing", roomID) }

// Directory is the persistence surface the realtime service needs: room
// membership for presence filtering and unread fanout, message reads and
// writes, plus session and activity bookkeeping.
type Directory interface {
	GetRoomMemberIDs(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
	GetRecentMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Message, error)
	CreateMessage(ctx context.Context, roomID, senderID uuid.UUID, content string) (models.Message, error)
	TouchRealtimeSession(ctx context.Context, userID uuid.UUID) error
	RemoveRealtimeSession(ctx context.Context, userID uuid.UUID) error
	LogActivity(ctx context.Context, userID uuid.UUID, action, details string) error
}

// ServiceConfig assembles one user's realtime service.
type ServiceConfig struct {
	User             models.User
	Manager          ManagerConfig
	TypingTimeout    time.Duration
	PresenceInterval time.Duration
	BaseThrottle     time.Duration
	OptimisticMaxAge time.Duration
	Schema           string
	MessagesTable    string
}

// Service is the per-user facade over the realtime core. It owns every
// component instance for one logical connection; nothing in this package is
// shared across users.
type Service struct {
	cfg     ServiceConfig
	clock   Clock
	client  transport.Client
	errlog  *ErrorLog
	metrics *metrics.Metrics
	monitor *DeviceMonitor
	dir     Directory

	Manager    *ConnectionManager
	Subs       *SubscriptionManager
	Typing     *TypingIndicator
	Presence   *PresenceChannel
	Messages   *RoomMessages
	Store      *MemoryStore
	Reconciler *Reconciler

	mu          sync.Mutex
	joinedRooms map[uuid.UUID]bool
}

// NewService wires the full component graph for one user. m and dir may be
// nil; absent metrics or persistence degrade to no-ops.
func NewService(clock Clock, client transport.Client, m *metrics.Metrics, dir Directory, cfg ServiceConfig) *Service {
	if cfg.BaseThrottle <= 0 {
		cfg.BaseThrottle = time.Second
	}
	cfg.Manager.User = cfg.User

	errlog := NewErrorLog(clock, 0, m)
	monitor := NewDeviceMonitor()
	store := NewMemoryStore(nil)

	s := &Service{
		cfg:         cfg,
		clock:       clock,
		client:      client,
		errlog:      errlog,
		metrics:     m,
		monitor:     monitor,
		dir:         dir,
		Store:       store,
		joinedRooms: make(map[uuid.UUID]bool),
	}

	s.Manager = NewConnectionManager(clock, client, errlog, m, monitor, cfg.Manager)
	s.Subs = NewSubscriptionManager(clock, client, errlog, m)
	s.Reconciler = NewReconciler(clock, store, cfg.OptimisticMaxAge, m)
	s.Typing = NewTypingIndicator(clock, errlog, m, s.sendTyping, cfg.User, cfg.TypingTimeout, nil)
	s.Presence = NewPresenceChannel(clock, errlog, m, cfg.User, cfg.PresenceInterval, nil)
	s.Messages = NewRoomMessages(errlog, m, s.Subs, store, cfg.Schema, cfg.MessagesTable, cfg.User.ID, s.memberIDs)

	// every heartbeat doubles as a best-effort session ping
	s.Manager.OnHeartbeat(func() {
		if s.dir == nil {
			return
		}
		go func() {
			if err := s.dir.TouchRealtimeSession(context.Background(), s.cfg.User.ID); err != nil {
				logging.LogRealtimeError(s.cfg.User.ID.String(), "session-ping", err)
			}
		}()
	})

	// message traffic counts as connection activity; server rows settle
	// against the cached list, and own sends land in the activity feed
	s.Messages.SetCallbacks(MessageCallbacks{
		OnMessageReceived: func(msg models.Message) {
			s.Manager.RecordActivity()
			s.mergeServerMessage(msg)
			if s.dir != nil && msg.SenderID == s.cfg.User.ID {
				go func() {
					if err := s.dir.LogActivity(context.Background(), s.cfg.User.ID, "message_sent", msg.RoomID.String()); err != nil {
						logging.LogRealtimeError(s.cfg.User.ID.String(), "activity-log", err)
					}
				}()
			}
		},
		OnMessageUpdated: func(msg models.Message) {
			s.Manager.RecordActivity()
			s.mergeServerMessage(msg)
		},
		OnMessageDeleted: func(messageID, roomID uuid.UUID) {
			s.Manager.RecordActivity()
			s.dropCachedMessage(messageID, roomID)
		},
	})
	return s
}

// Connect brings up the logical connection and the global presence channel.
func (s *Service) Connect(ctx context.Context) error {
	if err := s.Manager.Connect(ctx); err != nil {
		return err
	}

	presenceCfg := &transport.ChannelConfig{}
	presenceCfg.Presence.Key = s.cfg.User.ID.String()
	err := s.Subs.AddSubscription(SubscriptionConfig{
		ID:          presenceSubID,
		ChannelName: presenceChannelName,
		Type:        models.SubscriptionPresence,
		Enabled:     true,
		Channel:     presenceCfg,
		Bind: func(ch transport.Channel) {
			s.Presence.Attach(ch)
		},
		OnStatus: func(status transport.SubscribeStatus, cause error) {
			s.Presence.HandleStatus(status, cause)
			s.Manager.RecordActivity()
		},
	})
	if err != nil {
		return fmt.Errorf("presence subscription: %w", err)
	}

	if s.dir != nil {
		if err := s.dir.TouchRealtimeSession(ctx, s.cfg.User.ID); err != nil {
			logging.LogRealtimeError(s.cfg.User.ID.String(), "session-touch", err)
		}
	}
	return nil
}

// JoinRoom switches the message subscription to the room and opens its
// typing channel. Joining the already-active room is a no-op.
func (s *Service) JoinRoom(ctx context.Context, roomID uuid.UUID) error {
	if roomID == uuid.Nil {
		return fmt.Errorf("join room: missing room id")
	}

	s.mu.Lock()
	already := s.joinedRooms[roomID]
	s.joinedRooms[roomID] = true
	s.mu.Unlock()

	if err := s.Messages.SetRoom(roomID); err != nil {
		return fmt.Errorf("room subscription: %w", err)
	}
	if already {
		return nil
	}

	err := s.Subs.AddSubscription(SubscriptionConfig{
		ID:          typingSubID(roomID),
		ChannelName: typingChannelName(roomID),
		Type:        models.SubscriptionBroadcast,
		Enabled:     true,
		Bind: func(ch transport.Channel) {
			room := roomID.String()
			for _, event := range []string{models.RealtimeEventTypingStart, models.RealtimeEventTypingStop} {
				ev := event
				ch.OnBroadcast(ev, func(payload json.RawMessage) {
					s.Typing.HandleBroadcast(room, ev, payload)
					s.Manager.RecordActivity()
				})
			}
		},
	})
	if err != nil {
		return fmt.Errorf("typing subscription: %w", err)
	}

	logging.LogRoomEvent(s.cfg.User.ID.String(), roomID.String(), "join")
	if s.dir != nil {
		if err := s.dir.LogActivity(ctx, s.cfg.User.ID, "room_join", roomID.String()); err != nil {
			logging.LogRealtimeError(s.cfg.User.ID.String(), "activity-log", err)
		}
	}
	return nil
}

// LeaveRoom tears down the room's typing channel and, when it was the
// active message room, the message subscription too.
func (s *Service) LeaveRoom(ctx context.Context, roomID uuid.UUID) error {
	s.mu.Lock()
	joined := s.joinedRooms[roomID]
	delete(s.joinedRooms, roomID)
	s.mu.Unlock()
	if !joined {
		return nil
	}

	s.Typing.StopTyping(roomID.String())
	s.Typing.ClearRoom(roomID.String())
	s.Subs.RemoveSubscription(typingSubID(roomID), true)

	if s.Messages.RoomID() == roomID {
		if err := s.Messages.SetRoom(uuid.Nil); err != nil {
			return err
		}
	}

	logging.LogRoomEvent(s.cfg.User.ID.String(), roomID.String(), "leave")
	if s.dir != nil {
		if err := s.dir.LogActivity(ctx, s.cfg.User.ID, "room_leave", roomID.String()); err != nil {
			logging.LogRealtimeError(s.cfg.User.ID.String(), "activity-log", err)
		}
	}
	return nil
}

// HandleTyping is the input-driven typing entry point for a room.
func (s *Service) HandleTyping(roomID uuid.UUID) {
	s.Typing.HandleTyping(roomID.String())
}

// StopTyping ends the local typing indicator for a room.
func (s *Service) StopTyping(roomID uuid.UUID) {
	s.Typing.StopTyping(roomID.String())
}

func (s *Service) sendTyping(roomID, event string, payload any) error {
	id, err := uuid.Parse(roomID)
	if err != nil {
		return fmt.Errorf("typing send: bad room id %q", roomID)
	}
	return s.Subs.Send(typingSubID(id), event, payload)
}

func (s *Service) memberIDs(roomID uuid.UUID) []uuid.UUID {
	if s.dir == nil {
		return nil
	}
	ids, err := s.dir.GetRoomMemberIDs(context.Background(), roomID)
	if err != nil {
		logging.LogRealtimeError(s.cfg.User.ID.String(), "room-members", err)
		return nil
	}
	return ids
}

// RoomOnlineUsers resolves the room's membership and filters the global
// presence map down to it.
func (s *Service) RoomOnlineUsers(ctx context.Context, roomID uuid.UUID) ([]models.PresenceEntry, error) {
	if s.dir == nil {
		return nil, fmt.Errorf("room online users: no directory")
	}
	ids, err := s.dir.GetRoomMemberIDs(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	return s.Presence.RoomOnlineUsers(ids), nil
}

// SendMessage persists a chat message with an optimistic write: the room's
// cached list shows the message immediately, a successful insert swaps in
// the server row, and a failed insert rolls the list back.
func (s *Service) SendMessage(ctx context.Context, roomID uuid.UUID, content string) (models.Message, error) {
	if s.dir == nil {
		return models.Message{}, fmt.Errorf("send message: no directory")
	}
	if roomID == uuid.Nil {
		return models.Message{}, fmt.Errorf("send message: missing room id")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("send message: empty content")
	}

	key := MessagesCacheKey(roomID)
	local := models.Message{
		ID:        uuid.New(),
		RoomID:    roomID,
		SenderID:  s.cfg.User.ID,
		Content:   content,
		CreatedAt: s.clock.Now(),
	}
	updateID := local.ID.String()
	snapshot, had := s.Reconciler.PerformOptimisticUpdate(key, updateID, upsertMessage(s.cachedMessages(key), local))

	msg, err := s.dir.CreateMessage(ctx, roomID, s.cfg.User.ID, content)
	if err != nil {
		s.Reconciler.RollbackOptimisticUpdate(updateID, snapshot, had)
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	s.Reconciler.ConfirmOptimisticUpdate(updateID, replaceMessage(s.cachedMessages(key), local.ID, msg))
	s.Manager.RecordActivity()
	return msg, nil
}

// mergeServerMessage settles an incoming change row against the room's
// cached list. Server rows win: pending optimistic entries for the key are
// discarded. Rooms with nothing cached and nothing pending are left alone
// so a later backfill stays authoritative.
func (s *Service) mergeServerMessage(msg models.Message) {
	key := MessagesCacheKey(msg.RoomID)
	_, cached := s.Store.Get(key)
	if !cached && s.Reconciler.PendingForKey(key) == 0 {
		return
	}
	s.Reconciler.ResolveConflicts(key, upsertMessage(s.cachedMessages(key), msg))
}

// dropCachedMessage removes a deleted row from the room's cached list.
func (s *Service) dropCachedMessage(messageID, roomID uuid.UUID) {
	key := MessagesCacheKey(roomID)
	_, cached := s.Store.Get(key)
	if !cached && s.Reconciler.PendingForKey(key) == 0 {
		return
	}
	s.Reconciler.ResolveConflicts(key, removeMessage(s.cachedMessages(key), messageID))
}

func (s *Service) cachedMessages(key string) []models.Message {
	v, ok := s.Store.Get(key)
	if !ok {
		return nil
	}
	list, _ := v.([]models.Message)
	return list
}

// RecentMessages reads a room's message history through the cache; a miss
// or a stale entry backfills from persistence.
func (s *Service) RecentMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Message, error) {
	if s.dir == nil {
		return nil, fmt.Errorf("recent messages: no directory")
	}
	if limit <= 0 {
		limit = 50
	}

	key := MessagesCacheKey(roomID)
	if v, ok := s.Store.Get(key); ok && !s.Store.IsStale(key) {
		if list, ok := v.([]models.Message); ok {
			return list, nil
		}
	}

	messages, err := s.dir.GetRecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	s.Store.Set(key, messages)
	return messages, nil
}

// Status assembles the connection snapshot plus registry counters.
func (s *Service) Status() ConnectionStatus {
	st := s.Manager.Status()
	return st
}

// Subscriptions snapshots the registry records.
func (s *Service) Subscriptions() []models.SubscriptionRecord {
	return s.Subs.Records()
}

// RecentErrors exposes the newest error-log records.
func (s *Service) RecentErrors(n int) []Record {
	return s.errlog.Recent(n)
}

// ClearErrors wipes the error history.
func (s *Service) ClearErrors() {
	s.errlog.ClearHistory()
}

// ForceReconnect resets retries and re-establishes the connection.
func (s *Service) ForceReconnect() {
	s.Manager.ForceReconnect()
}

// UpdatePresenceStatus re-tracks the local user with a new availability.
func (s *Service) UpdatePresenceStatus(status models.PresenceStatus) {
	s.Presence.UpdateStatus(status)
}

// SetNetworkSample feeds a device network reading into the throttle policy.
// Coming back online while disconnected triggers a reconnect.
func (s *Service) SetNetworkSample(ctx context.Context, sample NetworkSample) {
	wasOnline := s.monitor.Online()
	s.monitor.SetNetwork(sample)
	if !wasOnline && sample.Online {
		switch s.Manager.State() {
		case models.StateDisconnected, models.StateFailed:
			_ = s.Manager.Connect(ctx)
		}
	}
}

// SetBatterySample feeds a device battery reading into the throttle policy.
func (s *Service) SetBatterySample(sample BatterySample) {
	s.monitor.SetBattery(sample)
}

// Throttle reports the current adaptive delay for non-critical updates.
func (s *Service) Throttle() time.Duration {
	return s.monitor.Throttle(s.cfg.BaseThrottle)
}

// Monitor exposes the device monitor for status reporting.
func (s *Service) Monitor() *DeviceMonitor {
	return s.monitor
}

// Close tears everything down: typing timers, presence heartbeat, every
// registered channel and the logical connection.
func (s *Service) Close(ctx context.Context) {
	s.Typing.Close()
	s.Presence.Close()
	s.Subs.Cleanup()
	s.Manager.Disconnect()

	if s.dir != nil {
		if err := s.dir.RemoveRealtimeSession(ctx, s.cfg.User.ID); err != nil {
			logging.LogRealtimeError(s.cfg.User.ID.String(), "session-remove", err)
		}
	}
}
