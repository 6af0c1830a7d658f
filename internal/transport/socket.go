package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/desco-devs/fleetsync/internal/logging"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultJoinTimeout       = 10 * time.Second
	writeDeadline            = 10 * time.Second
)

// SocketConfig configures the websocket connection to the realtime endpoint.
type SocketConfig struct {
	// URL is the realtime websocket endpoint, e.g.
	// wss://<project>.supabase.co/realtime/v1/websocket?apikey=<key>&vsn=1.0.0
	URL string

	// AccessToken is attached to channel joins for row-level authorization.
	AccessToken string

	// HeartbeatInterval is the socket-level heartbeat cadence. Defaults to 30s.
	HeartbeatInterval time.Duration

	// JoinTimeout bounds how long a channel join may stay unanswered before
	// the status callback receives TIMED_OUT. Defaults to 10s.
	JoinTimeout time.Duration
}

// Socket implements Client over a Phoenix-protocol websocket. A topic is
// joined once on the wire no matter how many subscribers hold a handle on
// it; statuses and events fan out to every handle, and the leave goes out
// only when the last handle unsubscribes.
type Socket struct {
	cfg SocketConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]*topicChannel
	done   chan struct{}

	writeMu sync.Mutex
	refSeq  uint64
}

// NewSocket creates a disconnected socket. Call Connect before subscribing
// channels.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	return &Socket{
		cfg:    cfg,
		topics: make(map[string]*topicChannel),
	}
}

// Connect dials the websocket and starts the read and heartbeat loops.
// Calling Connect on an already-connected socket is a no-op.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("realtime dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.readLoop(conn, done)
	go s.heartbeatLoop(done)

	logging.Info("Realtime socket connected to %s", s.cfg.URL)
	return nil
}

// Disconnect closes the connection and delivers CLOSED to every subscribed
// handle exactly once.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	done := s.done
	s.conn = nil
	s.done = nil
	topics := s.snapshotTopicsLocked()
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeDeadline))
		_ = conn.Close()
	}
	for _, tc := range topics {
		tc.deliverStatus(StatusClosed, nil)
	}
	return nil
}

// Channel returns a fresh handle on the topic. Handles are independent:
// each carries its own handlers and status callback, and unsubscribing one
// leaves the others attached.
func (s *Socket) Channel(topic string, cfg *ChannelConfig) Channel {
	s.mu.Lock()
	tc, ok := s.topics[topic]
	if !ok {
		tc = newTopicChannel(s, topic, cfg)
		s.topics[topic] = tc
	}
	s.mu.Unlock()
	return tc.newHandle()
}

// RemoveChannel unsubscribes the handle; the topic itself is released once
// its last handle is gone.
func (s *Socket) RemoveChannel(c Channel) error {
	return c.Unsubscribe()
}

// forgetTopic drops the topic from the registry once its last handle has
// released it, so the next Channel call starts from clean state.
func (s *Socket) forgetTopic(tc *topicChannel) {
	s.mu.Lock()
	if s.topics[tc.topic] == tc {
		delete(s.topics, tc.topic)
	}
	s.mu.Unlock()
}

func (s *Socket) snapshotTopicsLocked() []*topicChannel {
	topics := make([]*topicChannel, 0, len(s.topics))
	for _, tc := range s.topics {
		topics = append(topics, tc)
	}
	return topics
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(atomic.AddUint64(&s.refSeq, 1), 10)
}

func (s *Socket) send(m phxMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime send %q on %q: socket not connected", m.Event, m.Topic)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return fmt.Errorf("realtime set write deadline: %w", err)
	}
	if err := conn.WriteJSON(m); err != nil {
		return fmt.Errorf("realtime write %q on %q: %w", m.Event, m.Topic, err)
	}
	return nil
}

// readLoop routes inbound frames to their topic until the connection dies.
func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-done:
				// Deliberate disconnect; statuses were already delivered.
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Error("Realtime socket read failed: %v", err)
			}
			s.handleDisconnect(conn)
			return
		}

		if msg.Topic == phoenixTopic {
			continue // heartbeat replies carry no channel payload
		}

		s.mu.Lock()
		tc := s.topics[msg.Topic]
		s.mu.Unlock()
		if tc != nil {
			tc.dispatch(msg)
		}
	}
}

// handleDisconnect tears down a dead connection and reports CHANNEL_ERROR to
// every subscribed handle so the owners can schedule reconnects.
func (s *Socket) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	done := s.done
	s.done = nil
	topics := s.snapshotTopicsLocked()
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	_ = conn.Close()
	for _, tc := range topics {
		tc.deliverStatus(StatusChannelError, fmt.Errorf("socket connection lost"))
	}
}

func (s *Socket) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msg := phxMessage{
				Topic:   phoenixTopic,
				Event:   phxHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     s.nextRef(),
			}
			if err := s.send(msg); err != nil {
				logging.Warn("Realtime socket heartbeat failed: %v", err)
				return
			}
		}
	}
}

// pgHandler pairs a change filter with its callback.
type pgHandler struct {
	filter PostgresFilter
	fn     func(PostgresChange)
}

// topicChannel owns the wire state for one topic: the join lifecycle, the
// join timer and the set of subscriber handles events fan out to. The
// channel config is fixed by whichever handle created the topic.
type topicChannel struct {
	sock  *Socket
	topic string
	cfg   ChannelConfig

	mu        sync.Mutex
	handles   []*channelHandle
	joinRef   string
	joined    bool
	joining   bool
	joinTimer *time.Timer
}

func newTopicChannel(s *Socket, topic string, cfg *ChannelConfig) *topicChannel {
	tc := &topicChannel{
		sock:  s,
		topic: topic,
	}
	if cfg != nil {
		tc.cfg = *cfg
	}
	return tc
}

func (tc *topicChannel) newHandle() *channelHandle {
	h := &channelHandle{
		tc:            tc,
		bcastHandlers: make(map[string][]func(json.RawMessage)),
	}
	tc.mu.Lock()
	tc.handles = append(tc.handles, h)
	tc.mu.Unlock()
	return h
}

// join sends phx_join for the topic, or hands the handle the current status
// when a join is already active or in flight.
func (tc *topicChannel) join(h *channelHandle) error {
	tc.mu.Lock()
	attached := false
	for _, member := range tc.handles {
		if member == h {
			attached = true
			break
		}
	}
	if !attached {
		// a handle resubscribing after its own unsubscribe re-attaches
		tc.handles = append(tc.handles, h)
	}
	if tc.joined {
		tc.mu.Unlock()
		h.deliverStatus(StatusSubscribed, nil)
		return nil
	}
	if tc.joining {
		// the pending join's reply fans out to every subscribed handle
		tc.mu.Unlock()
		return nil
	}
	tc.joining = true
	tc.joinRef = tc.sock.nextRef()
	joinRef := tc.joinRef

	payload := joinPayload{AccessToken: tc.sock.cfg.AccessToken}
	payload.Config.Broadcast = tc.cfg.Broadcast
	payload.Config.Presence = tc.cfg.Presence
	payload.Config.Private = tc.cfg.Private
	// postgres filters are collected at join time; handles subscribing
	// after the join reuse the filters already on the wire
	for _, member := range tc.handles {
		payload.Config.PostgresChanges = append(payload.Config.PostgresChanges, member.filters()...)
	}

	if tc.joinTimer != nil {
		tc.joinTimer.Stop()
	}
	tc.joinTimer = time.AfterFunc(tc.sock.cfg.JoinTimeout, func() {
		tc.deliverStatus(StatusTimedOut, fmt.Errorf("join of %q timed out", tc.topic))
	})
	tc.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		tc.abortJoin(joinRef)
		return fmt.Errorf("marshal join payload: %w", err)
	}
	if err := tc.sock.send(phxMessage{
		Topic:   tc.topic,
		Event:   phxJoin,
		Payload: raw,
		Ref:     joinRef,
		JoinRef: joinRef,
	}); err != nil {
		tc.abortJoin(joinRef)
		return err
	}
	return nil
}

// abortJoin clears the in-flight join state after a failed send so a later
// subscribe can try again.
func (tc *topicChannel) abortJoin(joinRef string) {
	tc.mu.Lock()
	if tc.joinRef == joinRef {
		tc.joining = false
		if tc.joinTimer != nil {
			tc.joinTimer.Stop()
			tc.joinTimer = nil
		}
	}
	tc.mu.Unlock()
}

// release drops the handle from the topic. The last handle out sends the
// leave and retires the topic from the socket registry.
func (tc *topicChannel) release(h *channelHandle) error {
	tc.mu.Lock()
	kept := tc.handles[:0]
	for _, member := range tc.handles {
		if member != h {
			kept = append(kept, member)
		}
	}
	tc.handles = kept
	if len(tc.handles) > 0 {
		tc.mu.Unlock()
		return nil
	}
	wasActive := tc.joined || tc.joining
	joinRef := tc.joinRef
	tc.joined = false
	tc.joining = false
	if tc.joinTimer != nil {
		tc.joinTimer.Stop()
		tc.joinTimer = nil
	}
	tc.mu.Unlock()

	tc.sock.forgetTopic(tc)
	if !wasActive {
		return nil
	}
	err := tc.sock.send(phxMessage{
		Topic:   tc.topic,
		Event:   phxLeave,
		Payload: json.RawMessage(`{}`),
		Ref:     tc.sock.nextRef(),
		JoinRef: joinRef,
	})
	if err != nil {
		// The socket may already be gone; leaving is best effort then.
		logging.Debug("Leave of %q not sent: %v", tc.topic, err)
	}
	return nil
}

func (tc *topicChannel) currentJoinRef() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.joinRef
}

func (tc *topicChannel) snapshotHandles() []*channelHandle {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]*channelHandle{}, tc.handles...)
}

// deliverStatus settles the join state and fans the status out to every
// subscribed handle.
func (tc *topicChannel) deliverStatus(status SubscribeStatus, err error) {
	tc.mu.Lock()
	if tc.joinTimer != nil {
		tc.joinTimer.Stop()
		tc.joinTimer = nil
	}
	tc.joining = false
	tc.joined = status == StatusSubscribed
	handles := append([]*channelHandle{}, tc.handles...)
	tc.mu.Unlock()

	for _, h := range handles {
		h.deliverStatus(status, err)
	}
}

// dispatch decodes one inbound frame and fans it out to every handle.
func (tc *topicChannel) dispatch(msg phxMessage) {
	switch msg.Event {
	case phxReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			logging.Warn("Malformed phx_reply on %q: %v", tc.topic, err)
			return
		}
		if msg.Ref != tc.currentJoinRef() {
			return // reply to a send/track, not to the join
		}
		if reply.Status == "ok" {
			tc.deliverStatus(StatusSubscribed, nil)
		} else {
			tc.deliverStatus(StatusChannelError, fmt.Errorf("join of %q rejected: %s", tc.topic, reply.Response))
		}

	case phxError:
		tc.deliverStatus(StatusChannelError, fmt.Errorf("channel %q errored", tc.topic))

	case phxClose:
		tc.deliverStatus(StatusClosed, nil)

	case wireBroadcast:
		var wire broadcastPayload
		if err := json.Unmarshal(msg.Payload, &wire); err != nil {
			logging.Warn("Malformed broadcast on %q: %v", tc.topic, err)
			return
		}
		for _, h := range tc.snapshotHandles() {
			h.fireBroadcast(wire.Event, wire.Payload)
		}

	case wirePresenceState:
		state, err := decodePresenceState(msg.Payload)
		if err != nil {
			logging.Warn("Malformed presence_state on %q: %v", tc.topic, err)
			return
		}
		tc.firePresence(PresenceEvent{Type: PresenceSync, State: state})

	case wirePresenceDiff:
		joins, leaves, err := decodePresenceDiff(msg.Payload)
		if err != nil {
			logging.Warn("Malformed presence_diff on %q: %v", tc.topic, err)
			return
		}
		for key, metas := range joins {
			tc.firePresence(PresenceEvent{Type: PresenceJoin, Key: key, Metas: metas})
		}
		for key, metas := range leaves {
			tc.firePresence(PresenceEvent{Type: PresenceLeave, Key: key, Metas: metas})
		}

	case wirePostgresChanges:
		change, err := decodePostgresChange(msg.Payload)
		if err != nil {
			logging.Warn("Malformed postgres_changes on %q: %v", tc.topic, err)
			return
		}
		for _, h := range tc.snapshotHandles() {
			h.firePostgres(change)
		}
	}
}

func (tc *topicChannel) firePresence(ev PresenceEvent) {
	for _, h := range tc.snapshotHandles() {
		h.firePresence(ev)
	}
}

// channelHandle is one subscriber's view of a topic. Each handle keeps its
// own handlers and status callback so subscribers cannot interfere with one
// another.
type channelHandle struct {
	tc *topicChannel

	mu               sync.Mutex
	statusCb         StatusCallback
	subscribed       bool
	left             bool
	pgHandlers       []pgHandler
	bcastHandlers    map[string][]func(json.RawMessage)
	presenceHandlers []func(PresenceEvent)
}

func (h *channelHandle) Topic() string { return h.tc.topic }

func (h *channelHandle) OnPostgresChange(filter PostgresFilter, fn func(PostgresChange)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pgHandlers = append(h.pgHandlers, pgHandler{filter: filter, fn: fn})
}

func (h *channelHandle) OnBroadcast(event string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bcastHandlers[event] = append(h.bcastHandlers[event], fn)
}

func (h *channelHandle) OnPresence(fn func(PresenceEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presenceHandlers = append(h.presenceHandlers, fn)
}

func (h *channelHandle) Subscribe(cb StatusCallback) error {
	h.mu.Lock()
	h.statusCb = cb
	h.subscribed = true
	h.left = false
	h.mu.Unlock()
	return h.tc.join(h)
}

func (h *channelHandle) Send(event string, payload interface{}) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	raw, err := json.Marshal(broadcastPayload{Type: wireBroadcast, Event: event, Payload: inner})
	if err != nil {
		return fmt.Errorf("marshal broadcast frame: %w", err)
	}
	return h.tc.sock.send(phxMessage{
		Topic:   h.tc.topic,
		Event:   wireBroadcast,
		Payload: raw,
		Ref:     h.tc.sock.nextRef(),
		JoinRef: h.tc.currentJoinRef(),
	})
}

func (h *channelHandle) Track(payload map[string]interface{}) error {
	return h.presenceOp("track", payload)
}

func (h *channelHandle) Untrack() error {
	return h.presenceOp("untrack", nil)
}

func (h *channelHandle) presenceOp(event string, payload map[string]interface{}) error {
	raw, err := json.Marshal(presenceOpPayload{Type: wirePresence, Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal presence %s: %w", event, err)
	}
	return h.tc.sock.send(phxMessage{
		Topic:   h.tc.topic,
		Event:   wirePresence,
		Payload: raw,
		Ref:     h.tc.sock.nextRef(),
		JoinRef: h.tc.currentJoinRef(),
	})
}

// Unsubscribe detaches this handle only. Remaining handles keep receiving
// events; the wire-level leave happens when the last one detaches.
func (h *channelHandle) Unsubscribe() error {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return nil
	}
	h.left = true
	h.subscribed = false
	h.mu.Unlock()
	return h.tc.release(h)
}

func (h *channelHandle) filters() []PostgresFilter {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PostgresFilter, 0, len(h.pgHandlers))
	for _, ph := range h.pgHandlers {
		out = append(out, ph.filter)
	}
	return out
}

// deliverStatus invokes the status callback unless the handle never
// subscribed or already left.
func (h *channelHandle) deliverStatus(status SubscribeStatus, err error) {
	h.mu.Lock()
	if h.left || !h.subscribed {
		h.mu.Unlock()
		return
	}
	cb := h.statusCb
	h.mu.Unlock()

	if cb != nil {
		cb(status, err)
	}
}

func (h *channelHandle) fireBroadcast(event string, payload json.RawMessage) {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	handlers := append([]func(json.RawMessage){}, h.bcastHandlers[event]...)
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(payload)
	}
}

func (h *channelHandle) firePresence(ev PresenceEvent) {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	handlers := append([]func(PresenceEvent){}, h.presenceHandlers...)
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (h *channelHandle) firePostgres(change PostgresChange) {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	handlers := append([]pgHandler{}, h.pgHandlers...)
	h.mu.Unlock()
	for _, ph := range handlers {
		if ph.matches(change) {
			ph.fn(change)
		}
	}
}

func (h pgHandler) matches(change PostgresChange) bool {
	if h.filter.Event != ChangeAll && h.filter.Event != change.EventType {
		return false
	}
	if h.filter.Table != "" && h.filter.Table != change.Table {
		return false
	}
	if h.filter.Schema != "" && h.filter.Schema != change.Schema {
		return false
	}
	return true
}
