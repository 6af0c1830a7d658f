package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/metrics"
	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/transport"
)

const defaultPresenceHeartbeat = 30 * time.Second

// PresenceChannel maintains the global user presence map, synchronized
// through the transport's presence primitive. The map is global rather than
// per room so one tracked channel serves every room view; room-scoped
// queries filter it down by membership.
type PresenceChannel struct {
	mu        sync.Mutex
	clock     Clock
	errlog    *ErrorLog
	metrics   *metrics.Metrics // optional
	self      models.User
	status    models.PresenceStatus
	heartbeat time.Duration
	channel   transport.Channel
	closed    bool

	entries map[uuid.UUID]models.PresenceEntry

	hbTimer Timer
	hbGen   uint64

	// onChange receives (userID, online) on every incremental join or
	// leave; sync replacements do not fan out per user.
	onChange func(userID uuid.UUID, online bool)
}

// NewPresenceChannel creates an unattached presence channel for the local
// user. heartbeat of zero or less uses the 30s default.
func NewPresenceChannel(clock Clock, errlog *ErrorLog, m *metrics.Metrics, user models.User, heartbeat time.Duration, onChange func(userID uuid.UUID, online bool)) *PresenceChannel {
	if heartbeat <= 0 {
		heartbeat = defaultPresenceHeartbeat
	}
	return &PresenceChannel{
		clock:     clock,
		errlog:    errlog,
		metrics:   m,
		self:      user,
		status:    models.PresenceOnline,
		heartbeat: heartbeat,
		entries:   make(map[uuid.UUID]models.PresenceEntry),
		onChange:  onChange,
	}
}

// Attach binds the transport channel the presence map rides on. Must be
// called before the channel is subscribed so handlers are registered first.
func (p *PresenceChannel) Attach(ch transport.Channel) {
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()
	ch.OnPresence(p.handlePresence)
}

// HandleStatus reacts to the presence channel's subscription lifecycle: on
// SUBSCRIBED the local user is tracked immediately and the re-track
// heartbeat starts; on any other status the heartbeat stops so a dead
// channel is not written to.
func (p *PresenceChannel) HandleStatus(status transport.SubscribeStatus, err error) {
	switch status {
	case transport.StatusSubscribed:
		p.trackSelf()
		p.startHeartbeat()
		p.errlog.LogSuccess("presence channel subscribed", "presence")
	default:
		p.stopHeartbeat()
		if err != nil {
			p.errlog.LogError(ErrSubscription, "presence channel "+status.String(), err, "presence", SeverityMedium)
		}
	}
}

func (p *PresenceChannel) trackPayload() map[string]interface{} {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	return map[string]interface{}{
		"user_id":   p.self.ID.String(),
		"username":  p.self.Username,
		"full_name": p.self.FullName,
		"online_at": p.clock.Now().UTC().Format(time.RFC3339),
		"status":    string(status),
	}
}

func (p *PresenceChannel) trackSelf() {
	p.mu.Lock()
	ch := p.channel
	closed := p.closed
	p.mu.Unlock()
	if closed || ch == nil {
		return
	}
	if err := ch.Track(p.trackPayload()); err != nil {
		p.errlog.LogError(ErrNetwork, "presence track failed", err, "presence", SeverityLow)
	}
}

func (p *PresenceChannel) startHeartbeat() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.hbTimer != nil {
		p.hbTimer.Stop()
	}
	p.hbGen++
	gen := p.hbGen
	p.hbTimer = p.clock.AfterFunc(p.heartbeat, func() { p.heartbeatTick(gen) })
	p.mu.Unlock()
}

func (p *PresenceChannel) heartbeatTick(gen uint64) {
	p.mu.Lock()
	if p.closed || p.hbGen != gen {
		p.mu.Unlock()
		return
	}
	p.hbTimer = p.clock.AfterFunc(p.heartbeat, func() { p.heartbeatTick(gen) })
	p.mu.Unlock()

	p.trackSelf()
	p.sweepStale()
}

// sweepStale drops entries whose last track is older than three heartbeat
// intervals. A live peer re-tracks every interval, so anything this old
// belongs to a client that vanished without a leave event.
func (p *PresenceChannel) sweepStale() {
	cutoff := 3 * p.heartbeat

	var gone []uuid.UUID
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for userID, entry := range p.entries {
		if userID == p.self.ID {
			continue
		}
		if p.clock.Since(entry.OnlineAt) > cutoff {
			delete(p.entries, userID)
			gone = append(gone, userID)
		}
	}
	n := len(p.entries)
	p.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	p.gaugeUsers(n)
	for _, userID := range gone {
		if p.onChange != nil {
			p.onChange(userID, false)
		}
	}
}

func (p *PresenceChannel) stopHeartbeat() {
	p.mu.Lock()
	if p.hbTimer != nil {
		p.hbTimer.Stop()
		p.hbTimer = nil
	}
	p.hbGen++
	p.mu.Unlock()
}

// UpdateStatus re-tracks the local user with a new availability status
// without waiting for the next heartbeat.
func (p *PresenceChannel) UpdateStatus(status models.PresenceStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.trackSelf()
}

func (p *PresenceChannel) handlePresence(ev transport.PresenceEvent) {
	switch ev.Type {
	case transport.PresenceSync:
		p.applySync(ev.State)
	case transport.PresenceJoin:
		p.applyJoin(ev.Key, ev.Metas)
	case transport.PresenceLeave:
		p.applyLeave(ev.Key)
	}
}

// applySync fully replaces the map from the authoritative snapshot. Local
// state derived from earlier join/leave events is discarded, not merged.
func (p *PresenceChannel) applySync(state map[string][]transport.PresenceMeta) {
	next := make(map[uuid.UUID]models.PresenceEntry, len(state))
	for key, metas := range state {
		if entry, ok := p.entryFromMetas(key, metas); ok {
			next[entry.UserID] = entry
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.entries = next
	n := len(next)
	p.mu.Unlock()

	p.gaugeUsers(n)
	p.countEvent("handled")
}

func (p *PresenceChannel) applyJoin(key string, metas []transport.PresenceMeta) {
	entry, ok := p.entryFromMetas(key, metas)
	if !ok {
		p.countEvent("dropped")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.entries[entry.UserID] = entry
	n := len(p.entries)
	p.mu.Unlock()

	p.gaugeUsers(n)
	p.countEvent("handled")
	if p.onChange != nil {
		p.onChange(entry.UserID, true)
	}
}

func (p *PresenceChannel) applyLeave(key string) {
	userID, err := uuid.Parse(key)
	if err != nil {
		p.countEvent("dropped")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	_, present := p.entries[userID]
	delete(p.entries, userID)
	n := len(p.entries)
	p.mu.Unlock()

	p.gaugeUsers(n)
	p.countEvent("handled")
	if present && p.onChange != nil {
		p.onChange(userID, false)
	}
}

// entryFromMetas builds a PresenceEntry from the newest meta tracked under a
// presence key. The key is the user id; metas carry the tracked payload.
func (p *PresenceChannel) entryFromMetas(key string, metas []transport.PresenceMeta) (models.PresenceEntry, bool) {
	userID, err := uuid.Parse(key)
	if err != nil || len(metas) == 0 {
		return models.PresenceEntry{}, false
	}
	meta := metas[len(metas)-1]

	entry := models.PresenceEntry{
		UserID:   userID,
		OnlineAt: p.clock.Now(),
		Status:   models.PresenceOnline,
	}
	if v, ok := meta["username"].(string); ok {
		entry.Username = v
	}
	if v, ok := meta["full_name"].(string); ok {
		entry.FullName = v
	}
	if v, ok := meta["status"].(string); ok && v != "" {
		entry.Status = models.PresenceStatus(v)
	}
	if v, ok := meta["online_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			entry.OnlineAt = at
		}
	}
	return entry, true
}

// IsOnline reports whether the user is present in the global map.
func (p *PresenceChannel) IsOnline(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[userID]
	return ok
}

// OnlineUsers returns every tracked entry, ordered by display name.
func (p *PresenceChannel) OnlineUsers() []models.PresenceEntry {
	p.mu.Lock()
	out := make([]models.PresenceEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, entry)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayName() < out[j].DisplayName()
	})
	return out
}

// RoomOnlineUsers filters the global map down to a room's membership list.
func (p *PresenceChannel) RoomOnlineUsers(memberIDs []uuid.UUID) []models.PresenceEntry {
	p.mu.Lock()
	out := make([]models.PresenceEntry, 0, len(memberIDs))
	for _, id := range memberIDs {
		if entry, ok := p.entries[id]; ok {
			out = append(out, entry)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayName() < out[j].DisplayName()
	})
	return out
}

// Close stops the heartbeat, untracks the local user and freezes the map.
func (p *PresenceChannel) Close() {
	p.stopHeartbeat()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ch := p.channel
	p.channel = nil
	p.entries = make(map[uuid.UUID]models.PresenceEntry)
	p.mu.Unlock()

	p.gaugeUsers(0)
	if ch != nil {
		if err := ch.Untrack(); err != nil {
			p.errlog.LogError(ErrCleanup, "presence untrack failed", err, "presence", SeverityLow)
		}
	}
}

func (p *PresenceChannel) gaugeUsers(n int) {
	if p.metrics != nil {
		p.metrics.PresenceUsers.Set(float64(n))
	}
}

func (p *PresenceChannel) countEvent(result string) {
	if p.metrics != nil {
		p.metrics.EventsRouted.WithLabelValues("presence", result).Inc()
	}
}
