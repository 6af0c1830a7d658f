package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/database"
	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/middleware"
	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/realtime"
)

// ServiceFactory builds the per-user realtime service graph.
type ServiceFactory func(user models.User) *realtime.Service

// RealtimeHandler exposes the realtime core over HTTP. Each authenticated
// user gets exactly one Service instance, created on first use.
type RealtimeHandler struct {
	db      *database.DB
	factory ServiceFactory

	mu       sync.Mutex
	services map[uuid.UUID]*realtime.Service
}

func NewRealtimeHandler(db *database.DB, factory ServiceFactory) *RealtimeHandler {
	return &RealtimeHandler{
		db:       db,
		factory:  factory,
		services: make(map[uuid.UUID]*realtime.Service),
	}
}

// service returns the user's service, creating it if needed.
func (h *RealtimeHandler) service(user *models.User) *realtime.Service {
	h.mu.Lock()
	defer h.mu.Unlock()
	svc, ok := h.services[user.ID]
	if !ok {
		svc = h.factory(*user)
		h.services[user.ID] = svc
	}
	return svc
}

func (h *RealtimeHandler) currentUser(c *gin.Context) (*models.User, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
	}
	return user, ok
}

func roomIDParam(c *gin.Context) (uuid.UUID, bool) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room ID"})
		return uuid.Nil, false
	}
	return roomID, true
}

// Connect brings up the user's realtime connection.
func (h *RealtimeHandler) Connect(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	svc := h.service(user)
	if err := svc.Connect(c.Request.Context()); err != nil {
		logging.LogRealtimeError(user.ID.String(), "connect", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to connect"})
		return
	}

	c.JSON(http.StatusOK, svc.Status())
}

// Disconnect tears the user's realtime connection down and forgets the
// service instance.
func (h *RealtimeHandler) Disconnect(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	h.mu.Lock()
	svc := h.services[user.ID]
	delete(h.services, user.ID)
	h.mu.Unlock()

	if svc != nil {
		svc.Close(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// Status reports the connection snapshot, registry records and throttle.
func (h *RealtimeHandler) Status(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	svc := h.service(user)

	c.JSON(http.StatusOK, gin.H{
		"connection":    svc.Status(),
		"subscriptions": svc.Subscriptions(),
		"network":       svc.Monitor().Network(),
		"battery":       svc.Monitor().Battery(),
		"throttle_ms":   svc.Throttle().Milliseconds(),
	})
}

// ForceReconnect resets retries and re-establishes the connection.
func (h *RealtimeHandler) ForceReconnect(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	svc := h.service(user)
	svc.ForceReconnect()
	c.JSON(http.StatusOK, gin.H{"status": "reconnecting"})
}

// Errors returns the newest error-log records.
func (h *RealtimeHandler) Errors(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	svc := h.service(user)
	c.JSON(http.StatusOK, gin.H{"errors": svc.RecentErrors(20)})
}

// ClearErrors wipes the error history.
func (h *RealtimeHandler) ClearErrors(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	svc := h.service(user)
	svc.ClearErrors()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// JoinRoom attaches the user's message and typing subscriptions to a room.
func (h *RealtimeHandler) JoinRoom(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	member, err := h.db.IsRoomMember(c.Request.Context(), roomID, user.ID)
	if err != nil {
		logging.LogRealtimeError(user.ID.String(), "room-membership", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room member"})
		return
	}

	svc := h.service(user)
	if err := svc.JoinRoom(c.Request.Context(), roomID); err != nil {
		logging.LogRealtimeError(user.ID.String(), "room-join", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to join room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined", "room_id": roomID})
}

// LeaveRoom detaches the user's subscriptions from a room.
func (h *RealtimeHandler) LeaveRoom(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	svc := h.service(user)
	if err := svc.LeaveRoom(c.Request.Context(), roomID); err != nil {
		logging.LogRealtimeError(user.ID.String(), "room-leave", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to leave room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left", "room_id": roomID})
}

// Typing signals keystroke activity; the stop is debounced server side.
func (h *RealtimeHandler) Typing(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	svc := h.service(user)
	svc.HandleTyping(roomID)
	c.JSON(http.StatusOK, gin.H{"status": "typing"})
}

// StopTyping ends the typing indicator immediately.
func (h *RealtimeHandler) StopTyping(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	svc := h.service(user)
	svc.StopTyping(roomID)
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// TypingUsers reports who is typing in a room plus the rendered text.
func (h *RealtimeHandler) TypingUsers(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	svc := h.service(user)
	c.JSON(http.StatusOK, gin.H{
		"users": svc.Typing.TypingUsers(roomID.String()),
		"text":  svc.Typing.TypingText(roomID.String()),
	})
}

// RoomOnline filters the global presence map down to the room's members.
func (h *RealtimeHandler) RoomOnline(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	svc := h.service(user)
	online, err := svc.RoomOnlineUsers(c.Request.Context(), roomID)
	if err != nil {
		logging.LogRealtimeError(user.ID.String(), "room-online", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load online users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}

// RoomMessages backfills the room's recent message history.
func (h *RealtimeHandler) RoomMessages(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	svc := h.service(user)
	messages, err := svc.RecentMessages(c.Request.Context(), roomID, 50)
	if err != nil {
		logging.LogRealtimeError(user.ID.String(), "room-messages", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// SendMessage posts a chat message into the room. The write is optimistic:
// the cached message list updates immediately and rolls back if the insert
// fails.
func (h *RealtimeHandler) SendMessage(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	member, err := h.db.IsRoomMember(c.Request.Context(), roomID, user.ID)
	if err != nil {
		logging.LogRealtimeError(user.ID.String(), "room-membership", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a room member"})
		return
	}

	svc := h.service(user)
	msg, err := svc.SendMessage(c.Request.Context(), roomID, req.Content)
	if err != nil {
		logging.LogRealtimeError(user.ID.String(), "message-send", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// MarkRoomRead advances the member's read marker and drops the cached
// unread count.
func (h *RealtimeHandler) MarkRoomRead(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	if err := h.db.MarkRoomRead(c.Request.Context(), roomID, user.ID); err != nil {
		logging.LogRealtimeError(user.ID.String(), "room-read", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark room read"})
		return
	}

	svc := h.service(user)
	svc.Store.Invalidate(realtime.UnreadCountKey(user.ID, roomID))
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// UnreadCount reads the member's unread counter through the cache.
func (h *RealtimeHandler) UnreadCount(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	svc := h.service(user)
	key := realtime.UnreadCountKey(user.ID, roomID)
	if v, ok := svc.Store.Get(key); ok && !svc.Store.IsStale(key) {
		c.JSON(http.StatusOK, gin.H{"unread": v, "cached": true})
		return
	}

	count, err := h.db.GetUnreadCount(c.Request.Context(), roomID, user.ID)
	if err != nil {
		logging.LogRealtimeError(user.ID.String(), "unread-count", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count unread messages"})
		return
	}
	svc.Store.Set(key, count)
	c.JSON(http.StatusOK, gin.H{"unread": count, "cached": false})
}

// Presence lists every user in the global presence map.
func (h *RealtimeHandler) Presence(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	svc := h.service(user)
	c.JSON(http.StatusOK, gin.H{"online": svc.Presence.OnlineUsers()})
}

// UpdatePresenceStatus re-tracks the user with a new availability bucket.
func (h *RealtimeHandler) UpdatePresenceStatus(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req struct {
		Status models.PresenceStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	switch req.Status {
	case models.PresenceOnline, models.PresenceAway, models.PresenceBusy, models.PresenceOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid presence status"})
		return
	}

	svc := h.service(user)
	svc.UpdatePresenceStatus(req.Status)
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// NetworkSample feeds a device network reading into the throttle policy.
func (h *RealtimeHandler) NetworkSample(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var sample realtime.NetworkSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	svc := h.service(user)
	svc.SetNetworkSample(c.Request.Context(), sample)
	c.JSON(http.StatusOK, gin.H{"throttle_ms": svc.Throttle().Milliseconds()})
}

// BatterySample feeds a device battery reading into the throttle policy.
func (h *RealtimeHandler) BatterySample(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var sample realtime.BatterySample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	svc := h.service(user)
	svc.SetBatterySample(sample)
	c.JSON(http.StatusOK, gin.H{"throttle_ms": svc.Throttle().Milliseconds()})
}

// Activities returns the recent activity feed.
func (h *RealtimeHandler) Activities(c *gin.Context) {
	if _, ok := h.currentUser(c); !ok {
		return
	}

	activities, err := h.db.GetRecentActivities(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load activities"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": activities})
}

// ActiveServices reports how many per-user services are live.
func (h *RealtimeHandler) ActiveServices() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.services)
}

// CloseAll tears down every live service, used at server shutdown.
func (h *RealtimeHandler) CloseAll(ctx context.Context) {
	h.mu.Lock()
	services := make([]*realtime.Service, 0, len(h.services))
	for _, svc := range h.services {
		services = append(services, svc)
	}
	h.services = make(map[uuid.UUID]*realtime.Service)
	h.mu.Unlock()

	for _, svc := range services {
		svc.Close(ctx)
	}
}
