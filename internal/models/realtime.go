package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of the logical realtime connection.
// It is owned exclusively by the connection manager; other components read it
// through accessors but never write it.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDegraded
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DegradationLevel reflects quality of service, orthogonal to ConnectionState.
type DegradationLevel int

const (
	DegradationNone DegradationLevel = iota
	DegradationPartial
	DegradationPolling
	DegradationOffline
)

func (d DegradationLevel) String() string {
	switch d {
	case DegradationNone:
		return "none"
	case DegradationPartial:
		return "partial"
	case DegradationPolling:
		return "polling"
	case DegradationOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// PresenceStatus is the user-facing availability bucket.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceEntry is one user's tracked presence, keyed by user id in the
// presence channel's global map.
type PresenceEntry struct {
	UserID   uuid.UUID      `json:"user_id"`
	Username string         `json:"username"`
	FullName string         `json:"full_name"`
	OnlineAt time.Time      `json:"online_at"`
	Status   PresenceStatus `json:"status"`
}

// DisplayName prefers the full name and falls back to the username.
func (p PresenceEntry) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	return p.Username
}

// TypingUser is an ephemeral typing indicator entry, keyed by (room, user).
// Never persisted.
type TypingUser struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	StartedAt time.Time `json:"started_at"`
}

// DisplayName prefers the full name and falls back to the username.
func (t TypingUser) DisplayName() string {
	if t.FullName != "" {
		return t.FullName
	}
	return t.Username
}

// SubscriptionType classifies what a named subscription listens to.
type SubscriptionType string

const (
	SubscriptionDatabase  SubscriptionType = "DATABASE"
	SubscriptionBroadcast SubscriptionType = "BROADCAST"
	SubscriptionPresence  SubscriptionType = "PRESENCE"
)

// SubscriptionStatus is the per-subscription connection status tracked by the
// subscription manager.
type SubscriptionStatus string

const (
	SubscriptionConnecting   SubscriptionStatus = "connecting"
	SubscriptionConnected    SubscriptionStatus = "connected"
	SubscriptionDisconnected SubscriptionStatus = "disconnected"
	SubscriptionError        SubscriptionStatus = "error"
	SubscriptionRetrying     SubscriptionStatus = "retrying"
)

// SubscriptionRecord is a read-only snapshot of one registered subscription.
type SubscriptionRecord struct {
	ID                string             `json:"id"`
	ChannelName       string             `json:"channel_name"`
	Type              SubscriptionType   `json:"type"`
	Enabled           bool               `json:"enabled"`
	Status            SubscriptionStatus `json:"status"`
	MaxRetries        int                `json:"max_retries"`
	RetryDelay        time.Duration      `json:"retry_delay"`
	CurrentRetryCount int                `json:"current_retry_count"`
}

// Realtime broadcast event names shared between clients.
const (
	RealtimeEventHeartbeat   = "heartbeat"
	RealtimeEventTypingStart = "typing_start"
	RealtimeEventTypingStop  = "typing_stop"
)
