// Package transport defines the channel abstraction the realtime core rides
// on: named bidirectional channels carrying postgres change events, broadcast
// messages, and presence state, in the shape of the Supabase realtime
// protocol. The core only depends on the Client/Channel interfaces; the
// concrete websocket implementation lives in socket.go.
package transport

import (
	"context"
	"encoding/json"
)

// SubscribeStatus is reported to the status callback passed to
// Channel.Subscribe.
type SubscribeStatus int

const (
	StatusSubscribed SubscribeStatus = iota
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s SubscribeStatus) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent is the row-change event type of a postgres change.
type ChangeEvent string

const (
	ChangeInsert ChangeEvent = "INSERT"
	ChangeUpdate ChangeEvent = "UPDATE"
	ChangeDelete ChangeEvent = "DELETE"
	ChangeAll    ChangeEvent = "*"
)

// PostgresFilter scopes a postgres_changes listener.
type PostgresFilter struct {
	Schema string      `json:"schema"`
	Table  string      `json:"table"`
	Event  ChangeEvent `json:"event"`
	// Filter is a PostgREST-style row filter, e.g. "room_id=eq.<uuid>".
	Filter string `json:"filter,omitempty"`
}

// PostgresChange is one row change event delivered on a channel.
type PostgresChange struct {
	EventType ChangeEvent            `json:"eventType"`
	Schema    string                 `json:"schema"`
	Table     string                 `json:"table"`
	New       map[string]interface{} `json:"new"`
	Old       map[string]interface{} `json:"old"`
}

// PresenceEventType distinguishes the three presence callbacks.
type PresenceEventType int

const (
	PresenceSync PresenceEventType = iota
	PresenceJoin
	PresenceLeave
)

func (t PresenceEventType) String() string {
	switch t {
	case PresenceSync:
		return "sync"
	case PresenceJoin:
		return "join"
	case PresenceLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// PresenceMeta is one tracked payload plus the server-assigned phx_ref.
type PresenceMeta map[string]interface{}

// PresenceEvent carries presence state changes. For sync events State holds
// the full authoritative snapshot; for join/leave only Key and Metas are set.
type PresenceEvent struct {
	Type  PresenceEventType
	Key   string
	Metas []PresenceMeta
	State map[string][]PresenceMeta
}

// ChannelConfig mirrors the channel join options of the realtime protocol.
type ChannelConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	Private bool `json:"private"`
}

// StatusCallback observes channel subscription state transitions.
type StatusCallback func(status SubscribeStatus, err error)

// Channel is one named, bidirectional event channel. Handlers must be
// registered before Subscribe; the channel owns no goroutines of its own and
// invokes handlers from the socket read loop.
type Channel interface {
	// Topic returns the channel name.
	Topic() string

	// OnPostgresChange registers a row-change handler for events matching
	// the filter.
	OnPostgresChange(filter PostgresFilter, fn func(PostgresChange))

	// OnBroadcast registers a handler for a named broadcast event.
	OnBroadcast(event string, fn func(payload json.RawMessage))

	// OnPresence registers a handler for presence sync/join/leave events.
	OnPresence(fn func(PresenceEvent))

	// Subscribe joins the channel. The callback receives SUBSCRIBED,
	// CHANNEL_ERROR, TIMED_OUT or CLOSED, possibly more than once over the
	// channel's lifetime.
	Subscribe(cb StatusCallback) error

	// Send broadcasts a named event with an arbitrary JSON payload.
	Send(event string, payload interface{}) error

	// Track registers the client's presence payload on the channel.
	Track(payload map[string]interface{}) error

	// Untrack removes the client's presence from the channel.
	Untrack() error

	// Unsubscribe leaves the channel and releases its resources. Safe to
	// call more than once.
	Unsubscribe() error
}

// Client owns the socket connection and hands out channels.
type Client interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection and closes every channel.
	Disconnect() error

	// Channel returns a channel for the topic, creating it if needed.
	// A nil config uses protocol defaults.
	Channel(topic string, cfg *ChannelConfig) Channel

	// RemoveChannel unsubscribes and forgets the given channel.
	RemoveChannel(ch Channel) error
}
