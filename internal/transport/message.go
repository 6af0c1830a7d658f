package transport

import (
	"encoding/json"
	"fmt"
)

// Phoenix protocol event names used on the wire.
const (
	phxJoin      = "phx_join"
	phxReply     = "phx_reply"
	phxLeave     = "phx_leave"
	phxClose     = "phx_close"
	phxError     = "phx_error"
	phxHeartbeat = "heartbeat"

	wireBroadcast       = "broadcast"
	wirePresence        = "presence"
	wirePresenceState   = "presence_state"
	wirePresenceDiff    = "presence_diff"
	wirePostgresChanges = "postgres_changes"

	// Control topic for socket heartbeats.
	phoenixTopic = "phoenix"
)

// phxMessage is the wire frame shared by every protocol event.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// replyPayload is the payload of a phx_reply frame.
type replyPayload struct {
	Status   string          `json:"status"` // "ok" or "error"
	Response json.RawMessage `json:"response"`
}

// joinPayload is sent with phx_join.
type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []PostgresFilter `json:"postgres_changes,omitempty"`
	Private         bool             `json:"private"`
}

// broadcastPayload wraps user broadcast events on the wire.
type broadcastPayload struct {
	Type    string          `json:"type"` // always "broadcast"
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// presenceOpPayload is sent to track/untrack presence.
type presenceOpPayload struct {
	Type    string                 `json:"type"`  // always "presence"
	Event   string                 `json:"event"` // "track" or "untrack"
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// postgresChangePayload is the payload of a postgres_changes frame.
type postgresChangePayload struct {
	IDs  []int64 `json:"ids"`
	Data struct {
		Type            ChangeEvent            `json:"type"`
		Schema          string                 `json:"schema"`
		Table           string                 `json:"table"`
		CommitTimestamp string                 `json:"commit_timestamp"`
		Record          map[string]interface{} `json:"record"`
		OldRecord       map[string]interface{} `json:"old_record"`
	} `json:"data"`
}

// wireMetas is the {"metas":[...]} wrapper presence frames use per key.
type wireMetas struct {
	Metas []PresenceMeta `json:"metas"`
}

// decodePresenceState parses a presence_state payload into key -> metas.
func decodePresenceState(raw json.RawMessage) (map[string][]PresenceMeta, error) {
	var wire map[string]wireMetas
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode presence_state: %w", err)
	}
	state := make(map[string][]PresenceMeta, len(wire))
	for key, entry := range wire {
		state[key] = entry.Metas
	}
	return state, nil
}

// decodePresenceDiff parses a presence_diff payload into join and leave maps.
func decodePresenceDiff(raw json.RawMessage) (joins, leaves map[string][]PresenceMeta, err error) {
	var wire struct {
		Joins  map[string]wireMetas `json:"joins"`
		Leaves map[string]wireMetas `json:"leaves"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, nil, fmt.Errorf("decode presence_diff: %w", err)
	}
	joins = make(map[string][]PresenceMeta, len(wire.Joins))
	for key, entry := range wire.Joins {
		joins[key] = entry.Metas
	}
	leaves = make(map[string][]PresenceMeta, len(wire.Leaves))
	for key, entry := range wire.Leaves {
		leaves[key] = entry.Metas
	}
	return joins, leaves, nil
}

// decodePostgresChange parses a postgres_changes payload into the event
// struct handed to listeners.
func decodePostgresChange(raw json.RawMessage) (PostgresChange, error) {
	var wire postgresChangePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return PostgresChange{}, fmt.Errorf("decode postgres_changes: %w", err)
	}
	return PostgresChange{
		EventType: wire.Data.Type,
		Schema:    wire.Data.Schema,
		Table:     wire.Data.Table,
		New:       wire.Data.Record,
		Old:       wire.Data.OldRecord,
	}, nil
}
