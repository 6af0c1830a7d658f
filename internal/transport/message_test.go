package transport

import (
	"encoding/json"
	"testing"
)

func TestDecodePresenceState(t *testing.T) {
	raw := json.RawMessage(`{
		"5f64a6a1-0000-0000-0000-000000000001": {"metas": [
			{"phx_ref": "a", "username": "ana", "status": "online"},
			{"phx_ref": "b", "username": "ana", "status": "away"}
		]},
		"5f64a6a1-0000-0000-0000-000000000002": {"metas": [
			{"phx_ref": "c", "username": "bo"}
		]}
	}`)

	state, err := decodePresenceState(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(state) != 2 {
		t.Fatalf("keys = %d, want 2", len(state))
	}
	metas := state["5f64a6a1-0000-0000-0000-000000000001"]
	if len(metas) != 2 {
		t.Fatalf("metas = %d, want both refs kept", len(metas))
	}
	if metas[1]["status"] != "away" {
		t.Errorf("newest meta status = %v, want away", metas[1]["status"])
	}

	if _, err := decodePresenceState(json.RawMessage(`[]`)); err == nil {
		t.Error("non-object payload should fail to decode")
	}
}

func TestDecodePresenceDiff(t *testing.T) {
	raw := json.RawMessage(`{
		"joins":  {"u1": {"metas": [{"username": "ana"}]}},
		"leaves": {"u2": {"metas": [{"username": "bo"}]}}
	}`)

	joins, leaves, err := decodePresenceDiff(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(joins) != 1 || joins["u1"][0]["username"] != "ana" {
		t.Errorf("joins = %v", joins)
	}
	if len(leaves) != 1 || leaves["u2"][0]["username"] != "bo" {
		t.Errorf("leaves = %v", leaves)
	}

	// empty diff frames are routine, not errors
	joins, leaves, err = decodePresenceDiff(json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(joins) != 0 || len(leaves) != 0 {
		t.Errorf("empty diff decoded to joins=%v leaves=%v", joins, leaves)
	}
}

func TestDecodePostgresChange(t *testing.T) {
	raw := json.RawMessage(`{
		"ids": [1234],
		"data": {
			"type": "UPDATE",
			"schema": "public",
			"table": "messages",
			"commit_timestamp": "2025-06-01T12:00:00Z",
			"record": {"id": "m1", "content": "hi"},
			"old_record": {"id": "m1", "content": "ho"}
		}
	}`)

	change, err := decodePostgresChange(raw)
	if err != nil {
		t.Fatal(err)
	}
	if change.EventType != ChangeUpdate {
		t.Errorf("event type = %s, want UPDATE", change.EventType)
	}
	if change.Schema != "public" || change.Table != "messages" {
		t.Errorf("source = %s.%s, want public.messages", change.Schema, change.Table)
	}
	if change.New["content"] != "hi" || change.Old["content"] != "ho" {
		t.Errorf("rows = new %v / old %v", change.New, change.Old)
	}

	if _, err := decodePostgresChange(json.RawMessage(`"nope"`)); err == nil {
		t.Error("malformed payload should fail to decode")
	}
}

func TestPhxMessageRoundTrip(t *testing.T) {
	msg := phxMessage{
		Topic:   "realtime:room:1:typing",
		Event:   phxJoin,
		Payload: json.RawMessage(`{"access_token":"t"}`),
		Ref:     "1",
		JoinRef: "1",
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var back phxMessage
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Topic != msg.Topic || back.Event != msg.Event || back.Ref != "1" || back.JoinRef != "1" {
		t.Errorf("round trip = %+v, want %+v", back, msg)
	}
}

func TestReplyPayloadStatus(t *testing.T) {
	var reply replyPayload
	err := json.Unmarshal(json.RawMessage(`{"status":"error","response":{"reason":"unmatched topic"}}`), &reply)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != "error" {
		t.Errorf("status = %s, want error", reply.Status)
	}
	var resp struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(reply.Response, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reason != "unmatched topic" {
		t.Errorf("reason = %s", resp.Reason)
	}
}
