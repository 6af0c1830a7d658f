package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/desco-devs/fleetsync/internal/transport"
)

// fakeChannel records everything a component does to it and lets tests fire
// inbound events by hand.
type fakeChannel struct {
	mu    sync.Mutex
	topic string

	statusCB   transport.StatusCallback
	broadcasts map[string][]func(json.RawMessage)
	presenceFn func(transport.PresenceEvent)
	pgHandlers []func(transport.PostgresChange)
	pgFilters  []transport.PostgresFilter

	sent         []sentBroadcast
	tracked      []map[string]interface{}
	untracks     int
	unsubscribes int

	subscribeErr   error
	sendErr        error
	trackErr       error
	unsubscribeErr error
	unsubPanic     bool
}

type sentBroadcast struct {
	event   string
	payload interface{}
}

func newFakeChannel(topic string) *fakeChannel {
	return &fakeChannel{
		topic:      topic,
		broadcasts: make(map[string][]func(json.RawMessage)),
	}
}

func (f *fakeChannel) Topic() string { return f.topic }

func (f *fakeChannel) OnPostgresChange(filter transport.PostgresFilter, fn func(transport.PostgresChange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pgFilters = append(f.pgFilters, filter)
	f.pgHandlers = append(f.pgHandlers, fn)
}

func (f *fakeChannel) OnBroadcast(event string, fn func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[event] = append(f.broadcasts[event], fn)
}

func (f *fakeChannel) OnPresence(fn func(transport.PresenceEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presenceFn = fn
}

func (f *fakeChannel) Subscribe(cb transport.StatusCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.statusCB = cb
	return nil
}

func (f *fakeChannel) Send(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentBroadcast{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Track(payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracked = append(f.tracked, payload)
	return nil
}

func (f *fakeChannel) Untrack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untracks++
	return nil
}

func (f *fakeChannel) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	if f.unsubPanic {
		panic("transport gone")
	}
	return f.unsubscribeErr
}

// test-side event injection

func (f *fakeChannel) fireStatus(status transport.SubscribeStatus, err error) {
	f.mu.Lock()
	cb := f.statusCB
	f.mu.Unlock()
	if cb != nil {
		cb(status, err)
	}
}

func (f *fakeChannel) fireBroadcast(event string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	handlers := append([]func(json.RawMessage){}, f.broadcasts[event]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

func (f *fakeChannel) firePresence(ev transport.PresenceEvent) {
	f.mu.Lock()
	fn := f.presenceFn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakeChannel) fireChange(change transport.PostgresChange) {
	f.mu.Lock()
	handlers := append([]func(transport.PostgresChange){}, f.pgHandlers...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(change)
	}
}

func (f *fakeChannel) sentEvents() []sentBroadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentBroadcast{}, f.sent...)
}

func (f *fakeChannel) trackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracked)
}

func (f *fakeChannel) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

// fakeClient hands out a fresh fakeChannel per Channel call and counts them.
type fakeClient struct {
	mu         sync.Mutex
	connects   int
	connectErr error
	channels   []*fakeChannel
}

func newFakeClient() *fakeClient { return &fakeClient{} }

func (f *fakeClient) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeClient) Disconnect() error { return nil }

func (f *fakeClient) Channel(topic string, _ *transport.ChannelConfig) transport.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := newFakeChannel(topic)
	f.channels = append(f.channels, ch)
	return ch
}

func (f *fakeClient) RemoveChannel(_ transport.Channel) error { return nil }

func (f *fakeClient) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeClient) lastChannel() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

func (f *fakeClient) channelByTopic(topic string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.channels) - 1; i >= 0; i-- {
		if f.channels[i].topic == topic {
			return f.channels[i]
		}
	}
	return nil
}
