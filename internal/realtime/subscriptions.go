package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/metrics"
	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/transport"
)

const (
	defaultSubscriptionRetries    = 3
	defaultSubscriptionRetryDelay = 2 * time.Second
)

// SubscriptionConfig registers one named subscription with the manager.
type SubscriptionConfig struct {
	ID          string
	ChannelName string
	Type        models.SubscriptionType
	Enabled     bool
	MaxRetries  int
	RetryDelay  time.Duration
	Channel     *transport.ChannelConfig

	// Bind registers event handlers on the channel before it is
	// subscribed. May be nil for status-only subscriptions.
	Bind func(ch transport.Channel)

	// OnStatus observes the subscription's transport status transitions.
	// Never invoked after the subscription is removed or cleaned up.
	OnStatus transport.StatusCallback
}

type subscription struct {
	cfg        SubscriptionConfig
	status     models.SubscriptionStatus
	channel    transport.Channel
	retryTimer Timer
	retryCount int

	// gen invalidates status callbacks and retry timers belonging to a
	// superseded channel instance for this id.
	gen uint64
}

// SubscriptionManager is the single registry of live transport channels.
// Every feature opens its channels through here so no two components can
// own a channel under the same id, and teardown can sweep everything.
type SubscriptionManager struct {
	mu      sync.Mutex
	clock   Clock
	client  transport.Client
	errlog  *ErrorLog
	metrics *metrics.Metrics // optional

	subs     map[string]*subscription
	disabled bool
}

// NewSubscriptionManager creates an empty registry over the transport
// client.
func NewSubscriptionManager(clock Clock, client transport.Client, errlog *ErrorLog, m *metrics.Metrics) *SubscriptionManager {
	return &SubscriptionManager{
		clock:   clock,
		client:  client,
		errlog:  errlog,
		metrics: m,
		subs:    make(map[string]*subscription),
	}
}

// AddSubscription registers a config under its id. Any prior channel under
// the same id is unsubscribed first. When the config is enabled and the
// manager is not disabled, the channel opens immediately.
func (sm *SubscriptionManager) AddSubscription(cfg SubscriptionConfig) error {
	if cfg.ID == "" || cfg.ChannelName == "" {
		return fmt.Errorf("subscription needs id and channel name")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultSubscriptionRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultSubscriptionRetryDelay
	}

	sm.mu.Lock()
	sub := &subscription{cfg: cfg, status: models.SubscriptionDisconnected}
	if prev, ok := sm.subs[cfg.ID]; ok {
		sm.teardownLocked(prev)
		// carry the generation forward so late callbacks from the
		// replaced channel cannot match the new record
		sub.gen = prev.gen
	}
	sm.subs[cfg.ID] = sub
	open := cfg.Enabled && !sm.disabled
	if open {
		sub.status = models.SubscriptionConnecting
	}
	sm.mu.Unlock()

	logging.LogSubscription(cfg.ID, cfg.ChannelName, "registered")
	sm.updateGauges()
	if open {
		return sm.open(cfg.ID)
	}
	return nil
}

// open creates and subscribes the transport channel for the id. Callers
// must not hold the lock.
func (sm *SubscriptionManager) open(id string) error {
	sm.mu.Lock()
	sub, ok := sm.subs[id]
	if !ok || sm.disabled {
		sm.mu.Unlock()
		return nil
	}
	sub.gen++
	gen := sub.gen
	ch := sm.client.Channel(sub.cfg.ChannelName, sub.cfg.Channel)
	sub.channel = ch
	bind := sub.cfg.Bind
	sm.mu.Unlock()

	if bind != nil {
		bind(ch)
	}
	err := ch.Subscribe(func(status transport.SubscribeStatus, cause error) {
		sm.handleStatus(id, gen, status, cause)
	})
	if err != nil {
		sm.errlog.LogError(ErrSubscription, "channel subscribe failed", err, "subscription:"+id, SeverityMedium)
		sm.handleStatus(id, gen, transport.StatusChannelError, err)
		return err
	}
	return nil
}

func (sm *SubscriptionManager) handleStatus(id string, gen uint64, status transport.SubscribeStatus, cause error) {
	sm.mu.Lock()
	sub, ok := sm.subs[id]
	if !ok || sub.gen != gen {
		sm.mu.Unlock()
		return
	}

	var onStatus transport.StatusCallback
	switch status {
	case transport.StatusSubscribed:
		sub.status = models.SubscriptionConnected
		sub.retryCount = 0
		onStatus = sub.cfg.OnStatus
		sm.mu.Unlock()
		logging.LogSubscription(id, sub.cfg.ChannelName, "connected")
		sm.errlog.LogSuccess("subscription connected", "subscription:"+id)

	case transport.StatusChannelError, transport.StatusTimedOut:
		if sub.retryCount < sub.cfg.MaxRetries {
			sub.retryCount++
			sub.status = models.SubscriptionRetrying
			delay := sub.cfg.RetryDelay
			attempt := sub.retryCount
			sub.retryTimer = sm.clock.AfterFunc(delay, func() {
				sm.retry(id, gen)
			})
			onStatus = sub.cfg.OnStatus
			sm.mu.Unlock()
			logging.LogSubscription(id, sub.cfg.ChannelName, fmt.Sprintf("retry %d in %v", attempt, delay))
			sm.errlog.LogError(ErrSubscription, "subscription "+status.String(), cause, "subscription:"+id, SeverityLow)
		} else {
			sub.status = models.SubscriptionError
			onStatus = sub.cfg.OnStatus
			sm.mu.Unlock()
			logging.LogSubscription(id, sub.cfg.ChannelName, "retries exhausted")
			sm.errlog.LogError(ErrSubscription, "subscription retries exhausted", cause, "subscription:"+id, SeverityHigh)
		}

	case transport.StatusClosed:
		sub.status = models.SubscriptionDisconnected
		onStatus = sub.cfg.OnStatus
		sm.mu.Unlock()
		logging.LogSubscription(id, sub.cfg.ChannelName, "closed")

	default:
		sm.mu.Unlock()
	}

	sm.updateGauges()
	if onStatus != nil {
		onStatus(status, cause)
	}
}

func (sm *SubscriptionManager) retry(id string, gen uint64) {
	sm.mu.Lock()
	sub, ok := sm.subs[id]
	if !ok || sub.gen != gen || sm.disabled {
		sm.mu.Unlock()
		return
	}
	sub.retryTimer = nil
	if sub.channel != nil {
		ch := sub.channel
		sub.channel = nil
		sm.mu.Unlock()
		sm.unsubscribeQuietly(id, ch)
	} else {
		sm.mu.Unlock()
	}
	_ = sm.open(id)
}

// RemoveSubscription cancels the retry timer and unsubscribes the channel.
// With purge the config and status record are forgotten entirely; otherwise
// the record remains, disconnected, and can be reopened by a later
// AddSubscription under the same id.
func (sm *SubscriptionManager) RemoveSubscription(id string, purge bool) {
	sm.mu.Lock()
	sub, ok := sm.subs[id]
	if !ok {
		sm.mu.Unlock()
		return
	}
	ch := sm.detachLocked(sub)
	sub.status = models.SubscriptionDisconnected
	if purge {
		delete(sm.subs, id)
	}
	name := sub.cfg.ChannelName
	sm.mu.Unlock()

	if ch != nil {
		sm.unsubscribeQuietly(id, ch)
	}
	logging.LogSubscription(id, name, "removed")
	sm.updateGauges()
}

// detachLocked bumps the generation so late callbacks are dropped, stops
// the retry timer and takes the channel out of the record.
func (sm *SubscriptionManager) detachLocked(sub *subscription) transport.Channel {
	sub.gen++
	if sub.retryTimer != nil {
		sub.retryTimer.Stop()
		sub.retryTimer = nil
	}
	ch := sub.channel
	sub.channel = nil
	return ch
}

func (sm *SubscriptionManager) teardownLocked(sub *subscription) {
	ch := sm.detachLocked(sub)
	if ch == nil {
		return
	}
	go sm.unsubscribeQuietly(sub.cfg.ID, ch)
}

// unsubscribeQuietly wraps a single channel unsubscribe so one failure
// cannot abort a bulk sweep. Panics from a misbehaving transport are
// contained the same way. Reports whether the channel actually released.
func (sm *SubscriptionManager) unsubscribeQuietly(id string, ch transport.Channel) (released bool) {
	defer func() {
		if r := recover(); r != nil {
			sm.errlog.LogError(ErrCleanup, fmt.Sprintf("unsubscribe panicked: %v", r), nil, "subscription:"+id, SeverityMedium)
		}
	}()
	if err := ch.Unsubscribe(); err != nil {
		sm.errlog.LogError(ErrCleanup, "unsubscribe failed", err, "subscription:"+id, SeverityLow)
		return false
	}
	return true
}

// Cleanup unconditionally unsubscribes every tracked channel and clears
// every retry timer. Individual unsubscribe failures are logged and do not
// block the rest of the sweep; channels that refused to release are counted
// and reported, since they may still be joined server side.
func (sm *SubscriptionManager) Cleanup() {
	sm.mu.Lock()
	channels := make(map[string]transport.Channel)
	for id, sub := range sm.subs {
		if ch := sm.detachLocked(sub); ch != nil {
			channels[id] = ch
		}
		sub.status = models.SubscriptionDisconnected
	}
	sm.subs = make(map[string]*subscription)
	sm.mu.Unlock()

	leaked := 0
	for id, ch := range channels {
		if !sm.unsubscribeQuietly(id, ch) {
			leaked++
		}
	}

	if leaked != 0 {
		logging.Warn("subscription cleanup left %d live handles", leaked)
		sm.errlog.LogError(ErrCleanup, "cleanup left live handles", nil, "subscription-manager", SeverityMedium)
	}
	sm.updateGauges()
	logging.Debug("subscription cleanup swept %d channels", len(channels))
}

// Disable cleans up everything and refuses to open new channels until
// Enable is called.
func (sm *SubscriptionManager) Disable() {
	sm.mu.Lock()
	sm.disabled = true
	sm.mu.Unlock()
	sm.Cleanup()
}

// Enable lifts a prior Disable. Previously registered configs are not
// reopened automatically.
func (sm *SubscriptionManager) Enable() {
	sm.mu.Lock()
	sm.disabled = false
	sm.mu.Unlock()
}

// Send broadcasts an event on the subscription's channel. Components never
// hold channel handles themselves; sends go through the registry so the
// single-owner invariant holds.
func (sm *SubscriptionManager) Send(id, event string, payload interface{}) error {
	sm.mu.Lock()
	sub, ok := sm.subs[id]
	var ch transport.Channel
	if ok {
		ch = sub.channel
	}
	sm.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("subscription %s has no live channel", id)
	}
	return ch.Send(event, payload)
}

// Status reports the tracked status for an id.
func (sm *SubscriptionManager) Status(id string) (models.SubscriptionStatus, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sub, ok := sm.subs[id]
	if !ok {
		return "", false
	}
	return sub.status, true
}

// Records returns a snapshot of every registered subscription.
func (sm *SubscriptionManager) Records() []models.SubscriptionRecord {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]models.SubscriptionRecord, 0, len(sm.subs))
	for _, sub := range sm.subs {
		out = append(out, models.SubscriptionRecord{
			ID:                sub.cfg.ID,
			ChannelName:       sub.cfg.ChannelName,
			Type:              sub.cfg.Type,
			Enabled:           sub.cfg.Enabled,
			Status:            sub.status,
			MaxRetries:        sub.cfg.MaxRetries,
			RetryDelay:        sub.cfg.RetryDelay,
			CurrentRetryCount: sub.retryCount,
		})
	}
	return out
}

// ConnectedCount reports how many subscriptions are currently connected.
func (sm *SubscriptionManager) ConnectedCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, sub := range sm.subs {
		if sub.status == models.SubscriptionConnected {
			n++
		}
	}
	return n
}

// ChannelCount reports how many live channel handles the registry holds.
func (sm *SubscriptionManager) ChannelCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, sub := range sm.subs {
		if sub.channel != nil {
			n++
		}
	}
	return n
}

// TimerCount reports how many retry timers are pending.
func (sm *SubscriptionManager) TimerCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, sub := range sm.subs {
		if sub.retryTimer != nil {
			n++
		}
	}
	return n
}

func (sm *SubscriptionManager) updateGauges() {
	if sm.metrics == nil {
		return
	}
	counts := make(map[models.SubscriptionStatus]int)
	sm.mu.Lock()
	for _, sub := range sm.subs {
		counts[sub.status]++
	}
	sm.mu.Unlock()
	for _, status := range []models.SubscriptionStatus{
		models.SubscriptionConnecting,
		models.SubscriptionConnected,
		models.SubscriptionDisconnected,
		models.SubscriptionError,
		models.SubscriptionRetrying,
	} {
		sm.metrics.ActiveSubscriptions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
