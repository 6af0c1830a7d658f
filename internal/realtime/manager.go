package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/metrics"
	"github.com/desco-devs/fleetsync/internal/models"
	"github.com/desco-devs/fleetsync/internal/transport"
)

const (
	defaultHeartbeatInterval   = 25 * time.Second
	defaultHealthInterval      = 10 * time.Second
	defaultMaxReconnects       = 10
	defaultMaxBackoff          = 30 * time.Second
	defaultReconnectResetDelay = time.Second
	activityStaleAfter         = time.Minute
	unhealthyErrorThreshold    = 10
)

func defaultBackoffLadder() []time.Duration {
	return []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		15000 * time.Millisecond,
	}
}

// ManagerConfig tunes one connection manager. Zero values take defaults.
type ManagerConfig struct {
	User                 models.User
	ChannelName          string
	HeartbeatInterval    time.Duration
	HealthInterval       time.Duration
	MaxReconnectAttempts int
	BackoffLadder        []time.Duration
	MaxBackoff           time.Duration
	ReconnectResetDelay  time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.ChannelName == "" {
		c.ChannelName = fmt.Sprintf("connection:%s", c.User.ID)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if len(c.BackoffLadder) == 0 {
		c.BackoffLadder = defaultBackoffLadder()
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ReconnectResetDelay <= 0 {
		c.ReconnectResetDelay = defaultReconnectResetDelay
	}
}

// ConnectionStatus is the read-only snapshot exposed to the HTTP layer.
type ConnectionStatus struct {
	State             models.ConnectionState  `json:"-"`
	StateName         string                  `json:"state"`
	Degradation       models.DegradationLevel `json:"-"`
	DegradationName   string                  `json:"degradation"`
	Healthy           bool                    `json:"healthy"`
	ConnectedAt       time.Time               `json:"connected_at,omitzero"`
	Uptime            time.Duration           `json:"uptime_ms"`
	LastActivity      time.Time               `json:"last_activity,omitzero"`
	ReconnectAttempts int                     `json:"reconnect_attempts"`
	TotalReconnects   int                     `json:"total_reconnects"`
	TotalErrors       int                     `json:"total_errors"`
	Quality           ConnectionQuality       `json:"connection_quality"`
}

// ConnectionManager owns the lifecycle of the logical transport connection:
// it translates channel status callbacks into ConnectionState and
// DegradationLevel, drives reconnection with capped, jittered backoff, and
// keeps the heartbeat and the periodic health check running while connected.
type ConnectionManager struct {
	mu      sync.Mutex
	clock   Clock
	client  transport.Client
	errlog  *ErrorLog
	metrics *metrics.Metrics // optional
	monitor *DeviceMonitor
	cfg     ManagerConfig

	// JitterFn perturbs each reconnect delay; tests replace it with a
	// constant. The default draws 0-1000ms.
	JitterFn func() time.Duration

	state       models.ConnectionState
	degradation models.DegradationLevel
	channel     transport.Channel
	// gen invalidates callbacks from a superseded channel instance.
	gen        uint64
	connecting bool

	attempts        int
	totalReconnects int

	reconnectTimer Timer
	hbTimer        Timer
	hbGen          uint64
	healthTimer    Timer
	healthGen      uint64

	connectedAt  time.Time
	lastActivity time.Time
	healthy      bool

	// clearOnConnect makes the next successful subscribe wipe the error
	// history, set by ForceReconnect.
	clearOnConnect bool

	onStateChange func(models.ConnectionState, models.DegradationLevel)
	onHeartbeat   func()
}

// NewConnectionManager creates a disconnected manager. The health loop does
// not run until Connect is first called.
func NewConnectionManager(clock Clock, client transport.Client, errlog *ErrorLog, m *metrics.Metrics, monitor *DeviceMonitor, cfg ManagerConfig) *ConnectionManager {
	cfg.applyDefaults()
	return &ConnectionManager{
		clock:   clock,
		client:  client,
		errlog:  errlog,
		metrics: m,
		monitor: monitor,
		cfg:     cfg,
		JitterFn: func() time.Duration {
			return time.Duration(rand.Intn(1000)) * time.Millisecond
		},
		state:       models.StateDisconnected,
		degradation: models.DegradationNone,
	}
}

// OnStateChange registers an observer for state transitions, invoked without
// the lock held. Register before Connect.
func (cm *ConnectionManager) OnStateChange(fn func(models.ConnectionState, models.DegradationLevel)) {
	cm.mu.Lock()
	cm.onStateChange = fn
	cm.mu.Unlock()
}

// OnHeartbeat registers a hook invoked after each heartbeat is sent, used
// for best-effort session pings. Register before Connect.
func (cm *ConnectionManager) OnHeartbeat(fn func()) {
	cm.mu.Lock()
	cm.onHeartbeat = fn
	cm.mu.Unlock()
}

// Connect establishes the logical connection. Idempotent: while an attempt
// is in flight or the connection is already up, further calls return without
// opening a second channel. When the device is offline no transport connect
// is attempted and the state stays disconnected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.connecting || cm.state == models.StateConnected {
		cm.mu.Unlock()
		return nil
	}
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	if !cm.monitor.Online() {
		cm.setStateLocked(models.StateDisconnected)
		cm.mu.Unlock()
		cm.errlog.LogError(ErrNetwork, "connect skipped: device offline", nil, "connection", SeverityLow)
		return nil
	}
	cm.connecting = true
	cm.setStateLocked(models.StateConnecting)
	cm.gen++
	gen := cm.gen
	cm.mu.Unlock()

	cm.startHealth()

	if err := cm.client.Connect(ctx); err != nil {
		cm.mu.Lock()
		cm.connecting = false
		cm.mu.Unlock()
		cm.errlog.LogError(ErrConnectionFailed, "transport connect failed", err, "connection", SeverityHigh)
		cm.scheduleReconnect()
		return err
	}

	ch := cm.client.Channel(cm.cfg.ChannelName, nil)

	cm.mu.Lock()
	if cm.gen != gen {
		// superseded by a disconnect or a newer connect
		cm.connecting = false
		cm.mu.Unlock()
		return nil
	}
	cm.channel = ch
	cm.mu.Unlock()

	err := ch.Subscribe(func(status transport.SubscribeStatus, cause error) {
		cm.handleStatus(gen, status, cause)
	})
	if err != nil {
		cm.mu.Lock()
		cm.connecting = false
		cm.mu.Unlock()
		cm.errlog.LogError(ErrConnectionFailed, "channel subscribe failed", err, "connection", SeverityHigh)
		cm.scheduleReconnect()
		return err
	}
	return nil
}

func (cm *ConnectionManager) handleStatus(gen uint64, status transport.SubscribeStatus, cause error) {
	cm.mu.Lock()
	if cm.gen != gen {
		cm.mu.Unlock()
		return
	}

	switch status {
	case transport.StatusSubscribed:
		cm.connecting = false
		cm.attempts = 0
		cm.connectedAt = cm.clock.Now()
		cm.lastActivity = cm.connectedAt
		cm.degradation = models.DegradationNone
		cm.setStateLocked(models.StateConnected)
		clear := cm.clearOnConnect
		cm.clearOnConnect = false
		cm.mu.Unlock()

		if clear {
			cm.errlog.ClearHistory()
		}
		cm.errlog.LogSuccess("connection established", "connection")
		cm.startHeartbeat()

	case transport.StatusChannelError, transport.StatusTimedOut:
		cm.connecting = false
		cm.mu.Unlock()
		cm.stopHeartbeat()
		cm.errlog.LogError(ErrConnectionFailed, "channel "+status.String(), cause, "connection", SeverityMedium)
		cm.scheduleReconnect()

	case transport.StatusClosed:
		cm.connecting = false
		cm.setStateLocked(models.StateDisconnected)
		cm.mu.Unlock()
		cm.stopHeartbeat()

	default:
		cm.mu.Unlock()
	}
}

// BackoffDelay computes the pre-jitter reconnect delay for a given attempt
// index: the ladder value scaled by the network multiplier, capped at the
// configured maximum.
func (cm *ConnectionManager) BackoffDelay(attempt int, effectiveType string) time.Duration {
	ladder := cm.cfg.BackoffLadder
	if attempt >= len(ladder) {
		attempt = len(ladder) - 1
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(ladder[attempt]) * BackoffMultiplier(effectiveType))
	if delay > cm.cfg.MaxBackoff {
		delay = cm.cfg.MaxBackoff
	}
	return delay
}

func (cm *ConnectionManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.state == models.StateClosed {
		cm.mu.Unlock()
		return
	}
	attempt := cm.attempts
	cm.attempts++
	if cm.attempts >= cm.cfg.MaxReconnectAttempts {
		cm.setStateLocked(models.StateFailed)
		cm.mu.Unlock()
		cm.errlog.LogError(ErrConnectionFailed, "max reconnect attempts exceeded", nil, "connection", SeverityHigh)
		cm.countReconnect("failed")
		return
	}
	cm.totalReconnects++
	cm.setStateLocked(models.StateReconnecting)

	delay := cm.BackoffDelay(attempt, cm.monitor.Network().EffectiveType) + cm.JitterFn()
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
	}
	cm.gen++
	gen := cm.gen
	cm.reconnectTimer = cm.clock.AfterFunc(delay, func() {
		cm.reconnect(gen)
	})
	cm.mu.Unlock()

	logging.LogReconnectAttempt(cm.cfg.User.ID.String(), attempt+1, delay)
	cm.countReconnect("scheduled")
}

func (cm *ConnectionManager) reconnect(gen uint64) {
	cm.mu.Lock()
	if cm.gen != gen || cm.state == models.StateClosed {
		cm.mu.Unlock()
		return
	}
	cm.reconnectTimer = nil
	ch := cm.channel
	cm.channel = nil
	cm.mu.Unlock()

	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			cm.errlog.LogError(ErrCleanup, "stale channel unsubscribe failed", err, "connection", SeverityLow)
		}
	}
	_ = cm.Connect(context.Background())
}

// Disconnect cancels any pending connect or retry, stops the heartbeat and
// the health loop, unsubscribes the channel and settles in CLOSED.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.gen++
	cm.connecting = false
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	ch := cm.channel
	cm.channel = nil
	cm.setStateLocked(models.StateClosed)
	cm.degradation = models.DegradationNone
	cm.mu.Unlock()

	cm.stopHeartbeat()
	cm.stopHealth()

	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			cm.errlog.LogError(ErrCleanup, "channel unsubscribe failed", err, "connection", SeverityLow)
		}
	}
}

// ForceReconnect resets the attempt counter and re-establishes the
// connection after a short fixed delay. The next successful subscribe wipes
// the error history.
func (cm *ConnectionManager) ForceReconnect() {
	cm.Disconnect()

	cm.mu.Lock()
	cm.attempts = 0
	cm.clearOnConnect = true
	cm.setStateLocked(models.StateReconnecting)
	cm.gen++
	gen := cm.gen
	cm.reconnectTimer = cm.clock.AfterFunc(cm.cfg.ReconnectResetDelay, func() {
		cm.mu.Lock()
		if cm.gen != gen {
			cm.mu.Unlock()
			return
		}
		cm.reconnectTimer = nil
		// leave CLOSED so Connect proceeds
		cm.state = models.StateDisconnected
		cm.mu.Unlock()
		_ = cm.Connect(context.Background())
	})
	cm.mu.Unlock()

	cm.countReconnect("forced")
	logging.Info("forced reconnect for user %s", cm.cfg.User.ID)
}

// RecordActivity marks now as the last time any event arrived. The health
// check treats a long quiet connection as degraded.
func (cm *ConnectionManager) RecordActivity() {
	cm.mu.Lock()
	cm.lastActivity = cm.clock.Now()
	cm.mu.Unlock()
}

// heartbeat

func (cm *ConnectionManager) startHeartbeat() {
	cm.mu.Lock()
	if cm.hbTimer != nil {
		cm.hbTimer.Stop()
	}
	cm.hbGen++
	gen := cm.hbGen
	cm.hbTimer = cm.clock.AfterFunc(cm.cfg.HeartbeatInterval, func() { cm.heartbeatTick(gen) })
	cm.mu.Unlock()
}

func (cm *ConnectionManager) heartbeatTick(gen uint64) {
	cm.mu.Lock()
	if cm.hbGen != gen || cm.state != models.StateConnected && cm.state != models.StateDegraded {
		cm.mu.Unlock()
		return
	}
	ch := cm.channel
	hook := cm.onHeartbeat
	cm.hbTimer = cm.clock.AfterFunc(cm.cfg.HeartbeatInterval, func() { cm.heartbeatTick(gen) })
	cm.mu.Unlock()

	if ch == nil {
		return
	}
	payload := map[string]interface{}{
		"user_id":   cm.cfg.User.ID.String(),
		"timestamp": cm.clock.Now().UTC().Format(time.RFC3339),
	}
	if err := ch.Send(models.RealtimeEventHeartbeat, payload); err != nil {
		// send failures alone never force a reconnect, status callbacks do
		cm.errlog.LogError(ErrNetwork, "heartbeat send failed", err, "connection", SeverityLow)
		return
	}
	if hook != nil {
		hook()
	}
}

func (cm *ConnectionManager) stopHeartbeat() {
	cm.mu.Lock()
	if cm.hbTimer != nil {
		cm.hbTimer.Stop()
		cm.hbTimer = nil
	}
	cm.hbGen++
	cm.mu.Unlock()
}

// health monitor

func (cm *ConnectionManager) startHealth() {
	cm.mu.Lock()
	if cm.healthTimer != nil {
		cm.mu.Unlock()
		return
	}
	cm.healthGen++
	gen := cm.healthGen
	cm.healthTimer = cm.clock.AfterFunc(cm.cfg.HealthInterval, func() { cm.healthTick(gen) })
	cm.mu.Unlock()
}

func (cm *ConnectionManager) stopHealth() {
	cm.mu.Lock()
	if cm.healthTimer != nil {
		cm.healthTimer.Stop()
		cm.healthTimer = nil
	}
	cm.healthGen++
	cm.healthy = false
	cm.mu.Unlock()
}

// healthTick recomputes derived health each interval. Nothing here is
// persisted beyond the error log; the check is a pure function of current
// state.
func (cm *ConnectionManager) healthTick(gen uint64) {
	quality := cm.errlog.Quality()
	totalErrors := cm.errlog.TotalErrors()
	online := cm.monitor.Online()

	cm.mu.Lock()
	if cm.healthGen != gen {
		cm.mu.Unlock()
		return
	}
	cm.healthTimer = cm.clock.AfterFunc(cm.cfg.HealthInterval, func() { cm.healthTick(gen) })

	idle := cm.clock.Since(cm.lastActivity)
	cm.degradation = deriveDegradation(cm.state, online, quality, idle)

	switch {
	case cm.state == models.StateConnected && cm.degradation != models.DegradationNone:
		cm.setStateLocked(models.StateDegraded)
	case cm.state == models.StateDegraded && cm.degradation == models.DegradationNone:
		cm.setStateLocked(models.StateConnected)
	}

	wasHealthy := cm.healthy
	cm.healthy = (cm.state == models.StateConnected) &&
		cm.degradation == models.DegradationNone &&
		idle < activityStaleAfter &&
		totalErrors < unhealthyErrorThreshold
	nowHealthy := cm.healthy
	cm.mu.Unlock()

	if nowHealthy != wasHealthy {
		if nowHealthy {
			cm.errlog.LogSuccess("connection healthy", "health-check")
		} else {
			cm.errlog.LogError(ErrConnectionFailed, "connection unhealthy", nil, "health-check", SeverityMedium)
		}
	}
}

// deriveDegradation maps current conditions to a quality-of-service level:
// no network wins, a failed connection falls back to polling, a connected
// but noisy or quiet channel is partial.
func deriveDegradation(state models.ConnectionState, online bool, quality ConnectionQuality, idle time.Duration) models.DegradationLevel {
	switch {
	case !online:
		return models.DegradationOffline
	case state == models.StateFailed:
		return models.DegradationPolling
	case (state == models.StateConnected || state == models.StateDegraded) &&
		(quality == QualityPoor || idle >= activityStaleAfter):
		return models.DegradationPartial
	default:
		return models.DegradationNone
	}
}

// setStateLocked transitions the state and fans out. Callers hold the lock;
// observer callbacks are deferred to a goroutine to stay lock free.
func (cm *ConnectionManager) setStateLocked(state models.ConnectionState) {
	if cm.state == state {
		return
	}
	cm.state = state
	degradation := cm.degradation
	logging.LogConnectionState(cm.cfg.User.ID.String(), state.String(), degradation.String())
	if cm.metrics != nil {
		cm.metrics.SetConnectionState(state.String())
	}
	if cm.onStateChange != nil {
		fn := cm.onStateChange
		go fn(state, degradation)
	}
}

// State reports the current connection state.
func (cm *ConnectionManager) State() models.ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Degradation reports the current quality-of-service level.
func (cm *ConnectionManager) Degradation() models.DegradationLevel {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.degradation
}

// Attempts reports the consecutive failed reconnect attempts.
func (cm *ConnectionManager) Attempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempts
}

// Channel returns the live connection channel, nil while disconnected.
func (cm *ConnectionManager) Channel() transport.Channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.channel
}

// Status assembles the full read-only snapshot.
func (cm *ConnectionManager) Status() ConnectionStatus {
	stats := cm.errlog.Stats()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	st := ConnectionStatus{
		State:             cm.state,
		StateName:         cm.state.String(),
		Degradation:       cm.degradation,
		DegradationName:   cm.degradation.String(),
		Healthy:           cm.healthy,
		ConnectedAt:       cm.connectedAt,
		LastActivity:      cm.lastActivity,
		ReconnectAttempts: cm.attempts,
		TotalReconnects:   cm.totalReconnects,
		TotalErrors:       stats.TotalErrors,
		Quality:           stats.ConnectionQuality,
	}
	if cm.state == models.StateConnected || cm.state == models.StateDegraded {
		st.Uptime = cm.clock.Since(cm.connectedAt)
	}
	return st
}

func (cm *ConnectionManager) countReconnect(outcome string) {
	if cm.metrics != nil {
		cm.metrics.Reconnects.WithLabelValues(outcome).Inc()
	}
}
