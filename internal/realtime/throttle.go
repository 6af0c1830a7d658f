package realtime

import (
	"sync"
	"time"
)

// NetworkSample is the latest reading of the host's connection, in the shape
// of the browser network-information API. A zero EffectiveType means the API
// was unavailable and defaults apply.
type NetworkSample struct {
	Online        bool    `json:"online"`
	EffectiveType string  `json:"effective_type"` // slow-2g, 2g, 3g, 4g, 5g
	DownlinkMbps  float64 `json:"downlink_mbps"`
	RTTMillis     int     `json:"rtt_ms"`
}

// BatterySample is the latest battery reading. Available is false when the
// battery API is absent, which is the normal case on most runtimes and must
// disable battery scaling rather than error.
type BatterySample struct {
	Available bool    `json:"available"`
	Level     float64 `json:"level"` // 0.0 .. 1.0
	Charging  bool    `json:"charging"`
}

// DeviceMonitor holds the most recent network and battery samples for one
// connection-manager instance. It keeps no history; policies recompute from
// the latest samples alone.
type DeviceMonitor struct {
	mu      sync.RWMutex
	network NetworkSample
	battery BatterySample
}

// NewDeviceMonitor starts with an online, unknown-type network and no
// battery reading.
func NewDeviceMonitor() *DeviceMonitor {
	return &DeviceMonitor{
		network: NetworkSample{Online: true},
	}
}

// SetNetwork replaces the network sample.
func (m *DeviceMonitor) SetNetwork(s NetworkSample) {
	m.mu.Lock()
	m.network = s
	m.mu.Unlock()
}

// SetBattery replaces the battery sample.
func (m *DeviceMonitor) SetBattery(s BatterySample) {
	m.mu.Lock()
	m.battery = s
	m.mu.Unlock()
}

// Network returns the latest network sample.
func (m *DeviceMonitor) Network() NetworkSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network
}

// Battery returns the latest battery sample.
func (m *DeviceMonitor) Battery() BatterySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.battery
}

// Online reports the latest connectivity reading.
func (m *DeviceMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network.Online
}

const offlineThrottleFloor = 5 * time.Second

// AdaptiveThrottle computes the minimum interval between non-critical update
// emissions from the latest samples. Pure function: no history, no side
// effects.
func AdaptiveThrottle(base time.Duration, net NetworkSample, batt BatterySample) time.Duration {
	if !net.Online {
		if base > offlineThrottleFloor {
			return base
		}
		return offlineThrottleFloor
	}

	var factor float64
	var floor time.Duration
	switch net.EffectiveType {
	case "slow-2g":
		factor, floor = 4, 4000*time.Millisecond
	case "2g":
		factor, floor = 3, 3000*time.Millisecond
	case "3g":
		factor, floor = 2, 2000*time.Millisecond
	case "4g", "5g":
		factor, floor = 1, 0
	default:
		factor, floor = 1.5, 1500*time.Millisecond
	}

	delay := time.Duration(float64(base) * factor)
	if delay < floor {
		delay = floor
	}

	if batt.Available && !batt.Charging {
		switch {
		case batt.Level < 0.15:
			delay *= 3
			if delay < 5000*time.Millisecond {
				delay = 5000 * time.Millisecond
			}
		case batt.Level < 0.30:
			delay *= 2
			if delay < 3000*time.Millisecond {
				delay = 3000 * time.Millisecond
			}
		}
	}
	return delay
}

// Throttle computes the adaptive delay from the monitor's current samples.
func (m *DeviceMonitor) Throttle(base time.Duration) time.Duration {
	m.mu.RLock()
	net, batt := m.network, m.battery
	m.mu.RUnlock()
	return AdaptiveThrottle(base, net, batt)
}

// BackoffMultiplier maps the effective network type to the reconnect-delay
// scale: slower links retry later to avoid hammering a struggling network.
func BackoffMultiplier(effectiveType string) float64 {
	switch effectiveType {
	case "slow-2g":
		return 3
	case "2g":
		return 2.5
	case "3g":
		return 1.5
	case "4g", "5g":
		return 1
	default:
		return 1.25
	}
}
