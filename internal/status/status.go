// Package status provides a thread-safe status tracker for the envctl
// daemon. It is read by the HTTP handlers and by the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/envctl/internal/coordinator"
)

// NetworkInfo contains network state as reported by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Source      string
	Store       string
	Sinks       []string
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Runtime       coordinator.Snapshot
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Dropped       uint64
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether every running controller has completed a cycle.
func (s Snapshot) Ready() bool {
	for _, c := range s.Runtime.Controllers {
		if c.Cycles == 0 {
			return false
		}
	}
	return true
}

// ActuatorsOn returns the number of energized actuators.
func (s Snapshot) ActuatorsOn() int {
	n := 0
	for _, a := range s.Runtime.Actuators {
		if a.On {
			n++
		}
	}
	return n
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update stores the latest runtime snapshot and dropped-measurement count.
// Called from the daemon's status loop.
func (t *Tracker) Update(rt coordinator.Snapshot, dropped uint64) {
	t.mu.Lock()
	t.snap.Runtime = rt
	t.snap.Dropped = dropped
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
