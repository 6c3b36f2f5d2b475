package input

import "time"

// Edge is a debounced digital transition.
type Edge string

const (
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
)

// Matches reports whether e satisfies a subscription filter of "rising",
// "falling" or "both".
func (e Edge) Matches(filter string) bool {
	return filter == "both" || filter == string(e)
}

// EdgeEvent is delivered to subscribers once per qualifying edge.
type EdgeEvent struct {
	InputID string
	Edge    Edge
	Time    time.Time
}

// EdgeCounts tracks the number of edges since the detector was created.
type EdgeCounts struct {
	Rising  int `json:"rising"`
	Falling int `json:"falling"`
}

// channelState tracks debounce state for one digital channel.
type channelState struct {
	// Current stable (debounced) level
	stable bool
	// Pending level during debounce, valid when hasPending
	pending    bool
	hasPending bool
	// Time when pending level was first observed
	pendingSince time.Time
	// Whether we have established a baseline
	baselined bool
}

// edgeDetector tracks one level-sampled channel and detects debounced
// transitions. It has no clock of its own; sample times are passed in.
type edgeDetector struct {
	debounce time.Duration
	ch       channelState
	counts   EdgeCounts
}

func newEdgeDetector(debounce time.Duration) *edgeDetector {
	return &edgeDetector{debounce: debounce}
}

// Process takes a new level sample and returns the edge it completes, if
// any. No edges are returned until a baseline has been established.
func (d *edgeDetector) Process(level bool, now time.Time) (Edge, bool) {
	ch := &d.ch

	// First time seeing this channel
	if !ch.baselined {
		if !ch.hasPending || ch.pending != level {
			// Start observing, or the level changed during baseline: restart
			ch.pending = level
			ch.hasPending = true
			ch.pendingSince = now
			return "", false
		}
		if now.Sub(ch.pendingSince) >= d.debounce {
			ch.stable = level
			ch.baselined = true
			ch.hasPending = false
		}
		return "", false
	}

	if level == ch.stable {
		// Bounce back to stable: clear any pending
		ch.hasPending = false
		return "", false
	}

	if !ch.hasPending {
		ch.pending = level
		ch.hasPending = true
		ch.pendingSince = now
		return "", false
	}

	if now.Sub(ch.pendingSince) < d.debounce {
		return "", false
	}

	ch.stable = level
	ch.hasPending = false
	if level {
		d.counts.Rising++
		return EdgeRising, true
	}
	d.counts.Falling++
	return EdgeFalling, true
}

// Baselined reports whether a stable level has been established.
func (d *edgeDetector) Baselined() bool { return d.ch.baselined }

// Level returns the stable level.
func (d *edgeDetector) Level() bool { return d.ch.stable }

// Counts returns edges seen so far.
func (d *edgeDetector) Counts() EdgeCounts { return d.counts }
