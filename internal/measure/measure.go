// Package measure carries measurements from controllers to the
// time-series store and to export sinks.
package measure

import (
	"context"
	"time"
)

// Measurement is one immutable sample produced by a controller.
type Measurement struct {
	DeviceID    string    `json:"device_id"`
	Channel     int       `json:"channel"`
	Measurement string    `json:"measurement"`
	Unit        string    `json:"unit"`
	Value       float64   `json:"value"`
	Time        time.Time `json:"time"`
}

// Sample is a stored (time, value) pair.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Store appends and queries measurements.
type Store interface {
	Append(ctx context.Context, m Measurement) error
	// LastValue returns the newest sample of one channel no older than
	// maxAge. ok is false when there is none.
	LastValue(ctx context.Context, deviceID, measurement string, channel int, maxAge time.Duration) (s Sample, ok bool, err error)
	// ValuesSince returns every sample of a measurement (all channels)
	// newer than maxAge, oldest first.
	ValuesSince(ctx context.Context, deviceID, measurement string, maxAge time.Duration) ([]Sample, error)
}

// Sink receives copies of persisted measurements for export.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch []Measurement) error
}

// Publisher is the non-blocking entry point used by controllers.
type Publisher interface {
	Publish(m Measurement)
}
