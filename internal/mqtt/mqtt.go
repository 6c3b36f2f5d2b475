// Package mqtt publishes measurements, system lifecycle events and
// notifications to an MQTT broker, with a recording fake for tests.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/envctl/internal/measure"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "envctl"

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Measurement returns <prefix>/measurements/<device>/<measurement>.
func (t Topics) Measurement(deviceID, measurement string) string {
	return t.prefix() + "/measurements/" + deviceID + "/" + measurement
}

// System returns <prefix>/system.
func (t Topics) System() string { return t.prefix() + "/system" }

// Notification returns <prefix>/notifications/<rule>.
func (t Topics) Notification(ruleID string) string {
	return t.prefix() + "/notifications/" + ruleID
}

// Publisher publishes runtime traffic to MQTT. Publishing failures are
// returned to the caller and must never crash the process.
type Publisher interface {
	// PublishMeasurements sends one message per measurement.
	PublishMeasurements(batch []measure.Measurement) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// PublishNotification sends a rule notification.
	PublishNotification(n Notification) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT", "TERMINATE" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Notification is a message raised by a conditional rule.
type Notification struct {
	ID        string
	Timestamp time.Time
	RuleID    string
	Message   string
}

// MeasurementPayload is the JSON body of a measurement message.
type MeasurementPayload struct {
	Timestamp   string  `json:"timestamp"`
	DeviceID    string  `json:"device_id"`
	Channel     int     `json:"channel"`
	Measurement string  `json:"measurement"`
	Unit        string  `json:"unit,omitempty"`
	Value       float64 `json:"value"`
}

// FormatMeasurementPayload creates the JSON payload for one measurement.
func FormatMeasurementPayload(m measure.Measurement) ([]byte, error) {
	return json.Marshal(MeasurementPayload{
		Timestamp:   m.Time.UTC().Format(time.RFC3339Nano),
		DeviceID:    m.DeviceID,
		Channel:     m.Channel,
		Measurement: m.Measurement,
		Unit:        m.Unit,
		Value:       m.Value,
	})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// NotificationPayload is the JSON body of a notification message.
type NotificationPayload struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Rule      string `json:"rule"`
	Message   string `json:"message"`
}

// FormatNotificationPayload creates the JSON payload for a notification.
func FormatNotificationPayload(n Notification) ([]byte, error) {
	return json.Marshal(NotificationPayload{
		ID:        n.ID,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
		Rule:      n.RuleID,
		Message:   n.Message,
	})
}

// MeasurementSink adapts a Publisher to measure.Sink.
type MeasurementSink struct {
	Publisher Publisher
}

// Name implements measure.Sink.
func (s MeasurementSink) Name() string { return "mqtt" }

// Send implements measure.Sink.
func (s MeasurementSink) Send(_ context.Context, batch []measure.Measurement) error {
	return s.Publisher.PublishMeasurements(batch)
}
