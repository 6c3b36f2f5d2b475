package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/envctl/internal/measure"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		prefix string
		got    func(Topics) string
		want   string
	}{
		{"", func(tp Topics) string { return tp.System() }, "envctl/system"},
		{"greenhouse/", func(tp Topics) string { return tp.System() }, "greenhouse/system"},
		{"gh", func(tp Topics) string { return tp.Measurement("t1", "temperature") }, "gh/measurements/t1/temperature"},
		{"gh", func(tp Topics) string { return tp.Notification("night") }, "gh/notifications/night"},
	}
	for _, tt := range tests {
		if got := tt.got(Topics{Prefix: tt.prefix}); got != tt.want {
			t.Errorf("prefix %q: got %s, want %s", tt.prefix, got, tt.want)
		}
	}
}

func TestFormatMeasurementPayloadExactJSON(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	payload, err := FormatMeasurementPayload(measure.Measurement{
		DeviceID: "t1", Channel: 1, Measurement: "humidity", Unit: "percent", Value: 55.5, Time: ts,
	})
	if err != nil {
		t.Fatalf("FormatMeasurementPayload: %v", err)
	}
	want := `{"timestamp":"2026-03-01T11:00:00Z","device_id":"t1","channel":1,"measurement":"humidity","unit":"percent","value":55.5}`
	if string(payload) != want {
		t.Errorf("payload:\ngot  %s\nwant %s", payload, want)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	ts := time.Date(2026, 1, 3, 9, 30, 0, 0, time.UTC)
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: ts, Event: "SHUTDOWN", Reason: "SIGTERM"})
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	want := `{"system":{"timestamp":"2026-01-03T09:30:00Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != want {
		t.Errorf("payload:\ngot  %s\nwant %s", payload, want)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"system":{"event":"STARTUP","controllers":3}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "STARTUP", RawPayload: raw})
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload: got %s, want %s", payload, raw)
	}
}

func TestWillPayloadFormat(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	var parsed SystemPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.System.Event != "SHUTDOWN" {
		t.Errorf("event: got %s, want SHUTDOWN", parsed.System.Event)
	}
	if parsed.System.Reason != "MQTT_DISCONNECT" {
		t.Errorf("reason: got %s, want MQTT_DISCONNECT", parsed.System.Reason)
	}
}

func TestFormatSystemPayloadReconnectedOmitsReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
	if err != nil {
		t.Fatalf("FormatSystemPayload: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["system"]["reason"]; ok {
		t.Error("reason should be omitted when empty")
	}
}

func TestFormatNotificationPayload(t *testing.T) {
	ts := time.Date(2026, 6, 1, 22, 0, 0, 0, time.UTC)
	payload, err := FormatNotificationPayload(Notification{ID: "n-1", Timestamp: ts, RuleID: "night", Message: "fan off"})
	if err != nil {
		t.Fatalf("FormatNotificationPayload: %v", err)
	}
	want := `{"id":"n-1","timestamp":"2026-06-01T22:00:00Z","rule":"night","message":"fan off"}`
	if string(payload) != want {
		t.Errorf("payload:\ngot  %s\nwant %s", payload, want)
	}
}

func TestFakePublisherRecords(t *testing.T) {
	fake := NewFakePublisher()
	batch := []measure.Measurement{
		{DeviceID: "t1", Measurement: "temperature", Value: 21},
		{DeviceID: "t1", Channel: 1, Measurement: "humidity", Value: 50},
	}
	if err := fake.PublishMeasurements(batch); err != nil {
		t.Fatalf("PublishMeasurements: %v", err)
	}
	if err := fake.PublishSystem(SystemEvent{Event: "HEARTBEAT", Retained: true}); err != nil {
		t.Fatalf("PublishSystem: %v", err)
	}
	if err := fake.PublishNotification(Notification{RuleID: "r", Message: "hi"}); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	if got := len(fake.Measurements()); got != 2 {
		t.Errorf("measurements: got %d, want 2", got)
	}
	if got := len(fake.Payloads("envctl/measurements/t1/humidity")); got != 1 {
		t.Errorf("humidity payloads: got %d, want 1", got)
	}
	events := fake.SystemEvents()
	if len(events) != 1 || !events[0].Retained {
		t.Errorf("system events: got %+v", events)
	}
	if got := fake.Notifications(); len(got) != 1 || got[0].Message != "hi" {
		t.Errorf("notifications: got %+v", got)
	}
}

func TestFakePublisherError(t *testing.T) {
	fake := NewFakePublisher()
	boom := errors.New("broker down")
	fake.SetError(boom)

	if err := fake.PublishSystem(SystemEvent{Event: "STARTUP"}); !errors.Is(err, boom) {
		t.Errorf("PublishSystem: got %v, want %v", err, boom)
	}
	if len(fake.SystemEvents()) != 0 {
		t.Error("failed publish should not be recorded")
	}
}

func TestFakePublisherReset(t *testing.T) {
	fake := NewFakePublisher()
	_ = fake.PublishNotification(Notification{RuleID: "r"})
	_ = fake.Close()
	fake.Reset()

	if fake.Closed() {
		t.Error("closed should be false after reset")
	}
	if len(fake.Notifications()) != 0 {
		t.Error("notifications should be empty after reset")
	}
	if len(fake.Payloads("envctl/notifications/r")) != 0 {
		t.Error("payloads should be empty after reset")
	}
}

func TestMeasurementSink(t *testing.T) {
	fake := NewFakePublisher()
	var sink measure.Sink = MeasurementSink{Publisher: fake}
	if sink.Name() != "mqtt" {
		t.Errorf("name: got %s, want mqtt", sink.Name())
	}
	err := sink.Send(context.Background(), []measure.Measurement{{DeviceID: "t1", Measurement: "temperature"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(fake.Measurements()); got != 1 {
		t.Errorf("measurements: got %d, want 1", got)
	}
}
