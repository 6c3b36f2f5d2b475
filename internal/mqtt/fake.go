package mqtt

import (
	"sync"

	"github.com/sweeney/envctl/internal/measure"
)

// FakePublisher records published messages for test assertions. It is safe
// for concurrent use; read recorded values through the accessor methods.
type FakePublisher struct {
	mu sync.Mutex

	measurements  []measure.Measurement
	systemEvents  []SystemEvent
	notifications []Notification
	payloads      map[string][][]byte

	// PublishError, if set, is returned by every publish method.
	PublishError error

	closed    bool
	connected bool
}

// NewFakePublisher creates a connected FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{connected: true, payloads: make(map[string][][]byte)}
}

func (f *FakePublisher) record(topic string, payload []byte) {
	f.payloads[topic] = append(f.payloads[topic], payload)
}

// PublishMeasurements records the batch.
func (f *FakePublisher) PublishMeasurements(batch []measure.Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	t := Topics{}
	for _, m := range batch {
		payload, err := FormatMeasurementPayload(m)
		if err != nil {
			return err
		}
		f.measurements = append(f.measurements, m)
		f.record(t.Measurement(m.DeviceID, m.Measurement), payload)
	}
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.record(Topics{}.System(), payload)
	return nil
}

// PublishNotification records the notification.
func (f *FakePublisher) PublishNotification(n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatNotificationPayload(n)
	if err != nil {
		return err
	}
	f.notifications = append(f.notifications, n)
	f.record(Topics{}.Notification(n.RuleID), payload)
	return nil
}

// SetError sets the error returned by publish methods.
func (f *FakePublisher) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PublishError = err
}

// Measurements returns recorded measurements in publish order.
func (f *FakePublisher) Measurements() []measure.Measurement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]measure.Measurement(nil), f.measurements...)
}

// SystemEvents returns recorded system events in publish order.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// Notifications returns recorded notifications in publish order.
func (f *FakePublisher) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.notifications...)
}

// Payloads returns the payloads published to topic (default prefix).
func (f *FakePublisher) Payloads(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads[topic]...)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetConnected controls the return value of IsConnected.
func (f *FakePublisher) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.measurements = nil
	f.systemEvents = nil
	f.notifications = nil
	f.payloads = make(map[string][][]byte)
	f.closed = false
	f.PublishError = nil
}
