package mqtt

import (
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/measure"
)

// DefaultBufferSize is the number of messages kept while offline.
const DefaultBufferSize = 1000

// RealPublisher publishes to an actual MQTT broker. Messages produced while
// the connection is down are kept in a ring buffer and replayed, oldest
// first, when the client reconnects.
type RealPublisher struct {
	client paho.Client
	topics Topics
	logger *zap.Logger

	mu     sync.Mutex
	buffer *ringBuffer
}

// NewRealPublisher creates a publisher for broker. The initial connection
// is retried in the background, so a missing broker delays delivery but
// does not fail startup.
func NewRealPublisher(broker string, topics Topics, logger *zap.Logger) (*RealPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")
	p := &RealPublisher{
		topics: topics,
		logger: logger,
		buffer: newRingBuffer(DefaultBufferSize, logger),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	hostname, _ := os.Hostname()
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("envctl-" + hostname).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(topics.System(), string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.replay() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		logger.Warn("broker not reachable yet, buffering until connected", zap.String("broker", broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// IsConnected implements ConnectionStatus.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *RealPublisher) replay() {
	p.mu.Lock()
	msgs := p.buffer.drainAll()
	p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}
	p.logger.Info("replaying buffered messages", zap.Int("count", len(msgs)))
	// Replay from a separate goroutine: the on-connect handler must not block
	// on publish tokens.
	go func() {
		for _, m := range msgs {
			if err := p.publish(m); err != nil {
				p.logger.Warn("replay failed", zap.String("topic", m.topic), zap.Error(err))
			}
		}
	}()
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buffer.push(m)
		p.mu.Unlock()
		return nil
	}
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		p.mu.Lock()
		p.buffer.push(m)
		p.mu.Unlock()
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// PublishMeasurements implements Publisher. QoS 0, not retained.
func (p *RealPublisher) PublishMeasurements(batch []measure.Measurement) error {
	var firstErr error
	for _, m := range batch {
		payload, err := FormatMeasurementPayload(m)
		if err != nil {
			return fmt.Errorf("format payload: %w", err)
		}
		err = p.publish(bufferedMsg{topic: p.topics.Measurement(m.DeviceID, m.Measurement), payload: payload})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishSystem implements Publisher. QoS 1 so lifecycle events are delivered.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: p.topics.System(), payload: payload, qos: 1, retained: event.Retained})
}

// PublishNotification implements Publisher. QoS 1, not retained.
func (p *RealPublisher) PublishNotification(n Notification) error {
	payload, err := FormatNotificationPayload(n)
	if err != nil {
		return fmt.Errorf("format notification: %w", err)
	}
	return p.publish(bufferedMsg{topic: p.topics.Notification(n.RuleID), payload: payload, qos: 1})
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
