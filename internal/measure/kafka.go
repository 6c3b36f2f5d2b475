package measure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/breaker"
)

// messageWriter is the subset of kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports measurements to a Kafka topic, keyed by device id.
// A breaker stops the writer from being hammered while the cluster is down.
type KafkaSink struct {
	w   messageWriter
	brk *breaker.Breaker
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	return newKafkaSink(w, logger)
}

func newKafkaSink(w messageWriter, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		w:   w,
		brk: breaker.New("kafka", breaker.Config{MaxFailures: 3, ResetTimeout: 30 * time.Second}, logger),
	}
}

// Name implements Sink.
func (k *KafkaSink) Name() string { return "kafka" }

// Send implements Sink.
func (k *KafkaSink) Send(ctx context.Context, batch []Measurement) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, m := range batch {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal measurement: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(m.DeviceID), Value: payload, Time: m.Time})
	}
	return k.brk.Execute(ctx, func(ctx context.Context) error {
		return k.w.WriteMessages(ctx, msgs...)
	})
}

// State reports the breaker state.
func (k *KafkaSink) State() breaker.State { return k.brk.State() }

// Close closes the underlying writer.
func (k *KafkaSink) Close() error { return k.w.Close() }
