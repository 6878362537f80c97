package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/PhucNguyen204/evtx-analyzer/internal/metrics"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events and findings as JSON to two topics. An empty
// topic disables that stream.
type Kafka struct {
	w             MessageWriter
	eventsTopic   string
	findingsTopic string
}

// NewKafkaWriter builds an async writer without a default topic; every
// message names its own. WriteMessages only enqueues, delivery results are
// logged and counted per batch, and Close flushes what is pending.
func NewKafkaWriter(brokers []string, log *zap.SugaredLogger) *kafka.Writer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.KafkaMessages.WithLabelValues("failed").Add(float64(len(msgs)))
				log.Errorw("kafka batch failed", "messages", len(msgs), "error", err)
				return
			}
			metrics.KafkaMessages.WithLabelValues("ok").Add(float64(len(msgs)))
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debugw(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Errorw(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}
}

func NewKafka(w MessageWriter, eventsTopic, findingsTopic string) *Kafka {
	return &Kafka{w: w, eventsTopic: eventsTopic, findingsTopic: findingsTopic}
}

func (k *Kafka) produce(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}

// WriteEvent keys events by channel and record id so one record always
// lands on the same partition.
func (k *Kafka) WriteEvent(ctx context.Context, ev *event.NormalizedEvent) error {
	if k.eventsTopic == "" {
		return nil
	}
	return k.produce(ctx, k.eventsTopic, ev.Channel+"|"+ev.RecordID, ev)
}

func (k *Kafka) WriteFinding(ctx context.Context, f event.Finding) error {
	if k.findingsTopic == "" {
		return nil
	}
	return k.produce(ctx, k.findingsTopic, f.RuleID, f)
}

func (k *Kafka) Close() error { return k.w.Close() }
