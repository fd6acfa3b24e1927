package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers  string
	Topic    string
	ClientID string
	Acks     string
	LingerMs int
	// FlushTimeout bounds the wait for outstanding deliveries on Close.
	FlushTimeout time.Duration
}

// Kafka publishes events to a Kafka topic. Deliveries are confirmed
// asynchronously; failures are logged and counted.
type Kafka struct {
	producer   *kafka.Producer
	topic      string
	flush      time.Duration
	deliveries chan kafka.Event
	log        *zap.Logger

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64

	wg   sync.WaitGroup
	once sync.Once
}

// NewKafka creates a producer. librdkafka connects lazily, so an
// unreachable broker surfaces as delivery failures rather than here.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if cfg.Brokers == "" || cfg.Topic == "" {
		return nil, eris.New("events: kafka brokers and topic are required")
	}
	if cfg.Acks == "" {
		cfg.Acks = "all"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          cfg.ClientID,
		"acks":               cfg.Acks,
		"linger.ms":          cfg.LingerMs,
		"enable.idempotence": cfg.Acks == "all",
		"compression.type":   "lz4",
	})
	if err != nil {
		return nil, eris.Wrap(err, "events: create kafka producer")
	}

	k := &Kafka{
		producer:   p,
		topic:      cfg.Topic,
		flush:      cfg.FlushTimeout,
		deliveries: make(chan kafka.Event, 1024),
		log:        zap.L().With(zap.String("component", "events"), zap.String("topic", cfg.Topic)),
	}
	k.wg.Add(1)
	go k.confirm()
	return k, nil
}

// Publish enqueues e. A full local queue is reported as an error.
func (k *Kafka) Publish(_ context.Context, e Event) error {
	msg, err := k.message(e)
	if err != nil {
		return err
	}
	if err := k.producer.Produce(msg, k.deliveries); err != nil {
		k.failed.Add(1)
		return eris.Wrapf(err, "events: produce %s", e.Kind)
	}
	k.sent.Add(1)
	return nil
}

// Counts returns sent, acknowledged and failed message totals.
func (k *Kafka) Counts() (sent, acked, failed int64) {
	return k.sent.Load(), k.acked.Load(), k.failed.Load()
}

// Close flushes outstanding messages and shuts the producer down.
func (k *Kafka) Close() {
	k.once.Do(func() {
		if left := k.producer.Flush(int(k.flush.Milliseconds())); left > 0 {
			k.log.Warn("events left unflushed", zap.Int("count", left))
		}
		k.producer.Close()
		close(k.deliveries)
		k.wg.Wait()
		sent, acked, failed := k.Counts()
		k.log.Info("kafka publisher closed",
			zap.Int64("sent", sent),
			zap.Int64("acked", acked),
			zap.Int64("failed", failed),
		)
	})
}

func (k *Kafka) message(e Event) (*kafka.Message, error) {
	body, err := e.Marshal()
	if err != nil {
		return nil, eris.Wrap(err, "events: marshal")
	}
	return newMessage(k.topic, e, body), nil
}

func newMessage(topic string, e Event, body []byte) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.Key()),
		Value:          body,
		Timestamp:      e.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "session_id", Value: []byte(e.SessionID)},
		},
	}
}

func (k *Kafka) confirm() {
	defer k.wg.Done()
	for ev := range k.deliveries {
		m, ok := ev.(*kafka.Message)
		if !ok {
			continue
		}
		if m.TopicPartition.Error != nil {
			k.failed.Add(1)
			k.log.Error("event delivery failed", zap.Error(m.TopicPartition.Error))
			continue
		}
		k.acked.Add(1)
	}
}
