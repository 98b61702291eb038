// Package messaging publishes miner events to Kafka: validated blocks,
// submission verdicts and per-pass search reports.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomine/pkg/circuit"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
	"github.com/bardlex/gomine/pkg/retry"
)

// Encoding selects the wire format of event payloads
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

// Publisher is what the miner needs from an event sink
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// messageWriter is the part of kafka.Writer the client uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go with one pooled writer per topic
type KafkaClient struct {
	brokers        []string
	encoding       Encoding
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) messageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, encoding Encoding, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}
	if encoding == "" {
		encoding = EncodingJSON
	}

	k := &KafkaClient{
		brokers:  brokers,
		encoding: encoding,
		logger:   logger.WithComponent("kafka"),
		writers:  make(map[string]messageWriter),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.TelemetryConfig(),
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// getProducer gets or creates the writer for a topic
func (k *KafkaClient) getProducer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// Encode renders event in the client's encoding.
func (k *KafkaClient) Encode(event Event) ([]byte, error) {
	return Encode(k.encoding, event)
}

// Encode renders event as JSON or as a protobuf Struct.
func Encode(encoding Encoding, event Event) ([]byte, error) {
	switch encoding {
	case EncodingProto:
		st, err := structpb.NewStruct(event.Fields())
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
				"event fields are not representable").
				WithContext("topic", event.Topic())
		}
		data, err := proto.Marshal(st)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
				"failed to marshal protobuf message").
				WithContext("topic", event.Topic())
		}
		return data, nil
	case EncodingJSON:
		data, err := sonic.Marshal(event)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
				"failed to marshal JSON message").
				WithContext("topic", event.Topic())
		}
		return data, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "encode_event", "unknown encoding %q", encoding)
	}
}

// Publish encodes event and writes it to its topic. Writes are retried on
// the telemetry budget; a dropped event never blocks mining.
func (k *KafkaClient) Publish(ctx context.Context, event Event) error {
	data, err := k.Encode(event)
	if err != nil {
		return err
	}
	topic, key := event.Topic(), event.Key()

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
				Headers: []kafka.Header{
					{Key: "encoding", Value: []byte(k.encoding)},
				},
			}

			if err := k.getProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	return lastErr
}

// NopPublisher drops every event. It stands in when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

var (
	_ Publisher = (*KafkaClient)(nil)
	_ Publisher = NopPublisher{}
)
