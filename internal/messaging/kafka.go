// Package messaging publishes share, block and pool switch events to Kafka
// as protobuf messages.
package messaging

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// messageWriter is the part of *kafka.Writer the client uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go with protobuf support and one writer per topic
type KafkaClient struct {
	brokers        []string
	prefix         string
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) messageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a client publishing under topic prefix.
func NewKafkaClient(brokers []string, prefix string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent("kafka")
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	k := &KafkaClient{
		brokers:        brokers,
		prefix:         prefix,
		logger:         logger,
		writers:        make(map[string]messageWriter),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// producer gets or creates the writer for a topic
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}
	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}
			if err := k.producer(topic).WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_message",
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

// RecordShare implements tracker.Sink. Shares are keyed by pool so one
// pool's verdicts stay ordered within a partition.
func (k *KafkaClient) RecordShare(ctx context.Context, ev tracker.ShareEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	msg, err := ShareStruct(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode_share", "failed to encode share")
	}
	return k.PublishProto(ctx, Topic(k.prefix, TopicShares), strconv.Itoa(ev.PoolID), msg)
}

// RecordBlock implements tracker.Sink.
func (k *KafkaClient) RecordBlock(ctx context.Context, ev tracker.BlockEvent) error {
	msg, err := BlockStruct(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode_block", "failed to encode block")
	}
	return k.PublishProto(ctx, Topic(k.prefix, TopicBlocks), ev.Hash, msg)
}

// RecordSwitch implements tracker.Sink.
func (k *KafkaClient) RecordSwitch(ctx context.Context, ev tracker.SwitchEvent) error {
	msg, err := SwitchStruct(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode_switch", "failed to encode switch")
	}
	return k.PublishProto(ctx, Topic(k.prefix, TopicSwitches), uuid.NewString(), msg)
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
