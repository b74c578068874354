package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/retry"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestClient() (*KafkaClient, map[string]*fakeWriter) {
	k := NewKafkaClient([]string{"localhost:9092"}, "gominer", nil)
	k.retryConfig = &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}
	writers := make(map[string]*fakeWriter)
	k.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{}
		writers[topic] = w
		return w
	}
	return k, writers
}

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix, suffix, want string
	}{
		{"gominer", TopicShares, "gominer.shares"},
		{"", TopicBlocks, "blocks"},
		{"rig7", TopicSwitches, "rig7.switches"},
	}
	for _, tt := range tests {
		if got := Topic(tt.prefix, tt.suffix); got != tt.want {
			t.Errorf("Topic(%q, %q) = %q, want %q", tt.prefix, tt.suffix, got, tt.want)
		}
	}
}

func TestKafkaClient_RecordShare(t *testing.T) {
	k, writers := newTestClient()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := tracker.ShareEvent{
		PoolID:     2,
		JobID:      "j1",
		Nonce:      "01020304",
		Difficulty: 16,
		Result:     tracker.ShareAccepted,
		Latency:    250 * time.Millisecond,
		Time:       now,
	}
	if err := k.RecordShare(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	w := writers["gominer.shares"]
	if w == nil || len(w.msgs) != 1 {
		t.Fatalf("writers = %v", writers)
	}
	if string(w.msgs[0].Key) != "2" {
		t.Errorf("key = %q", w.msgs[0].Key)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(w.msgs[0].Value, &s); err != nil {
		t.Fatal(err)
	}
	got := ShareFromStruct(&s)
	if got.ID == "" {
		t.Error("share published without an id")
	}
	if got.PoolID != 2 || got.JobID != "j1" || got.Nonce != "01020304" || got.Result != tracker.ShareAccepted {
		t.Errorf("decoded = %+v", got)
	}
	if got.Latency != 250*time.Millisecond || !got.Time.Equal(now) || got.Difficulty != 16 {
		t.Errorf("decoded measurements = %+v", got)
	}
}

func TestKafkaClient_BlocksAndSwitches(t *testing.T) {
	k, writers := newTestClient()
	ctx := context.Background()
	if err := k.RecordBlock(ctx, tracker.BlockEvent{Hash: "00ab", PoolID: -1, Generation: 3}); err != nil {
		t.Fatal(err)
	}
	if err := k.RecordSwitch(ctx, tracker.SwitchEvent{From: 0, To: 1, Strategy: "failover"}); err != nil {
		t.Fatal(err)
	}

	blocks := writers["gominer.blocks"]
	if blocks == nil || string(blocks.msgs[0].Key) != "00ab" {
		t.Fatalf("block message missing or miskeyed")
	}
	var s structpb.Struct
	if err := proto.Unmarshal(blocks.msgs[0].Value, &s); err != nil {
		t.Fatal(err)
	}
	if s.GetFields()["generation"].GetNumberValue() != 3 {
		t.Errorf("generation = %v", s.GetFields()["generation"])
	}
	if sw := writers["gominer.switches"]; sw == nil || len(sw.msgs[0].Key) == 0 {
		t.Error("switch message missing or unkeyed")
	}

	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
	for topic, w := range writers {
		if !w.closed {
			t.Errorf("writer %s not closed", topic)
		}
	}
}

func TestKafkaClient_PublishFailure(t *testing.T) {
	k, _ := newTestClient()
	k.newWriter = func(string) messageWriter {
		return &fakeWriter{err: context.DeadlineExceeded}
	}
	err := k.RecordSwitch(context.Background(), tracker.SwitchEvent{To: 1})
	if err == nil {
		t.Fatal("publish to a failing writer succeeded")
	}
	if !errors.IsType(err, errors.ErrorTypeTimeout) && !errors.IsType(err, errors.ErrorTypeMessaging) {
		t.Errorf("error = %v", err)
	}
}
