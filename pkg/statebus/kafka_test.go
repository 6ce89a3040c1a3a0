package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"applylens/pkg/models"
)

func TestKafkaConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "events", GroupID: "g1"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "events"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}, Topic: "events"})
	if err != nil {
		t.Fatalf("publisher does not need a group id, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"\t"}, Topic: "events"}); err == nil {
		t.Fatal("expected error for blank broker list")
	}
}

func TestKafkaConsumerCloseAndReadGuard(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}
	var nilPublisher *Publisher
	if err := nilPublisher.ActionChanged(context.Background(), models.ProposedAction{}); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaConsumerReadsEnvelope(t *testing.T) {
	consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{
		Key:   []byte("act-1"),
		Value: []byte(`{"type":"action","key":"act-1","at":"2026-03-01T00:00:00Z","data":{"id":"act-1"}}`),
	}}}
	msg, err := consumer.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	env, err := Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != EventAction || string(msg.Key) != "act-1" || string(env.Data) != `{"id":"act-1"}` {
		t.Fatalf("unexpected envelope %+v", env)
	}

	consumer.reader = &fakeKafkaReader{err: errors.New("read failed")}
	if _, err := consumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected reader error")
	}
	if _, err := Decode(Message{Value: []byte(`{"key":"x"}`)}); err == nil {
		t.Fatal("expected missing type error")
	}
	if _, err := Decode(Message{Value: []byte(`nope`)}); err == nil {
		t.Fatal("expected json error")
	}
}

func TestPublisherKeysEvents(t *testing.T) {
	w := &fakeKafkaWriter{}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := &Publisher{writer: w, now: func() time.Time { return at }}
	ctx := context.Background()

	if err := p.ActionChanged(ctx, models.ProposedAction{ID: "act-9", Status: models.StatusExecuted}); err != nil {
		t.Fatalf("action: %v", err)
	}
	if err := p.StatsChanged(ctx, models.PolicyStats{RuleID: "r1", UserID: "u1", Fired: 2}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if err := p.SettingsChanged(ctx, models.SettingsChange{Revision: 4}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	wantKeys := []string{"act-9", "r1/u1", "4"}
	if len(w.msgs) != len(wantKeys) {
		t.Fatalf("expected %d messages, got %d", len(wantKeys), len(w.msgs))
	}
	for i, key := range wantKeys {
		if string(w.msgs[i].Key) != key {
			t.Fatalf("message %d: expected key %q, got %q", i, key, w.msgs[i].Key)
		}
	}
	env, err := Decode(Message{Value: w.msgs[1].Value})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var stats models.PolicyStats
	if err := json.Unmarshal(env.Data, &stats); err != nil || stats.Fired != 2 || !env.At.Equal(at) {
		t.Fatalf("unexpected stats event %+v (%v)", env, err)
	}

	w.err = errors.New("broker down")
	err = p.ActionChanged(ctx, models.ProposedAction{ID: "act-10"})
	if err == nil || !strings.Contains(err.Error(), "publish action event act-10") {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}
