package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventAction   = "action"
	EventStats    = "stats"
	EventSettings = "settings"
)

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Envelope is the value of every message on the policy events topic.
type Envelope struct {
	Type string          `json:"type"`
	Key  string          `json:"key"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

func Decode(msg Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode policy event: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode policy event: missing type")
	}
	return env, nil
}
