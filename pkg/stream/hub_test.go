package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"applylens/pkg/models"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(TypeAction, "act-1", map[string]string{"id": "act-1"})
	if evt.Type != TypeAction || evt.Ref != "act-1" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != "act-1" {
		t.Fatalf("expected id=act-1, got %q", payload["id"])
	}
	if NewEvent("ping", "", nil).Data != nil {
		t.Fatal("expected empty data for nil payload")
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(1)
	if err := h.ActionChanged(context.Background(), models.ProposedAction{ID: "act-1", Status: models.StatusApproved}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != TypeAction || evt.Ref != "act-1" {
			t.Fatalf("expected action event, got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(sub)
	// Must not panic on repeated calls.
	h.Unsubscribe(sub)
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()

	h := NewHub()
	settings := h.Subscribe(4, TypeSettings)
	defer h.Unsubscribe(settings)

	_ = h.StatsChanged(context.Background(), models.PolicyStats{RuleID: "r1", UserID: "u1"})
	h.SettingsChanged(models.SettingsChange{Revision: 3})

	select {
	case evt := <-settings.C:
		if evt.Type != TypeSettings || evt.Ref != "3" {
			t.Fatalf("expected settings event, got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for settings event")
	}
	select {
	case evt := <-settings.C:
		t.Fatalf("did not expect %q event", evt.Type)
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(1)
	defer h.Unsubscribe(sub)

	h.BundleChanged(models.Bundle{Version: 1})
	h.BundleChanged(models.Bundle{Version: 2})

	select {
	case evt := <-sub.C:
		if evt.Ref != "1" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Ref)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}
	if sub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", sub.Dropped())
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe(0)
	defer h.Unsubscribe(sub)
	if cap(sub.C) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(sub.C))
	}
}
