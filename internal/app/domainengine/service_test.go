package domainengine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pairloom-app/project/internal/contracts"
	"github.com/pairloom-app/project/internal/sharding"
)

func TestHandle_PublishesCreatedEvent(t *testing.T) {
	var gotSubject string
	var gotPayload []byte

	svc := NewService(func(subject string, payload []byte) error {
		gotSubject = subject
		gotPayload = payload
		return nil
	})
	svc.NewID = func() string { return "evt-1" }
	svc.Now = func() time.Time { return time.Date(2026, 2, 9, 22, 0, 0, 0, time.UTC) }

	cmd := contracts.EntityCommand{
		CommandID:   "cmd-1",
		EntityID:    "ent-1",
		CoupleID:    "couple-1",
		Kind:        "todo",
		Action:      "create-entity",
		ActorUserID: "user-1",
		ActorName:   "alice",
		Payload:     json.RawMessage(`{"text":"Plan date night","category":"couple"}`),
	}
	payload, _ := json.Marshal(cmd)

	if err := svc.Handle("app.command.532.couple.couple-1", payload); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if gotSubject != "app.event.532.couple.couple-1" {
		t.Fatalf("unexpected event subject: %q", gotSubject)
	}
	var event contracts.EntityEvent
	if err := json.Unmarshal(gotPayload, &event); err != nil {
		t.Fatalf("event payload invalid JSON: %v", err)
	}
	if event.EventID != "evt-1" || event.CommandID != "cmd-1" || event.EntityID != "ent-1" || event.CoupleID != "couple-1" || event.Kind != "todo" || event.ActorName != "alice" || event.EventType != contracts.EventEntityCreated || event.ShardID != 532 {
		t.Fatalf("unexpected event payload: %+v", event)
	}
}

func TestHandle_ComputesSortKey(t *testing.T) {
	var gotPayload []byte
	svc := NewService(func(_ string, payload []byte) error {
		gotPayload = payload
		return nil
	})

	cmd := contracts.EntityCommand{
		CommandID:   "cmd-1",
		EntityID:    "ent-1",
		CoupleID:    "couple-1",
		Kind:        "calendar-event",
		Action:      "create-entity",
		ActorUserID: "user-1",
		Payload:     json.RawMessage(`{"title":"Picnic","date":"2026-07-04","category":"custom"}`),
	}
	payload, _ := json.Marshal(cmd)
	if err := svc.Handle("app.command.1.couple.couple-1", payload); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	var event contracts.EntityEvent
	if err := json.Unmarshal(gotPayload, &event); err != nil {
		t.Fatalf("event payload invalid JSON: %v", err)
	}
	if event.SortKey != "2026-07-04" {
		t.Fatalf("unexpected sort key: %q", event.SortKey)
	}
}

func TestHandle_InvalidPayload(t *testing.T) {
	svc := NewService(func(_ string, _ []byte) error { return nil })
	err := svc.Handle("app.command.1.couple.couple-1", []byte("{invalid json"))
	if !errors.Is(err, ErrInvalidCommandPayload) {
		t.Fatalf("expected ErrInvalidCommandPayload, got %v", err)
	}
}

func TestHandle_RejectsInvalidEntityPayload(t *testing.T) {
	svc := NewService(func(_ string, _ []byte) error { return nil })
	cmd := contracts.EntityCommand{
		CommandID:   "c1",
		EntityID:    "e1",
		CoupleID:    "couple-1",
		Kind:        "todo",
		Action:      "create-entity",
		ActorUserID: "u1",
		Payload:     json.RawMessage(`{"text":"x","category":"world-domination"}`),
	}
	payload, _ := json.Marshal(cmd)
	if err := svc.Handle("app.command.1.couple.couple-1", payload); !errors.Is(err, ErrInvalidCommandPayload) {
		t.Fatalf("expected ErrInvalidCommandPayload, got %v", err)
	}
}

func TestHandle_DeleteSkipsPayloadValidation(t *testing.T) {
	var gotPayload []byte
	svc := NewService(func(_ string, payload []byte) error {
		gotPayload = payload
		return nil
	})
	cmd := contracts.EntityCommand{
		CommandID:   "c1",
		EntityID:    "e1",
		CoupleID:    "couple-1",
		Kind:        "todo",
		Action:      "delete-entity",
		ActorUserID: "u1",
	}
	payload, _ := json.Marshal(cmd)
	if err := svc.Handle("app.command.1.couple.couple-1", payload); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	var event contracts.EntityEvent
	if err := json.Unmarshal(gotPayload, &event); err != nil {
		t.Fatalf("event payload invalid JSON: %v", err)
	}
	if event.EventType != contracts.EventEntityDeleted {
		t.Fatalf("unexpected event type: %s", event.EventType)
	}
}

func TestHandle_UnsupportedAction(t *testing.T) {
	svc := NewService(func(_ string, _ []byte) error { return nil })
	cmd := contracts.EntityCommand{CommandID: "c1", EntityID: "e1", ActorUserID: "u1", CoupleID: "couple-1", Kind: "todo", Action: "archive-entity"}
	payload, _ := json.Marshal(cmd)
	err := svc.Handle("app.command.1.couple.couple-1", payload)
	if !errors.Is(err, ErrUnsupportedCommandAction) {
		t.Fatalf("expected ErrUnsupportedCommandAction, got %v", err)
	}
}

func TestShardFromSubject_Fallback(t *testing.T) {
	got := ShardFromSubject("couple-2", "bad.subject")
	want := sharding.GetShardID("couple-2")
	if got != want {
		t.Fatalf("expected fallback shard %d, got %d", want, got)
	}
}
