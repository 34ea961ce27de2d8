package contracts

import (
	"encoding/json"
	"time"
)

// Change event types emitted by the domain engine.
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
)

// EntityCommand is the command published by command-api and processed by
// domain-engine. Domain fields live in Payload; the envelope is identical for
// every entity kind.
type EntityCommand struct {
	CommandID   string          `json:"command_id"`
	EntityID    string          `json:"entity_id"`
	CoupleID    string          `json:"couple_id"`
	Kind        string          `json:"kind"`
	Action      string          `json:"action"`
	ActorUserID string          `json:"actor_user_id"`
	ActorName   string          `json:"actor_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EntityEvent is the event published by domain-engine and consumed by the
// sse-streamer and data-sink. Payload carries the full entity snapshot for
// created/updated events; for deleted events only the entity id matters.
type EntityEvent struct {
	EventID     string          `json:"event_id"`
	CommandID   string          `json:"command_id"`
	EntityID    string          `json:"entity_id"`
	CoupleID    string          `json:"couple_id"`
	Kind        string          `json:"kind"`
	EventType   string          `json:"event_type"`
	ActorUserID string          `json:"actor_user_id"`
	ActorName   string          `json:"actor_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SortKey     string          `json:"sort_key,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ShardID     int             `json:"shard_id"`
}
