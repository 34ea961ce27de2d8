package datasink

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pairloom-app/project/internal/contracts"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS entity_events (
  event_id text PRIMARY KEY,
  command_id text NOT NULL,
  entity_id text NOT NULL,
  couple_id text NOT NULL,
  kind text NOT NULL,
  actor_user_id text NOT NULL,
  actor_name text NOT NULL DEFAULT '',
  event_type text NOT NULL,
  payload jsonb NOT NULL DEFAULT '{}'::jsonb,
  sort_key text NOT NULL DEFAULT '',
  shard_id integer NOT NULL,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const alterEntityEventsSortKeySQL = `
ALTER TABLE entity_events
ADD COLUMN IF NOT EXISTS sort_key text NOT NULL DEFAULT ''`

const alterEntityEventsActorNameSQL = `
ALTER TABLE entity_events
ADD COLUMN IF NOT EXISTS actor_name text NOT NULL DEFAULT ''`

const createEntitiesTableSQL = `
CREATE TABLE IF NOT EXISTS entities (
  entity_id text PRIMARY KEY,
  couple_id text NOT NULL,
  kind text NOT NULL,
  payload jsonb NOT NULL DEFAULT '{}'::jsonb,
  sort_key text NOT NULL DEFAULT '',
  created_by_user_id text NOT NULL,
  created_by_username text NOT NULL,
  updated_by_user_id text NOT NULL,
  updated_by_username text NOT NULL,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  deleted_at timestamptz
)`

const createEntitiesCoupleKindIndexSQL = `
CREATE INDEX IF NOT EXISTS entities_couple_kind_idx
ON entities (couple_id, kind)
WHERE deleted_at IS NULL`

const createCoupleProjectionOffsetsSQL = `
CREATE TABLE IF NOT EXISTS couple_projection_offsets (
  couple_id text PRIMARY KEY,
  last_event_seq bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const insertEventSQL = `
INSERT INTO entity_events (
  event_id, command_id, entity_id, couple_id, kind, actor_user_id, actor_name,
  event_type, payload, sort_key, shard_id, occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (event_id) DO NOTHING
`

const upsertEntityCreatedSQL = `
INSERT INTO entities (
  entity_id, couple_id, kind, payload, sort_key,
  created_by_user_id, created_by_username,
  updated_by_user_id, updated_by_username,
  created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $6, $7, $8, $8)
ON CONFLICT (entity_id) DO NOTHING
`

const applyEntityUpdatedSQL = `
UPDATE entities
SET payload = $2,
    sort_key = $3,
    updated_by_user_id = $4,
    updated_by_username = $5,
    updated_at = $6
WHERE entity_id = $1 AND deleted_at IS NULL
`

const applyEntityDeletedSQL = `
UPDATE entities
SET updated_by_user_id = $2,
    updated_by_username = $3,
    updated_at = $4,
    deleted_at = $4
WHERE entity_id = $1 AND deleted_at IS NULL
`

const upsertCoupleProjectionOffsetSQL = `
INSERT INTO couple_projection_offsets (couple_id, last_event_seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (couple_id) DO UPDATE
SET last_event_seq = GREATEST(couple_projection_offsets.last_event_seq, EXCLUDED.last_event_seq),
    updated_at = now()
`

type EventRepository struct {
	Pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{Pool: pool}
}

func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createEventsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, alterEntityEventsSortKeySQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, alterEntityEventsActorNameSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createEntitiesTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createEntitiesCoupleKindIndexSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createCoupleProjectionOffsetsSQL); err != nil {
		return err
	}
	return nil
}

func (r *EventRepository) InsertEvent(ctx context.Context, event contracts.EntityEvent, eventSeq uint64) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	if _, err := tx.Exec(ctx, insertEventSQL,
		event.EventID,
		event.CommandID,
		event.EntityID,
		event.CoupleID,
		event.Kind,
		event.ActorUserID,
		event.ActorName,
		event.EventType,
		payload,
		event.SortKey,
		event.ShardID,
		event.OccurredAt,
	); err != nil {
		return err
	}

	switch event.EventType {
	case contracts.EventEntityCreated:
		if _, err := tx.Exec(ctx, upsertEntityCreatedSQL,
			event.EntityID,
			event.CoupleID,
			event.Kind,
			payload,
			event.SortKey,
			event.ActorUserID,
			event.ActorName,
			event.OccurredAt,
		); err != nil {
			return err
		}
	case contracts.EventEntityUpdated:
		if _, err := tx.Exec(ctx, applyEntityUpdatedSQL,
			event.EntityID,
			payload,
			event.SortKey,
			event.ActorUserID,
			event.ActorName,
			event.OccurredAt,
		); err != nil {
			return err
		}
	case contracts.EventEntityDeleted:
		if _, err := tx.Exec(ctx, applyEntityDeletedSQL,
			event.EntityID,
			event.ActorUserID,
			event.ActorName,
			event.OccurredAt,
		); err != nil {
			return err
		}
	default:
		return ErrUnsupportedEventType
	}

	if _, err := tx.Exec(ctx, upsertCoupleProjectionOffsetSQL, event.CoupleID, int64(eventSeq)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
