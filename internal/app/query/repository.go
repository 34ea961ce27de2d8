package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pairloom-app/project/internal/entitykind"
)

var (
	ErrEntityNotFound    = errors.New("entity not found")
	ErrCommandNotApplied = errors.New("command not applied within deadline")
)

type EntityView struct {
	EntityID          string          `json:"entity_id"`
	CoupleID          string          `json:"couple_id"`
	Kind              string          `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
	SortKey           string          `json:"sort_key,omitempty"`
	CreatedByUserID   string          `json:"created_by_user_id"`
	CreatedByUsername string          `json:"created_by_username"`
	UpdatedByUserID   string          `json:"updated_by_user_id"`
	UpdatedByUsername string          `json:"updated_by_username"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty"`
}

type EntityRepository struct {
	Pool *pgxpool.Pool
}

func NewEntityRepository(pool *pgxpool.Pool) *EntityRepository {
	return &EntityRepository{Pool: pool}
}

// orderClause maps a kind's declared ordering onto the projection columns.
// entity_id breaks ties so pagination stays stable.
func orderClause(kind string) string {
	def, ok := entitykind.Lookup(kind)
	if !ok {
		return "ORDER BY created_at DESC, entity_id DESC"
	}
	switch def.Ordering {
	case entitykind.CreatedAtAsc:
		return "ORDER BY created_at ASC, entity_id ASC"
	case entitykind.SortKeyAsc:
		return "ORDER BY sort_key ASC, entity_id ASC"
	case entitykind.SortKeyDesc:
		return "ORDER BY sort_key DESC, entity_id DESC"
	default:
		return "ORDER BY created_at DESC, entity_id DESC"
	}
}

func (r *EntityRepository) ListEntities(ctx context.Context, coupleID, kind string, limit int) ([]EntityView, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	query := fmt.Sprintf(
		`SELECT entity_id, couple_id, kind, payload, COALESCE(sort_key, ''),
		        created_by_user_id, created_by_username,
		        updated_by_user_id, updated_by_username,
		        created_at, updated_at, deleted_at
		 FROM entities
		 WHERE couple_id = $1 AND kind = $2 AND deleted_at IS NULL
		 %s
		 LIMIT $3`,
		orderClause(kind),
	)
	rows, err := r.Pool.Query(ctx, query, coupleID, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]EntityView, 0, limit)
	for rows.Next() {
		var v EntityView
		if err := rows.Scan(
			&v.EntityID,
			&v.CoupleID,
			&v.Kind,
			&v.Payload,
			&v.SortKey,
			&v.CreatedByUserID,
			&v.CreatedByUsername,
			&v.UpdatedByUserID,
			&v.UpdatedByUsername,
			&v.CreatedAt,
			&v.UpdatedAt,
			&v.DeletedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *EntityRepository) GetEntityByID(ctx context.Context, entityID string) (EntityView, error) {
	var v EntityView
	err := r.Pool.QueryRow(ctx,
		`SELECT entity_id, couple_id, kind, payload, COALESCE(sort_key, ''),
		        created_by_user_id, created_by_username,
		        updated_by_user_id, updated_by_username,
		        created_at, updated_at, deleted_at
		 FROM entities
		 WHERE entity_id = $1`,
		entityID,
	).Scan(
		&v.EntityID,
		&v.CoupleID,
		&v.Kind,
		&v.Payload,
		&v.SortKey,
		&v.CreatedByUserID,
		&v.CreatedByUsername,
		&v.UpdatedByUserID,
		&v.UpdatedByUsername,
		&v.CreatedAt,
		&v.UpdatedAt,
		&v.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EntityView{}, ErrEntityNotFound
		}
		return EntityView{}, err
	}
	if v.DeletedAt != nil {
		return EntityView{}, ErrEntityNotFound
	}
	return v, nil
}

func (r *EntityRepository) GetCoupleProjectionOffset(ctx context.Context, coupleID string) (uint64, error) {
	var offset uint64
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(last_event_seq, 0)
		 FROM couple_projection_offsets
		 WHERE couple_id = $1`,
		coupleID,
	).Scan(&offset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			// Projection offset table is not available yet.
			return 0, nil
		}
		return 0, err
	}
	return offset, nil
}

func (r *EntityRepository) WaitForCommandApplied(ctx context.Context, commandID, coupleID string, timeout time.Duration) error {
	commandID = strings.TrimSpace(commandID)
	coupleID = strings.TrimSpace(coupleID)
	if commandID == "" || coupleID == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	deadline := time.Now().Add(timeout)
	delay := 20 * time.Millisecond
	for time.Now().Before(deadline) {
		var marker int
		err := r.Pool.QueryRow(ctx,
			`SELECT 1
			 FROM entity_events
			 WHERE command_id = $1 AND couple_id = $2
			 LIMIT 1`,
			commandID, coupleID,
		).Scan(&marker)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			var pgErr *pgconn.PgError
			if !(errors.As(err, &pgErr) && pgErr.Code == "42P01") {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		nextDelay := time.Duration(float64(delay) * 1.5)
		if nextDelay > 250*time.Millisecond {
			nextDelay = 250 * time.Millisecond
		}
		delay = nextDelay
	}
	return ErrCommandNotApplied
}
