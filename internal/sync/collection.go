package sync

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pairloom-app/project/internal/entitykind"
)

// Entity is the client-side view of one synchronized row.
type Entity struct {
	ID        string          `json:"entity_id"`
	CoupleID  string          `json:"couple_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	SortKey   string          `json:"sort_key,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type EventType string

const (
	Insert   EventType = "insert"
	Update   EventType = "update"
	Delete   EventType = "delete"
	Snapshot EventType = "snapshot"
)

// ChangeEvent is one feed notification carrying the authoritative entity
// snapshot after the change. Snapshot events carry the full collection in
// Entities instead of a single Entity; the streamer emits them after a burst
// so a client that missed a frame converges on the projection anyway.
type ChangeEvent struct {
	Type     EventType `json:"type"`
	Entity   Entity    `json:"entity"`
	Entities []Entity  `json:"entities,omitempty"`
}

// Less is the position rule of a collection. Entity ID breaks ties so the
// order is total and stable across peers.
type Less func(a, b Entity) bool

func ByCreatedAtDesc(a, b Entity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func ByCreatedAtAsc(a, b Entity) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func BySortKeyAsc(a, b Entity) bool {
	if a.SortKey != b.SortKey {
		return a.SortKey < b.SortKey
	}
	return a.ID < b.ID
}

func BySortKeyDesc(a, b Entity) bool {
	if a.SortKey != b.SortKey {
		return a.SortKey > b.SortKey
	}
	return a.ID > b.ID
}

// OrderingFor maps a kind's declared ordering to its comparator. Unknown
// kinds fall back to newest-first.
func OrderingFor(kind string) Less {
	def, ok := entitykind.Lookup(kind)
	if !ok {
		return ByCreatedAtDesc
	}
	switch def.Ordering {
	case entitykind.CreatedAtAsc:
		return ByCreatedAtAsc
	case entitykind.SortKeyAsc:
		return BySortKeyAsc
	case entitykind.SortKeyDesc:
		return BySortKeyDesc
	default:
		return ByCreatedAtDesc
	}
}

// Collection holds one kind's entities in declared order. It is not safe for
// concurrent use; the Store serializes access.
type Collection struct {
	less  Less
	items []Entity
	byID  map[string]int
}

func NewCollection(less Less) *Collection {
	if less == nil {
		less = ByCreatedAtDesc
	}
	return &Collection{less: less, byID: map[string]int{}}
}

func (c *Collection) Len() int { return len(c.items) }

// Items returns the entities in order. The slice is a copy.
func (c *Collection) Items() []Entity {
	out := make([]Entity, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Collection) Get(id string) (Entity, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Entity{}, false
	}
	return c.items[i], true
}

// Replace swaps in a full snapshot, deduplicating by ID.
func (c *Collection) Replace(items []Entity) {
	c.items = c.items[:0]
	c.byID = map[string]int{}
	for _, e := range items {
		if _, dup := c.byID[e.ID]; dup {
			continue
		}
		c.byID[e.ID] = -1
		c.items = append(c.items, e)
	}
	c.resort()
}

// Apply folds one change event into the collection.
//
// Inserts of an already-present ID are ignored: an entity created locally
// and then received over the feed must not appear twice. Updates for unknown
// IDs are ignored rather than resurrecting deleted entities. Deletes are
// idempotent. A snapshot replaces the whole collection.
func (c *Collection) Apply(ev ChangeEvent) {
	switch ev.Type {
	case Insert:
		if _, exists := c.byID[ev.Entity.ID]; exists {
			return
		}
		c.byID[ev.Entity.ID] = -1
		c.items = append(c.items, ev.Entity)
		c.resort()
	case Update:
		i, exists := c.byID[ev.Entity.ID]
		if !exists {
			return
		}
		next := ev.Entity
		// Feed updates may not carry the original creation time.
		if next.CreatedAt.IsZero() {
			next.CreatedAt = c.items[i].CreatedAt
		}
		c.items[i] = next
		c.resort()
	case Delete:
		i, exists := c.byID[ev.Entity.ID]
		if !exists {
			return
		}
		c.items = append(c.items[:i], c.items[i+1:]...)
		delete(c.byID, ev.Entity.ID)
		c.resort()
	case Snapshot:
		c.Replace(ev.Entities)
	}
}

func (c *Collection) resort() {
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.less(c.items[i], c.items[j])
	})
	for i, e := range c.items {
		c.byID[e.ID] = i
	}
}
