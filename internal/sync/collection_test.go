package sync

import (
	"testing"
	"time"
)

func entityAt(id string, created time.Time) Entity {
	return Entity{ID: id, Kind: "todo", CreatedAt: created, UpdatedAt: created}
}

func ids(items []Entity) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.ID
	}
	return out
}

func sameIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCollection_InsertKeepsOrder(t *testing.T) {
	c := NewCollection(ByCreatedAtDesc)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("a", base)})
	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("b", base.Add(time.Minute))})
	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("c", base.Add(30*time.Second))})

	if got := ids(c.Items()); !sameIDs(got, "b", "c", "a") {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestCollection_InsertDeduplicates(t *testing.T) {
	c := NewCollection(ByCreatedAtDesc)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("a", base)})
	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("a", base)})

	if c.Len() != 1 {
		t.Fatalf("expected 1 item after duplicate insert, got %d", c.Len())
	}
}

func TestCollection_UpdateUnknownIgnored(t *testing.T) {
	c := NewCollection(ByCreatedAtDesc)
	c.Apply(ChangeEvent{Type: Update, Entity: entityAt("ghost", time.Now())})
	if c.Len() != 0 {
		t.Fatalf("update of unknown entity must not insert, got %d items", c.Len())
	}
}

func TestCollection_UpdatePreservesCreatedAt(t *testing.T) {
	c := NewCollection(ByCreatedAtDesc)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("a", created)})

	updated := Entity{ID: "a", Kind: "todo", UpdatedAt: created.Add(time.Hour)}
	c.Apply(ChangeEvent{Type: Update, Entity: updated})

	got, ok := c.Get("a")
	if !ok {
		t.Fatalf("entity missing after update")
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at lost on update: %v", got.CreatedAt)
	}
	if !got.UpdatedAt.Equal(created.Add(time.Hour)) {
		t.Fatalf("updated_at not applied: %v", got.UpdatedAt)
	}
}

func TestCollection_DeleteIdempotent(t *testing.T) {
	c := NewCollection(ByCreatedAtDesc)
	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("a", time.Now())})

	c.Apply(ChangeEvent{Type: Delete, Entity: Entity{ID: "a"}})
	c.Apply(ChangeEvent{Type: Delete, Entity: Entity{ID: "a"}})

	if c.Len() != 0 {
		t.Fatalf("expected empty collection, got %d items", c.Len())
	}

	// a deleted ID can be reinserted fresh
	c.Apply(ChangeEvent{Type: Insert, Entity: entityAt("a", time.Now())})
	if c.Len() != 1 {
		t.Fatalf("reinsert after delete failed, got %d items", c.Len())
	}
}

func TestCollection_SortKeyOrderings(t *testing.T) {
	c := NewCollection(BySortKeyAsc)
	c.Replace([]Entity{
		{ID: "mar", SortKey: "2026-03"},
		{ID: "jan", SortKey: "2026-01"},
		{ID: "feb", SortKey: "2026-02"},
	})
	if got := ids(c.Items()); !sameIDs(got, "jan", "feb", "mar") {
		t.Fatalf("unexpected ascending order: %v", got)
	}

	d := NewCollection(BySortKeyDesc)
	d.Replace(c.Items())
	if got := ids(d.Items()); !sameIDs(got, "mar", "feb", "jan") {
		t.Fatalf("unexpected descending order: %v", got)
	}
}

func TestCollection_UpdateMovesEntity(t *testing.T) {
	c := NewCollection(BySortKeyAsc)
	c.Replace([]Entity{
		{ID: "a", SortKey: "2026-01-01", CreatedAt: time.Now()},
		{ID: "b", SortKey: "2026-02-01", CreatedAt: time.Now()},
	})

	c.Apply(ChangeEvent{Type: Update, Entity: Entity{ID: "a", SortKey: "2026-03-01"}})
	if got := ids(c.Items()); !sameIDs(got, "b", "a") {
		t.Fatalf("entity did not move after sort-key change: %v", got)
	}
}

func TestCollection_ReplaceDeduplicates(t *testing.T) {
	c := NewCollection(ByCreatedAtDesc)
	now := time.Now()
	c.Replace([]Entity{entityAt("a", now), entityAt("a", now), entityAt("b", now)})
	if c.Len() != 2 {
		t.Fatalf("expected 2 items after dedup, got %d", c.Len())
	}
}

func TestOrderingFor(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	older := entityAt("a", base)
	newer := entityAt("b", base.Add(time.Hour))

	if !OrderingFor("todo")(newer, older) {
		t.Fatalf("todo collections should be newest-first")
	}
	if !OrderingFor("budget-item")(older, newer) {
		t.Fatalf("budget-item collections should be oldest-first")
	}
	if !OrderingFor("calendar-event")(Entity{ID: "x", SortKey: "2026-01-01"}, Entity{ID: "y", SortKey: "2026-06-01"}) {
		t.Fatalf("calendar collections should sort by date ascending")
	}
}
