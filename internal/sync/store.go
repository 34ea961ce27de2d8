package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"
)

// Loader fetches the current snapshot of a couple's entities of one kind.
type Loader interface {
	Load(ctx context.Context, coupleID, kind string) ([]Entity, error)
}

// Feed delivers change events for a couple's entities of one kind. Events
// arrive on the feed's own goroutine. onDrop fires once when the feed dies
// and will not be re-established by the feed itself.
type Feed interface {
	Subscribe(coupleID, kind string, onEvent func(ChangeEvent), onDrop func(error)) (stop func(), err error)
}

// Remote submits mutations. Send returns the server-assigned entity ID.
type Remote interface {
	Send(ctx context.Context, action, kind, entityID string, payload json.RawMessage) (string, error)
}

const defaultReconnectAttempts = 5

// Store keeps one kind's collection synchronized with the active couple
// scope: snapshot load on activation, live change-feed application after,
// full teardown on deactivation.
//
// Writes go through the remote and are never applied locally; the entity
// appears (or changes, or disappears) when its event comes back over the
// feed. This keeps every peer's collection identical to the projection.
type Store struct {
	Kind              string
	Loader            Loader
	Feed              Feed
	Remote            Remote
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	mu         stdsync.Mutex
	coupleID   string
	epoch      uint64
	loading    bool
	pending    []ChangeEvent
	collection *Collection
	stopFeed   func()
	lastErr    error
}

func NewStore(kind string, loader Loader, feed Feed, remote Remote) *Store {
	return &Store{
		Kind:              kind,
		Loader:            loader,
		Feed:              feed,
		Remote:            remote,
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelay:    200 * time.Millisecond,
		collection:        NewCollection(OrderingFor(kind)),
	}
}

// Activate switches the store to a couple scope. Any previous scope is torn
// down first; its in-flight loads and feed events are discarded by the epoch
// guard. The subscription starts before the snapshot load so no event falls
// into the gap; events arriving mid-load are queued and replayed in delivery
// order once the snapshot lands.
func (s *Store) Activate(ctx context.Context, coupleID string) error {
	if coupleID == "" {
		return ErrScopeRequired
	}

	s.mu.Lock()
	s.teardownLocked()
	s.epoch++
	epoch := s.epoch
	s.coupleID = coupleID
	s.loading = true
	s.pending = nil
	s.lastErr = nil
	s.collection = NewCollection(OrderingFor(s.Kind))
	s.mu.Unlock()

	stop, err := s.Feed.Subscribe(coupleID, s.Kind,
		func(ev ChangeEvent) { s.onEvent(epoch, ev) },
		func(cause error) { s.onFeedDrop(epoch, cause) },
	)
	if err != nil {
		s.mu.Lock()
		if s.epoch == epoch {
			s.loading = false
			s.lastErr = fmt.Errorf("%w: %v", ErrSubscription, err)
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSubscription, err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		// Scope changed while subscribing; this subscription is stale.
		s.mu.Unlock()
		stop()
		return nil
	}
	s.stopFeed = stop
	s.mu.Unlock()

	return s.load(ctx, epoch, coupleID)
}

// Deactivate clears the scope: the feed is stopped and the collection is
// emptied immediately.
func (s *Store) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	s.epoch++
	s.coupleID = ""
	s.loading = false
	s.pending = nil
	s.lastErr = nil
	s.collection = NewCollection(OrderingFor(s.Kind))
}

// Reload refetches the snapshot for the active scope without touching the
// subscription.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.coupleID == "" {
		s.mu.Unlock()
		return ErrScopeRequired
	}
	epoch := s.epoch
	coupleID := s.coupleID
	s.loading = true
	s.pending = nil
	s.mu.Unlock()

	return s.load(ctx, epoch, coupleID)
}

func (s *Store) load(ctx context.Context, epoch uint64, coupleID string) error {
	items, err := s.Loader.Load(ctx, coupleID, s.Kind)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		// A scope switch happened mid-flight; this snapshot belongs to the
		// old scope and must not leak into the new one.
		return nil
	}
	s.loading = false
	if err != nil {
		// Keep last-known-good items; only a scope change clears them.
		s.pending = nil
		s.lastErr = fmt.Errorf("%w: %v", ErrRemoteRead, err)
		return s.lastErr
	}

	s.collection.Replace(items)
	for _, ev := range s.pending {
		s.collection.Apply(ev)
	}
	s.pending = nil
	s.lastErr = nil
	return nil
}

func (s *Store) onEvent(epoch uint64, ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	if s.loading {
		s.pending = append(s.pending, ev)
		return
	}
	s.collection.Apply(ev)
}

// onFeedDrop re-subscribes with a bounded retry budget and reloads the
// snapshot to cover the outage window. Exhausting the budget records
// ErrSubscription; the collection keeps its last-known-good items.
func (s *Store) onFeedDrop(epoch uint64, cause error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	coupleID := s.coupleID
	s.stopFeed = nil
	attempts := s.ReconnectAttempts
	delay := s.ReconnectDelay
	s.mu.Unlock()

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}

		stop, err := s.Feed.Subscribe(coupleID, s.Kind,
			func(ev ChangeEvent) { s.onEvent(epoch, ev) },
			func(cause error) { s.onFeedDrop(epoch, cause) },
		)
		if err != nil {
			continue
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			stop()
			return
		}
		s.stopFeed = stop
		// The reload below re-baselines the collection to cover the outage
		// window. Events from the fresh subscription must queue until its
		// snapshot lands, or Replace would wipe them.
		s.loading = true
		s.pending = nil
		s.mu.Unlock()

		_ = s.load(context.Background(), epoch, coupleID)
		return
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.lastErr = fmt.Errorf("%w: %v", ErrSubscription, cause)
	}
	s.mu.Unlock()
}

func (s *Store) teardownLocked() {
	if s.stopFeed != nil {
		s.stopFeed()
		s.stopFeed = nil
	}
}

// Items returns the collection snapshot in declared order.
func (s *Store) Items() []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection.Items()
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err reports the last read or subscription failure, or nil.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) scope() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coupleID == "" {
		return "", ErrScopeRequired
	}
	return s.coupleID, nil
}

// Create submits a new entity and returns its server-assigned ID. The entity
// is not added locally; it arrives over the feed.
func (s *Store) Create(ctx context.Context, payload json.RawMessage) (string, error) {
	if _, err := s.scope(); err != nil {
		return "", err
	}
	id, err := s.Remote.Send(ctx, "create-entity", s.Kind, "", payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteWrite, err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, entityID string, payload json.RawMessage) error {
	if _, err := s.scope(); err != nil {
		return err
	}
	if _, err := s.Remote.Send(ctx, "update-entity", s.Kind, entityID, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteWrite, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, entityID string) error {
	if _, err := s.scope(); err != nil {
		return err
	}
	if _, err := s.Remote.Send(ctx, "delete-entity", s.Kind, entityID, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteWrite, err)
	}
	return nil
}
