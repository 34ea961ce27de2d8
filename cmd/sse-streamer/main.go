package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/pairloom-app/project/internal/app/identity"
	"github.com/pairloom-app/project/internal/app/query"
	"github.com/pairloom-app/project/internal/contracts"
	"github.com/pairloom-app/project/internal/entitykind"
	platformauth "github.com/pairloom-app/project/internal/platform/auth"
	"github.com/pairloom-app/project/internal/platform/dbpool"
	"github.com/pairloom-app/project/internal/platform/env"
	"github.com/pairloom-app/project/internal/platform/metrics"
	"github.com/pairloom-app/project/internal/platform/natsutil"
)

var userStreams = newUserStreamRegistry()
var coupleStreams *coupleStreamRegistry

var (
	activeStreamsGauge = metrics.NewGaugeVec(metrics.Opts{
		Name: "pairloom_sse_active_streams",
		Help: "Currently open SSE connections by entity kind filter.",
	}, []string{"kind"})

	eventsRelayedTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "pairloom_sse_events_relayed_total",
		Help: "Domain events relayed to SSE subscribers.",
	}, []string{"kind", "event_type"})
)

func init() {
	metrics.Default.MustRegister(activeStreamsGauge, eventsRelayedTotal)
}

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamerAddr := env.String("SSE_STREAMER_ADDR", env.DefaultStreamerAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	tokenManager := identity.NewTokenManager(jwtSecret)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForIdentitySchema(runCtx, identityRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	queryRepo := query.NewEntityRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	coupleStreams = newCoupleStreamRegistry(client.JS, queryRepo)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkSSEStreamerReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	mux.HandleFunc("/api/v1/entities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := claimsFromAuthHeader(w, r, tokenManager)
		if !ok {
			return
		}

		coupleID := strings.TrimSpace(r.URL.Query().Get("couple_id"))
		if coupleID == "" {
			http.Error(w, "couple_id is required", http.StatusBadRequest)
			return
		}
		if !requireCoupleMember(w, r.Context(), identityRepo, claims.Subject, coupleID) {
			return
		}

		kind := strings.TrimSpace(r.URL.Query().Get("kind"))
		if _, ok := entitykind.Lookup(kind); !ok {
			http.Error(w, "unknown entity kind", http.StatusBadRequest)
			return
		}

		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		entities, err := queryRepo.ListEntities(r.Context(), coupleID, kind, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entities)
	})

	mux.HandleFunc("/api/v1/commands/applied", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := claimsFromAuthHeader(w, r, tokenManager)
		if !ok {
			return
		}

		coupleID := strings.TrimSpace(r.URL.Query().Get("couple_id"))
		commandID := strings.TrimSpace(r.URL.Query().Get("command_id"))
		if coupleID == "" || commandID == "" {
			http.Error(w, "couple_id and command_id are required", http.StatusBadRequest)
			return
		}
		if !requireCoupleMember(w, r.Context(), identityRepo, claims.Subject, coupleID) {
			return
		}

		timeout := 2 * time.Second
		if raw := strings.TrimSpace(r.URL.Query().Get("timeout")); raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 && parsed <= 10*time.Second {
				timeout = parsed
			}
		}

		err := queryRepo.WaitForCommandApplied(r.Context(), commandID, coupleID, timeout)
		if err != nil {
			if errors.Is(err, query.ErrCommandNotApplied) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				writeJSON(w, http.StatusNotFound, map[string]string{"status": "pending"})
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return
		}
		claims, err := tokenManager.Parse(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		coupleID := strings.TrimSpace(r.URL.Query().Get("couple_id"))
		if coupleID == "" {
			http.Error(w, "couple_id is required", http.StatusBadRequest)
			return
		}
		if !requireCoupleMember(w, r.Context(), identityRepo, claims.Subject, coupleID) {
			return
		}

		kindFilter := strings.TrimSpace(r.URL.Query().Get("kind"))
		if kindFilter != "" {
			if _, ok := entitykind.Lookup(kindFilter); !ok {
				http.Error(w, "unknown entity kind", http.StatusBadRequest)
				return
			}
		}

		streamCtx, cancelStream := context.WithCancel(r.Context())
		streamID := fmt.Sprintf("%d", time.Now().UnixNano())
		leaseKey := claims.Subject + "/" + kindFilter
		if cancelPrev := userStreams.Replace(leaseKey, streamID, cancelStream); cancelPrev != nil {
			cancelPrev()
		}
		defer userStreams.Release(leaseKey, streamID)
		defer cancelStream()

		eventCh, unsubscribeCouple, err := coupleStreams.Subscribe(coupleID)
		if err != nil {
			http.Error(w, "stream subscription failed", http.StatusInternalServerError)
			return
		}
		defer unsubscribeCouple()

		kindLabel := kindFilter
		if kindLabel == "" {
			kindLabel = "all"
		}
		activeStreamsGauge.WithLabelValues(kindLabel).Inc()
		defer activeStreamsGauge.WithLabelValues(kindLabel).Dec()

		fmt.Fprintf(w, "event: ready\ndata: {\"couple_id\":%q}\n\n", coupleID)
		flusher.Flush()

		for {
			select {
			case <-streamCtx.Done():
				return
			case streamMsg := <-eventCh:
				if streamMsg.Event != nil {
					event := *streamMsg.Event
					if kindFilter != "" && event.Kind != kindFilter {
						continue
					}
					frame, err := json.Marshal(event)
					if err != nil {
						continue
					}
					fmt.Fprintf(w, "event: change\ndata: %s\n\n", frame)
					flusher.Flush()
					eventsRelayedTotal.WithLabelValues(event.Kind, event.EventType).Inc()
				}
				if streamMsg.Entities != nil {
					if kindFilter != "" && streamMsg.Kind != kindFilter {
						continue
					}
					frame, err := json.Marshal(map[string]any{
						"kind":     streamMsg.Kind,
						"entities": streamMsg.Entities,
					})
					if err != nil {
						continue
					}
					fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", frame)
					flusher.Flush()
				}
			}
		}
	})

	mux.HandleFunc("/events/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return
		}

		claims, err := tokenManager.Parse(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		userStreams.CancelPrefix(claims.Subject + "/")
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              streamerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Keep WriteTimeout unset for long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("SSE Streamer listening on %s\n", streamerAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("sse-streamer graceful shutdown failed: %v", err)
	}
}

type userStreamLease struct {
	id     string
	cancel context.CancelFunc
}

type userStreamRegistry struct {
	mu      sync.Mutex
	byLease map[string]userStreamLease
}

func newUserStreamRegistry() *userStreamRegistry {
	return &userStreamRegistry{byLease: make(map[string]userStreamLease)}
}

func (r *userStreamRegistry) Replace(leaseKey, streamID string, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prevCancel context.CancelFunc
	if current, ok := r.byLease[leaseKey]; ok {
		prevCancel = current.cancel
	}
	r.byLease[leaseKey] = userStreamLease{id: streamID, cancel: cancel}
	return prevCancel
}

func (r *userStreamRegistry) Release(leaseKey, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byLease[leaseKey]
	if !ok {
		return
	}
	if current.id != streamID {
		return
	}
	delete(r.byLease, leaseKey)
}

// CancelPrefix tears down every stream whose lease key starts with prefix,
// one lease per kind filter held by the same user.
func (r *userStreamRegistry) CancelPrefix(prefix string) {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, 2)
	for key, lease := range r.byLease {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(r.byLease, key)
		if lease.cancel != nil {
			cancels = append(cancels, lease.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

type coupleStreamMessage struct {
	Event    *contracts.EntityEvent
	Seq      uint64
	Kind     string
	Entities []query.EntityView
}

type coupleStreamRegistry struct {
	mu       sync.Mutex
	js       nats.JetStreamContext
	repo     *query.EntityRepository
	byCouple map[string]*coupleStream
}

type coupleStream struct {
	coupleID string
	js       nats.JetStreamContext
	repo     *query.EntityRepository

	mu           sync.Mutex
	sub          *nats.Subscription
	subscribers  map[string]chan coupleStreamMessage
	nextID       uint64
	pendingSeq   uint64
	pendingKinds map[string]struct{}
	refreshTimer *time.Timer
}

func newCoupleStreamRegistry(js nats.JetStreamContext, repo *query.EntityRepository) *coupleStreamRegistry {
	return &coupleStreamRegistry{
		js:       js,
		repo:     repo,
		byCouple: map[string]*coupleStream{},
	}
}

func (r *coupleStreamRegistry) Subscribe(coupleID string) (<-chan coupleStreamMessage, func(), error) {
	r.mu.Lock()
	stream, ok := r.byCouple[coupleID]
	if !ok {
		stream = &coupleStream{
			coupleID:     coupleID,
			js:           r.js,
			repo:         r.repo,
			subscribers:  map[string]chan coupleStreamMessage{},
			pendingKinds: map[string]struct{}{},
		}
		r.byCouple[coupleID] = stream
	}
	r.mu.Unlock()

	subID, ch, err := stream.addSubscriber()
	if err != nil {
		return nil, nil, err
	}

	unsubscribe := func() {
		empty := stream.removeSubscriber(subID)
		if !empty {
			return
		}
		r.mu.Lock()
		current, ok := r.byCouple[coupleID]
		if ok && current == stream {
			delete(r.byCouple, coupleID)
		}
		r.mu.Unlock()
	}

	return ch, unsubscribe, nil
}

func (s *coupleStream) addSubscriber() (string, chan coupleStreamMessage, error) {
	ch := make(chan coupleStreamMessage, 64)

	s.mu.Lock()
	s.nextID++
	subID := fmt.Sprintf("%s-%d", s.coupleID, s.nextID)
	s.subscribers[subID] = ch
	s.mu.Unlock()

	if err := s.ensureSubscription(); err != nil {
		s.mu.Lock()
		delete(s.subscribers, subID)
		s.mu.Unlock()
		return "", nil, err
	}

	return subID, ch, nil
}

func (s *coupleStream) removeSubscriber(subID string) bool {
	var (
		shouldStop bool
		sub        *nats.Subscription
		timer      *time.Timer
	)

	s.mu.Lock()
	delete(s.subscribers, subID)
	if len(s.subscribers) == 0 {
		shouldStop = true
		sub = s.sub
		timer = s.refreshTimer
		s.sub = nil
		s.refreshTimer = nil
		s.pendingSeq = 0
		s.pendingKinds = map[string]struct{}{}
	}
	s.mu.Unlock()

	if shouldStop {
		if timer != nil {
			timer.Stop()
		}
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}

	return shouldStop
}

func (s *coupleStream) ensureSubscription() error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.js == nil {
		return fmt.Errorf("jetstream is not configured")
	}

	sub, err := s.js.Subscribe(coupleEventSubject(s.coupleID), func(msg *nats.Msg) {
		var event contracts.EntityEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}

		var eventSeq uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			eventSeq = meta.Sequence.Stream
		}

		s.broadcast(coupleStreamMessage{Event: &event, Seq: eventSeq})
		s.scheduleSnapshot(eventSeq, event.Kind)
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *coupleStream) broadcast(msg coupleStreamMessage) {
	s.mu.Lock()
	subs := make([]chan coupleStreamMessage, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *coupleStream) scheduleSnapshot(seq uint64, kind string) {
	const snapshotDebounce = 75 * time.Millisecond

	s.mu.Lock()
	if seq > s.pendingSeq {
		s.pendingSeq = seq
	}
	if kind != "" {
		s.pendingKinds[kind] = struct{}{}
	}
	if s.refreshTimer == nil {
		s.refreshTimer = time.AfterFunc(snapshotDebounce, s.runSnapshotRefresh)
		s.mu.Unlock()
		return
	}
	s.refreshTimer.Reset(snapshotDebounce)
	s.mu.Unlock()
}

func (s *coupleStream) runSnapshotRefresh() {
	s.mu.Lock()
	targetSeq := s.pendingSeq
	kinds := make([]string, 0, len(s.pendingKinds))
	for kind := range s.pendingKinds {
		kinds = append(kinds, kind)
	}
	s.pendingSeq = 0
	s.pendingKinds = map[string]struct{}{}
	s.refreshTimer = nil
	hasSubscribers := len(s.subscribers) > 0
	s.mu.Unlock()

	if !hasSubscribers || len(kinds) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	waitForProjectionOffset(ctx, s.repo, s.coupleID, targetSeq, 2500*time.Millisecond)
	for _, kind := range kinds {
		entities, err := s.repo.ListEntities(ctx, s.coupleID, kind, 0)
		if err != nil {
			continue
		}
		s.broadcast(coupleStreamMessage{Seq: targetSeq, Kind: kind, Entities: entities})
	}
}

func waitForIdentitySchema(ctx context.Context, repo *identity.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for identity schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkSSEStreamerReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func claimsFromAuthHeader(w http.ResponseWriter, r *http.Request, tokenManager platformauth.Manager) (platformauth.Claims, bool) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	claims, err := tokenManager.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	return claims, true
}

func requireCoupleMember(w http.ResponseWriter, ctx context.Context, repo *identity.PostgresRepository, userID, coupleID string) bool {
	user, err := repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return false
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if user.CoupleID != coupleID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func waitForProjectionOffset(ctx context.Context, repo *query.EntityRepository, coupleID string, target uint64, timeout time.Duration) {
	if target == 0 {
		return
	}

	deadline := time.Now().Add(timeout)
	delay := 40 * time.Millisecond
	for time.Now().Before(deadline) {
		offset, err := repo.GetCoupleProjectionOffset(ctx, coupleID)
		if err == nil && offset >= target {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		nextDelay := time.Duration(float64(delay) * 1.5)
		if nextDelay > 320*time.Millisecond {
			nextDelay = 320 * time.Millisecond
		}
		delay = nextDelay
	}
}

func coupleEventSubject(coupleID string) string {
	return "app.event.*.couple." + coupleID
}
