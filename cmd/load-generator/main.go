package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pairloom-app/project/internal/platform/metrics"
	pairsync "github.com/pairloom-app/project/internal/sync"
	"github.com/pairloom-app/project/internal/sync/httpapi"
)

type config struct {
	CommandAPIBase          string
	SSEBase                 string
	Couples                 int
	SetupConcurrency        int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	Password                string
	EnableObservers         bool
	ConvergenceWait         time.Duration
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

type inviteResponse struct {
	Code string `json:"code"`
}

type coupleResponse struct {
	ID string `json:"id"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
	EntityID  string `json:"entity_id"`
}

type simulatedPartner struct {
	Username    string
	Password    string
	ClientIP    string
	UserID      string
	AccessToken string
}

type simulatedCouple struct {
	Index    int
	CoupleID string
	Driver   simulatedPartner
	Observer simulatedPartner

	mu       sync.Mutex
	entities map[string][]string
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64
	activeStores    atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "pairloom_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "pairloom_loadgen_actions_total",
		Help: "Entity actions executed by load generator.",
	}, []string{"action", "kind", "outcome"})

	convergenceTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "pairloom_loadgen_convergence_checks_total",
		Help: "Final sync-store convergence checks by outcome.",
	}, []string{"outcome"})

	virtualUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "pairloom_loadgen_virtual_users",
		Help: "Current number of active virtual users sending actions.",
	})

	syncStoresGauge = metrics.NewGauge(metrics.Opts{
		Name: "pairloom_loadgen_sync_stores",
		Help: "Current number of active observer sync stores.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, convergenceTotal, virtualUsersGauge, syncStoresGauge)
}

// observedKind is the collection each couple's observer store follows.
const observedKind = "todo"

func main() {
	cfg := loadConfig()
	if cfg.Couples <= 0 {
		log.Fatal("LOADGEN_COUPLES must be > 0")
	}
	if cfg.SetupConcurrency <= 0 {
		log.Fatal("LOADGEN_SETUP_CONCURRENCY must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Couples * 4,
		MaxIdleConnsPerHost: cfg.Couples * 4,
		IdleConnTimeout:     90 * time.Second,
	}

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		apiClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}

	if err := r.waitForDependencies(ctx); err != nil {
		log.Fatalf("dependency readiness failed: %v", err)
	}

	couples := r.setupCouples(ctx)
	if len(couples) == 0 {
		log.Fatal("failed to initialize any couples")
	}
	log.Printf("load generator initialized: couples=%d duration=%s observers=%v rate_per_user=%.2f req/s",
		len(couples), cfg.Duration.String(), cfg.EnableObservers, cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	stores := make([]*pairsync.Store, len(couples))
	var wg sync.WaitGroup
	for idx := range couples {
		couple := couples[idx]
		if cfg.EnableObservers {
			stores[idx] = r.startObserver(couple)
		}
		wg.Add(1)
		go func(c *simulatedCouple) {
			defer wg.Done()
			r.runDriver(ctx, c)
		}(couple)
	}

	<-ctx.Done()
	wg.Wait()

	if cfg.EnableObservers {
		r.checkConvergence(baseCtx, couples, stores)
	}

	log.Printf("load test complete: success_requests=%d error_requests=%d",
		r.requestsSuccess.Load(), r.requestsError.Load())
}

func loadConfig() config {
	return config{
		CommandAPIBase:          trimRightSlash(stringEnv("LOADGEN_COMMAND_API_BASE", "http://command-api:8080")),
		SSEBase:                 trimRightSlash(stringEnv("LOADGEN_SSE_BASE", "http://sse-streamer:8081")),
		Couples:                 intEnv("LOADGEN_COUPLES", 100),
		SetupConcurrency:        intEnv("LOADGEN_SETUP_CONCURRENCY", 25),
		StartupWait:             durationEnv("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                durationEnv("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                  durationEnv("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.3),
		RequestTimeout:          durationEnv("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             stringEnv("LOADGEN_METRICS_ADDR", ":9099"),
		Password:                stringEnv("LOADGEN_PASSWORD", "load-test-pass-123"),
		EnableObservers:         boolEnv("LOADGEN_ENABLE_OBSERVERS", true),
		ConvergenceWait:         durationEnv("LOADGEN_CONVERGENCE_WAIT", 5*time.Second),
	}
}

func (r *runner) waitForDependencies(ctx context.Context) error {
	wait := r.cfg.StartupWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}

	if err := r.waitForHTTPStatus(ctx, r.cfg.CommandAPIBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("command-api not ready: %w", err)
	}
	if err := r.waitForHTTPStatus(ctx, r.cfg.SSEBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("sse-streamer not ready: %w", err)
	}
	return nil
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupCouples(ctx context.Context) []*simulatedCouple {
	type setupResult struct {
		couple *simulatedCouple
		err    error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Couples)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Couples; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			couple, err := r.setupSingleCouple(ctx, idx)
			results <- setupResult{couple: couple, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	couples := make([]*simulatedCouple, 0, r.cfg.Couples)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("couple setup failed: %v", result.err)
			continue
		}
		couples = append(couples, result.couple)
	}
	log.Printf("couple setup complete: success=%d failed=%d", len(couples), failures)
	return couples
}

func (r *runner) setupSingleCouple(ctx context.Context, idx int) (*simulatedCouple, error) {
	couple := &simulatedCouple{
		Index:    idx,
		entities: map[string][]string{},
	}
	couple.Driver = simulatedPartner{
		Username: fmt.Sprintf("load-%s-%04d-a", r.runID, idx),
		Password: r.cfg.Password,
		ClientIP: fmt.Sprintf("10.0.%d.%d", 1+(idx/250), 1+(idx%250)),
	}
	couple.Observer = simulatedPartner{
		Username: fmt.Sprintf("load-%s-%04d-b", r.runID, idx),
		Password: r.cfg.Password,
		ClientIP: fmt.Sprintf("10.1.%d.%d", 1+(idx/250), 1+(idx%250)),
	}

	if err := r.authenticatePartner(ctx, &couple.Driver); err != nil {
		return nil, err
	}
	if err := r.authenticatePartner(ctx, &couple.Observer); err != nil {
		return nil, err
	}

	var invite inviteResponse
	if _, err := r.requestJSON(ctx, couple.Driver.ClientIP, "create_invite", http.MethodPost,
		r.cfg.CommandAPIBase+"/api/v1/couple/invite", nil,
		&couple.Driver.AccessToken, &invite, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("create invite for %s: %w", couple.Driver.Username, err)
	}
	if strings.TrimSpace(invite.Code) == "" {
		return nil, fmt.Errorf("empty invite code for %s", couple.Driver.Username)
	}

	var linked coupleResponse
	if _, err := r.requestJSON(ctx, couple.Observer.ClientIP, "link_partner", http.MethodPost,
		r.cfg.CommandAPIBase+"/api/v1/couple/link", map[string]string{"code": invite.Code},
		&couple.Observer.AccessToken, &linked, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("link partner for %s: %w", couple.Observer.Username, err)
	}
	if strings.TrimSpace(linked.ID) == "" {
		return nil, fmt.Errorf("empty couple id for %s", couple.Observer.Username)
	}
	couple.CoupleID = linked.ID

	return couple, nil
}

func (r *runner) authenticatePartner(ctx context.Context, partner *simulatedPartner) error {
	var auth authResponse
	status, err := r.requestJSON(ctx, partner.ClientIP, "register", http.MethodPost,
		r.cfg.CommandAPIBase+"/api/v1/auth/register", map[string]string{
			"username": partner.Username,
			"password": partner.Password,
		}, nil, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return fmt.Errorf("register %s: %w", partner.Username, err)
	}

	if status == http.StatusConflict {
		auth = authResponse{}
		if _, err := r.requestJSON(ctx, partner.ClientIP, "login", http.MethodPost,
			r.cfg.CommandAPIBase+"/api/v1/auth/login", map[string]string{
				"username": partner.Username,
				"password": partner.Password,
			}, nil, &auth, http.StatusOK); err != nil {
			return fmt.Errorf("login %s: %w", partner.Username, err)
		}
	}

	if strings.TrimSpace(auth.AccessToken) == "" {
		return fmt.Errorf("empty access token for %s", partner.Username)
	}
	partner.AccessToken = auth.AccessToken
	partner.UserID = auth.UserID
	return nil
}

// startObserver activates a real sync store for the couple's observed
// collection, fed by the streamer's snapshot and SSE endpoints.
func (r *runner) startObserver(couple *simulatedCouple) *pairsync.Store {
	client := httpapi.NewClient(r.cfg.CommandAPIBase, r.cfg.SSEBase, couple.Observer.AccessToken)
	store := pairsync.NewStore(observedKind, client, client, client)
	if err := store.Activate(context.Background(), couple.CoupleID); err != nil {
		log.Printf("observer activation failed couple=%s err=%v", couple.CoupleID, err)
		return nil
	}
	syncStoresGauge.Inc()
	r.activeStores.Add(1)
	return store
}

func (r *runner) checkConvergence(ctx context.Context, couples []*simulatedCouple, stores []*pairsync.Store) {
	select {
	case <-time.After(r.cfg.ConvergenceWait):
	case <-ctx.Done():
	}

	matched := 0
	mismatched := 0
	for idx, couple := range couples {
		store := stores[idx]
		if store == nil {
			continue
		}

		client := httpapi.NewClient(r.cfg.CommandAPIBase, r.cfg.SSEBase, couple.Observer.AccessToken)
		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		snapshot, err := client.Load(loadCtx, couple.CoupleID, observedKind)
		cancel()
		if err != nil {
			convergenceTotal.WithLabelValues("error").Inc()
			log.Printf("convergence snapshot failed couple=%s err=%v", couple.CoupleID, err)
			store.Deactivate()
			syncStoresGauge.Dec()
			r.activeStores.Add(-1)
			continue
		}

		if sameEntityIDs(store.Items(), snapshot) {
			matched++
			convergenceTotal.WithLabelValues("match").Inc()
		} else {
			mismatched++
			convergenceTotal.WithLabelValues("mismatch").Inc()
			log.Printf("convergence mismatch couple=%s store=%d snapshot=%d",
				couple.CoupleID, len(store.Items()), len(snapshot))
		}

		store.Deactivate()
		syncStoresGauge.Dec()
		r.activeStores.Add(-1)
	}
	log.Printf("convergence check complete: matched=%d mismatched=%d", matched, mismatched)
}

func sameEntityIDs(a, b []pairsync.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	idsA := make([]string, len(a))
	idsB := make([]string, len(b))
	for i := range a {
		idsA[i] = a[i].ID
	}
	for i := range b {
		idsB[i] = b[i].ID
	}
	sort.Strings(idsA)
	sort.Strings(idsB)
	for i := range idsA {
		if idsA[i] != idsB[i] {
			return false
		}
	}
	return true
}

func (r *runner) runDriver(ctx context.Context, couple *simulatedCouple) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Couples, 1))) * float64(couple.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.ActionsPerUserPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(couple.Index*7)))
	initialJitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, couple, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, couple *simulatedCouple, rng *rand.Rand) {
	kind := pickKind(rng)
	entityID, hasEntity := couple.randomEntity(rng, kind)

	choice := rng.Float64()
	switch {
	case !hasEntity || choice < 0.60:
		r.createEntity(ctx, couple, rng, kind)
	case choice < 0.90:
		r.updateEntity(ctx, couple, rng, kind, entityID)
	default:
		r.deleteEntity(ctx, couple, kind, entityID)
	}
}

func pickKind(rng *rand.Rand) string {
	choice := rng.Float64()
	switch {
	case choice < 0.50:
		return "todo"
	case choice < 0.70:
		return "checkin"
	case choice < 0.80:
		return "goal"
	case choice < 0.90:
		return "calendar-event"
	default:
		return "budget"
	}
}

func (r *runner) buildPayload(couple *simulatedCouple, rng *rand.Rand, kind string) map[string]any {
	switch kind {
	case "checkin":
		moods := []string{"great", "good", "okay", "low", "struggling"}
		return map[string]any{
			"user_id": couple.Driver.UserID,
			"mood":    moods[rng.Intn(len(moods))],
			"note":    fmt.Sprintf("Load checkin %d", rng.Intn(1_000_000)),
		}
	case "goal":
		categories := []string{"communication", "financial", "quality-time", "family", "dreams", "intimacy", "growth", "wellness"}
		return map[string]any{
			"title":    fmt.Sprintf("Load goal %d", rng.Intn(1_000_000)),
			"category": categories[rng.Intn(len(categories))],
		}
	case "calendar-event":
		categories := []string{"date-night", "check-in", "vision-update", "budget", "custom"}
		return map[string]any{
			"title":    fmt.Sprintf("Load event %d", rng.Intn(1_000_000)),
			"date":     time.Now().AddDate(0, 0, rng.Intn(60)).Format("2006-01-02"),
			"category": categories[rng.Intn(len(categories))],
		}
	case "budget":
		return map[string]any{
			"month":        1 + rng.Intn(12),
			"year":         2024 + rng.Intn(3),
			"template":     "standard",
			"total_income": float64(2000 + rng.Intn(8000)),
		}
	default:
		categories := []string{"personal", "couple", "relationship", "repair", "shared"}
		return map[string]any{
			"text":     fmt.Sprintf("Load todo %d", rng.Intn(1_000_000)),
			"category": categories[rng.Intn(len(categories))],
		}
	}
}

func (r *runner) createEntity(ctx context.Context, couple *simulatedCouple, rng *rand.Rand, kind string) {
	var resp commandResponse
	_, err := r.requestJSON(ctx, couple.Driver.ClientIP, "command_create", http.MethodPost,
		r.cfg.CommandAPIBase+"/api/v1/command", map[string]any{
			"action":  "create-entity",
			"kind":    kind,
			"payload": r.buildPayload(couple, rng, kind),
		}, &couple.Driver.AccessToken, &resp, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("create", kind, "error").Inc()
		return
	}
	if strings.TrimSpace(resp.EntityID) != "" {
		couple.addEntity(kind, resp.EntityID)
	}
	actionsTotal.WithLabelValues("create", kind, "success").Inc()

	// Spot-check read-your-writes through the applied endpoint.
	if rng.Float64() < 0.05 && strings.TrimSpace(resp.CommandID) != "" {
		r.checkCommandApplied(ctx, couple, resp.CommandID)
	}
}

func (r *runner) updateEntity(ctx context.Context, couple *simulatedCouple, rng *rand.Rand, kind, entityID string) {
	if strings.TrimSpace(entityID) == "" {
		r.createEntity(ctx, couple, rng, kind)
		return
	}

	_, err := r.requestJSON(ctx, couple.Driver.ClientIP, "command_update", http.MethodPost,
		r.cfg.CommandAPIBase+"/api/v1/command", map[string]any{
			"action":    "update-entity",
			"kind":      kind,
			"entity_id": entityID,
			"payload":   r.buildPayload(couple, rng, kind),
		}, &couple.Driver.AccessToken, nil, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("update", kind, "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("update", kind, "success").Inc()
}

func (r *runner) deleteEntity(ctx context.Context, couple *simulatedCouple, kind, entityID string) {
	if strings.TrimSpace(entityID) == "" {
		actionsTotal.WithLabelValues("delete", kind, "error").Inc()
		return
	}

	_, err := r.requestJSON(ctx, couple.Driver.ClientIP, "command_delete", http.MethodPost,
		r.cfg.CommandAPIBase+"/api/v1/command", map[string]any{
			"action":    "delete-entity",
			"kind":      kind,
			"entity_id": entityID,
		}, &couple.Driver.AccessToken, nil, http.StatusAccepted)
	if err != nil {
		actionsTotal.WithLabelValues("delete", kind, "error").Inc()
		return
	}
	couple.removeEntity(kind, entityID)
	actionsTotal.WithLabelValues("delete", kind, "success").Inc()
}

func (r *runner) checkCommandApplied(ctx context.Context, couple *simulatedCouple, commandID string) {
	appliedURL := fmt.Sprintf("%s/api/v1/commands/applied?couple_id=%s&command_id=%s&timeout=3s",
		r.cfg.SSEBase, url.QueryEscape(couple.CoupleID), url.QueryEscape(commandID))
	_, _ = r.requestJSON(ctx, couple.Driver.ClientIP, "command_applied", http.MethodGet,
		appliedURL, nil, &couple.Driver.AccessToken, nil, http.StatusOK)
}

func (r *runner) requestJSON(
	ctx context.Context,
	clientIP string,
	endpoint, method, requestURL string,
	payload any,
	bearerToken *string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Forwarded-For", clientIP)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != nil && strings.TrimSpace(*bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*bearerToken))
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d active_vus=%d active_stores=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.activeVUs.Load(),
				r.activeStores.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func (c *simulatedCouple) addEntity(kind, entityID string) {
	if strings.TrimSpace(entityID) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[kind] = append(c.entities[kind], entityID)
}

func (c *simulatedCouple) randomEntity(rng *rand.Rand, kind string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.entities[kind]
	if len(ids) == 0 {
		return "", false
	}
	return ids[rng.Intn(len(ids))], true
}

func (c *simulatedCouple) removeEntity(kind, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.entities[kind]
	for idx, existing := range ids {
		if existing != entityID {
			continue
		}
		ids[idx] = ids[len(ids)-1]
		c.entities[kind] = ids[:len(ids)-1]
		return
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func stringEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
