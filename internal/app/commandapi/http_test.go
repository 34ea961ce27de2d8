package commandapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/pairloom-app/project/internal/app/identity"
	"github.com/pairloom-app/project/internal/app/insights"
	"github.com/pairloom-app/project/internal/app/query"
	platformauth "github.com/pairloom-app/project/internal/platform/auth"
)

type fakeIdentityRepo struct {
	users         map[string]identity.User
	invites       map[string]identity.PartnerInvite
	couples       map[string]identity.Couple
	refreshByHash map[string]identity.RefreshToken
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{
		users:         map[string]identity.User{},
		invites:       map[string]identity.PartnerInvite{},
		couples:       map[string]identity.Couple{},
		refreshByHash: map[string]identity.RefreshToken{},
	}
}

func (f *fakeIdentityRepo) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeIdentityRepo) CreateUser(ctx context.Context, user identity.User) error {
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}
func (f *fakeIdentityRepo) FindUserByUsername(ctx context.Context, username string) (identity.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return identity.User{}, identity.ErrNotFound
}
func (f *fakeIdentityRepo) FindUserByID(ctx context.Context, userID string) (identity.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return identity.User{}, identity.ErrNotFound
	}
	return u, nil
}
func (f *fakeIdentityRepo) CreateInvite(ctx context.Context, invite identity.PartnerInvite) error {
	f.invites[invite.Code] = invite
	return nil
}
func (f *fakeIdentityRepo) ClaimInvite(ctx context.Context, code, coupleID, claimantUserID string) (identity.Couple, error) {
	invite, ok := f.invites[code]
	if !ok || invite.ClaimedAt != nil {
		return identity.Couple{}, identity.ErrNotFound
	}
	if invite.UserID == claimantUserID {
		return identity.Couple{}, identity.ErrSelfLink
	}
	now := time.Now().UTC()
	invite.ClaimedAt = &now
	f.invites[code] = invite

	couple := identity.Couple{ID: coupleID, UserA: invite.UserID, UserB: claimantUserID}
	f.couples[coupleID] = couple
	for _, id := range []string{couple.UserA, couple.UserB} {
		u := f.users[id]
		u.CoupleID = coupleID
		f.users[id] = u
	}
	return couple, nil
}
func (f *fakeIdentityRepo) CoupleForUser(ctx context.Context, userID string) (identity.Couple, error) {
	u, ok := f.users[userID]
	if !ok || u.CoupleID == "" {
		return identity.Couple{}, identity.ErrNotFound
	}
	return f.couples[u.CoupleID], nil
}
func (f *fakeIdentityRepo) UnlinkUser(ctx context.Context, userID string) error {
	u, ok := f.users[userID]
	if !ok || u.CoupleID == "" {
		return identity.ErrNotFound
	}
	coupleID := u.CoupleID
	for id, other := range f.users {
		if other.CoupleID == coupleID {
			other.CoupleID = ""
			f.users[id] = other
		}
	}
	return nil
}
func (f *fakeIdentityRepo) CreateRefreshToken(ctx context.Context, token identity.RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}
func (f *fakeIdentityRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (identity.RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return identity.RefreshToken{}, identity.ErrNotFound
	}
	return rt, nil
}
func (f *fakeIdentityRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

type fakeEntityReader struct {
	items map[string]query.EntityView
}

func (f fakeEntityReader) GetEntityByID(ctx context.Context, entityID string) (query.EntityView, error) {
	v, ok := f.items[entityID]
	if !ok {
		return query.EntityView{}, query.ErrEntityNotFound
	}
	return v, nil
}

func (f fakeEntityReader) ListEntities(ctx context.Context, coupleID, kind string, limit int) ([]query.EntityView, error) {
	var out []query.EntityView
	for _, v := range f.items {
		if v.CoupleID == coupleID && v.Kind == kind {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type fakeInsightsClient struct {
	profiles []insights.TriggerProfile
}

func (f *fakeInsightsClient) SuggestDates(ctx context.Context, filters insights.DateFilters, location string) ([]insights.DateSuggestion, error) {
	return nil, nil
}

func (f *fakeInsightsClient) AnalyzeTriggers(ctx context.Context, profiles []insights.TriggerProfile) (insights.TriggerInsights, error) {
	f.profiles = profiles
	return insights.TriggerInsights{DynamicInsights: []string{"talk before it boils over"}}, nil
}

func (f *fakeInsightsClient) GenerateVisionBoard(ctx context.Context, req insights.VisionRequest) (insights.VisionPrompt, error) {
	return insights.VisionPrompt{}, nil
}

func (f *fakeInsightsClient) AnalyzeConversation(ctx context.Context, req insights.ConversationRequest) (insights.ConversationInsights, error) {
	return insights.ConversationInsights{}, nil
}

// password123
const testPasswordHash = "$2a$10$Qdv1fOD2vEUCA6cQbjHqUecFp4Pw1nJ7l/SXxPxq8np5xpoE2mR9a"

func newHandlerForTests() (*Handler, *identity.Service) {
	repo := newFakeIdentityRepo()
	repo.users["u1"] = identity.User{ID: "u1", Username: "alice", PasswordHash: testPasswordHash, CoupleID: "c1"}
	repo.users["u2"] = identity.User{ID: "u2", Username: "bob", PasswordHash: testPasswordHash, CoupleID: "c1"}
	repo.couples["c1"] = identity.Couple{ID: "c1", UserA: "u1", UserB: "u2"}

	mgr := platformauth.NewManager("secret", time.Hour)
	mgr.Now = func() time.Time { return time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) }
	identitySvc := identity.NewService(repo, mgr)
	identitySvc.NewID = func() string { return "id-1" }

	svc := NewService(func(_ string, _ []byte) error { return nil })
	svc.NewID = func() string { return "cmd-abc" }

	entities := fakeEntityReader{items: map[string]query.EntityView{
		"ent-1": {EntityID: "ent-1", CoupleID: "c1", Kind: "todo", CreatedByUserID: "u1"},
	}}

	return NewHandler(svc, identitySvc, entities, "http://localhost:8081"), identitySvc
}

func TestHandleCreateCommand_Unauthorized(t *testing.T) {
	handler, _ := newHandlerForTests()

	body, _ := json.Marshal(CommandRequest{Kind: "todo", Payload: json.RawMessage(`{"text":"x","category":"couple"}`)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestHandleCreateCommand_Accepted(t *testing.T) {
	handler, identitySvc := newHandlerForTests()
	token, err := identitySvc.AuthToken.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	body, _ := json.Marshal(CommandRequest{Kind: "todo", Payload: json.RawMessage(`{"text":"Plan date night","category":"couple"}`)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp CommandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.CommandID != "cmd-abc" || resp.Status != "accepted" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleCreateCommand_UnlinkedUserConflict(t *testing.T) {
	handler, identitySvc := newHandlerForTests()

	repo := identitySvc.Repo.(*fakeIdentityRepo)
	repo.users["u3"] = identity.User{ID: "u3", Username: "carol", PasswordHash: testPasswordHash}

	token, err := identitySvc.AuthToken.Sign("u3", "carol")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	body, _ := json.Marshal(CommandRequest{Kind: "todo", Payload: json.RawMessage(`{"text":"x","category":"couple"}`)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandleCreateCommand_ForeignEntityForbidden(t *testing.T) {
	handler, identitySvc := newHandlerForTests()

	reader := handler.Entities.(fakeEntityReader)
	reader.items["ent-2"] = query.EntityView{EntityID: "ent-2", CoupleID: "other-couple", Kind: "todo"}

	token, err := identitySvc.AuthToken.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	body := `{"action":"update-entity","kind":"todo","entity_id":"ent-2","payload":{"text":"new","category":"couple"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandleTriggerAnalysis_LoadsCoupleProfiles(t *testing.T) {
	handler, identitySvc := newHandlerForTests()
	insightsFake := &fakeInsightsClient{}
	handler.Insights = insightsFake

	reader := handler.Entities.(fakeEntityReader)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	// alice retook the assessment; only her latest profile counts
	reader.items["tp-stale"] = query.EntityView{
		EntityID: "tp-stale", CoupleID: "c1", Kind: "trigger-profile",
		CreatedByUsername: "alice", CreatedAt: base,
		Payload: json.RawMessage(`{"user_id":"u1","conflict_style":"avoider","stress_response":"flight"}`),
	}
	reader.items["tp-a"] = query.EntityView{
		EntityID: "tp-a", CoupleID: "c1", Kind: "trigger-profile",
		CreatedByUsername: "alice", CreatedAt: base.Add(time.Hour),
		Payload: json.RawMessage(`{"user_id":"u1","conflict_style":"pursuer","stress_response":"fight"}`),
	}
	reader.items["tp-b"] = query.EntityView{
		EntityID: "tp-b", CoupleID: "c1", Kind: "trigger-profile",
		CreatedByUsername: "bob", CreatedAt: base.Add(2 * time.Hour),
		Payload: json.RawMessage(`{"user_id":"u2","conflict_style":"peacemaker","stress_response":"fawn"}`),
	}

	token, err := identitySvc.AuthToken.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/insights/triggers", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(insightsFake.profiles) != 2 {
		t.Fatalf("expected both partners' profiles, got %+v", insightsFake.profiles)
	}
	styles := map[string]string{}
	for _, p := range insightsFake.profiles {
		styles[p.Label] = p.ConflictStyle
	}
	if styles["alice"] != "pursuer" || styles["bob"] != "peacemaker" {
		t.Fatalf("unexpected profiles: %+v", insightsFake.profiles)
	}
}

func TestHandleTriggerAnalysis_MissingPartnerProfile(t *testing.T) {
	handler, identitySvc := newHandlerForTests()
	handler.Insights = &fakeInsightsClient{}

	reader := handler.Entities.(fakeEntityReader)
	reader.items["tp-a"] = query.EntityView{
		EntityID: "tp-a", CoupleID: "c1", Kind: "trigger-profile",
		CreatedByUsername: "alice", CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Payload: json.RawMessage(`{"user_id":"u1","conflict_style":"pursuer","stress_response":"fight"}`),
	}

	token, err := identitySvc.AuthToken.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/insights/triggers", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAuthRegisterLoginRefreshLogout(t *testing.T) {
	handler, _ := newHandlerForTests()

	registerBody := `{"username":"carol","password":"password123"}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString(registerBody))
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var reg identity.AuthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &reg); err != nil {
		t.Fatalf("invalid register response: %v", err)
	}

	refreshBody := `{"refresh_token":"` + reg.RefreshToken + `"}`
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewBufferString(refreshBody))
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var refreshed identity.AuthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("invalid refresh response: %v", err)
	}

	logoutBody := `{"refresh_token":"` + refreshed.RefreshToken + `"}`
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", bytes.NewBufferString(logoutBody))
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestInviteLinkUnlinkFlow(t *testing.T) {
	repo := newFakeIdentityRepo()
	repo.users["u1"] = identity.User{ID: "u1", Username: "alice", PasswordHash: testPasswordHash}
	repo.users["u2"] = identity.User{ID: "u2", Username: "bob", PasswordHash: testPasswordHash}

	mgr := platformauth.NewManager("secret", time.Hour)
	mgr.Now = func() time.Time { return time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) }
	identitySvc := identity.NewService(repo, mgr)
	next := 0
	identitySvc.NewID = func() string {
		next++
		return map[int]string{1: "code-1", 2: "couple-1"}[next]
	}

	svc := NewService(func(_ string, _ []byte) error { return nil })
	handler := NewHandler(svc, identitySvc, fakeEntityReader{items: map[string]query.EntityView{}}, "")
	router := handler.Router()

	aliceToken, _ := identitySvc.AuthToken.Sign("u1", "alice")
	bobToken, _ := identitySvc.AuthToken.Sign("u2", "bob")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/couple/invite", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var invite identity.PartnerInvite
	if err := json.Unmarshal(rr.Body.Bytes(), &invite); err != nil {
		t.Fatalf("invalid invite response: %v", err)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/couple/link", bytes.NewBufferString(`{"code":"`+invite.Code+`"}`))
	req.Header.Set("Authorization", "Bearer "+bobToken)
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/couple", nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/couple", nil)
	req.Header.Set("Authorization", "Bearer "+bobToken)
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/couple", nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after unlink, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestOptions_HasCORSHeaders(t *testing.T) {
	handler, _ := newHandlerForTests()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/command", nil)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:8081" {
		t.Fatalf("unexpected CORS origin: %q", got)
	}
}
