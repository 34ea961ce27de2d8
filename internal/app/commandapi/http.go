package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pairloom-app/project/internal/app/identity"
	"github.com/pairloom-app/project/internal/app/insights"
	"github.com/pairloom-app/project/internal/app/query"
	"github.com/pairloom-app/project/internal/entitykind"
	platformauth "github.com/pairloom-app/project/internal/platform/auth"
)

type EntityReader interface {
	GetEntityByID(ctx context.Context, entityID string) (query.EntityView, error)
	ListEntities(ctx context.Context, coupleID, kind string, limit int) ([]query.EntityView, error)
}

type InsightsClient interface {
	SuggestDates(ctx context.Context, filters insights.DateFilters, location string) ([]insights.DateSuggestion, error)
	AnalyzeTriggers(ctx context.Context, profiles []insights.TriggerProfile) (insights.TriggerInsights, error)
	GenerateVisionBoard(ctx context.Context, req insights.VisionRequest) (insights.VisionPrompt, error)
	AnalyzeConversation(ctx context.Context, req insights.ConversationRequest) (insights.ConversationInsights, error)
}

type UploadSigner interface {
	PresignUpload(ctx context.Context, userID, contentType string) (key, uploadURL string, err error)
	PublicURL(key string) string
}

type Handler struct {
	Service       *Service
	Identity      *identity.Service
	Entities      EntityReader
	Insights      InsightsClient
	Uploads       UploadSigner
	AllowedOrigin string
}

func NewHandler(service *Service, identitySvc *identity.Service, entityReader EntityReader, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		Identity:      identitySvc,
		Entities:      entityReader,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/couple/invite", h.handleCreateInvite)
		authR.Post("/api/v1/couple/link", h.handleLinkPartner)
		authR.Get("/api/v1/couple", h.handleGetCouple)
		authR.Delete("/api/v1/couple", h.handleUnlink)
		authR.Post("/api/v1/command", h.handleCreateCommand)
		authR.Post("/api/v1/vision/upload-url", h.handleVisionUploadURL)
		authR.Post("/api/v1/insights/date-suggestions", h.handleDateSuggestions)
		authR.Post("/api/v1/insights/triggers", h.handleTriggerAnalysis)
		authR.Post("/api/v1/insights/vision-board", h.handleVisionBoard)
		authR.Post("/api/v1/insights/conversation", h.handleConversationAnalysis)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type linkPartnerRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	invite, err := h.Identity.CreateInvite(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrAlreadyLinked) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, invite)
}

func (h *Handler) handleLinkPartner(w http.ResponseWriter, r *http.Request) {
	var req linkPartnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	couple, err := h.Identity.LinkPartner(r.Context(), claims.Subject, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInviteNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, identity.ErrAlreadyLinked), errors.Is(err, identity.ErrSelfLink):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, couple)
}

func (h *Handler) handleGetCouple(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	couple, err := h.Identity.CoupleForUser(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotLinked) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, couple)
}

func (h *Handler) handleUnlink(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := h.Identity.Unlink(r.Context(), claims.Subject); err != nil {
		if errors.Is(err, identity.ErrNotLinked) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	claims := claimsFromContext(r.Context())
	coupleID, err := h.Identity.ResolveCoupleID(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if coupleID == "" {
		h.writeError(w, http.StatusConflict, ErrScopeRequired.Error())
		return
	}

	action := normalizeAction(req.Action)
	if action == "update-entity" || action == "delete-entity" {
		if h.Entities == nil {
			h.writeError(w, http.StatusInternalServerError, "entity reader is not configured")
			return
		}
		entity, err := h.Entities.GetEntityByID(r.Context(), strings.TrimSpace(req.EntityID))
		if err != nil {
			if errors.Is(err, query.ErrEntityNotFound) {
				h.writeError(w, http.StatusNotFound, "entity not found")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entity.CoupleID != coupleID {
			h.writeError(w, http.StatusForbidden, "entity does not belong to your couple")
			return
		}
		if entity.Kind != strings.TrimSpace(req.Kind) {
			h.writeError(w, http.StatusBadRequest, "kind does not match entity")
			return
		}
	}

	resp, err := h.Service.Accept(Actor{UserID: claims.Subject, Username: claims.Username}, coupleID, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrScopeRequired):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrEntityIDRequired), errors.Is(err, ErrUnsupportedAction),
			errors.Is(err, entitykind.ErrUnknownKind), errors.Is(err, entitykind.ErrInvalidPayload):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

type visionUploadRequest struct {
	ContentType string `json:"content_type"`
}

type visionUploadResponse struct {
	Key       string `json:"key"`
	UploadURL string `json:"upload_url"`
	PublicURL string `json:"public_url"`
}

func (h *Handler) handleVisionUploadURL(w http.ResponseWriter, r *http.Request) {
	if h.Uploads == nil {
		h.writeError(w, http.StatusNotImplemented, "object storage is not configured")
		return
	}
	var req visionUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	key, uploadURL, err := h.Uploads.PresignUpload(r.Context(), claims.Subject, req.ContentType)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, visionUploadResponse{
		Key:       key,
		UploadURL: uploadURL,
		PublicURL: h.Uploads.PublicURL(key),
	})
}

type dateSuggestionsRequest struct {
	Filters  insights.DateFilters `json:"filters"`
	Location string               `json:"location"`
}

func (h *Handler) handleDateSuggestions(w http.ResponseWriter, r *http.Request) {
	if h.Insights == nil {
		h.writeError(w, http.StatusNotImplemented, "insights are not configured")
		return
	}
	var req dateSuggestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	suggestions, err := h.Insights.SuggestDates(r.Context(), req.Filters, req.Location)
	if err != nil {
		h.writeInsightsError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

type triggerAnalysisRequest struct {
	Profiles []insights.TriggerProfile `json:"profiles"`
}

func (h *Handler) handleTriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.Insights == nil {
		h.writeError(w, http.StatusNotImplemented, "insights are not configured")
		return
	}
	var req triggerAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	profiles := req.Profiles
	if len(profiles) == 0 {
		claims := claimsFromContext(r.Context())
		coupleID, err := h.Identity.ResolveCoupleID(r.Context(), claims.Subject)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if coupleID == "" {
			h.writeError(w, http.StatusConflict, ErrScopeRequired.Error())
			return
		}
		profiles, err = h.coupleTriggerProfiles(r.Context(), coupleID)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if len(profiles) < 2 {
		h.writeError(w, http.StatusBadRequest, "both partner profiles are required")
		return
	}
	result, err := h.Insights.AnalyzeTriggers(r.Context(), profiles)
	if err != nil {
		h.writeInsightsError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// coupleTriggerProfiles reads both partners' saved trigger profiles from the
// projection. Profiles arrive newest-first, so the first row per user wins
// when a partner has retaken the assessment.
func (h *Handler) coupleTriggerProfiles(ctx context.Context, coupleID string) ([]insights.TriggerProfile, error) {
	views, err := h.Entities.ListEntities(ctx, coupleID, "trigger-profile", 0)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var profiles []insights.TriggerProfile
	for _, view := range views {
		var payload struct {
			UserID         string `json:"user_id"`
			ConflictStyle  string `json:"conflict_style"`
			StressResponse string `json:"stress_response"`
		}
		if err := json.Unmarshal(view.Payload, &payload); err != nil {
			continue
		}
		if payload.UserID == "" || seen[payload.UserID] {
			continue
		}
		seen[payload.UserID] = true

		label := view.CreatedByUsername
		if label == "" {
			label = payload.UserID
		}
		profiles = append(profiles, insights.TriggerProfile{
			Label:          label,
			ConflictStyle:  payload.ConflictStyle,
			StressResponse: payload.StressResponse,
		})
	}
	return profiles, nil
}

func (h *Handler) handleVisionBoard(w http.ResponseWriter, r *http.Request) {
	if h.Insights == nil {
		h.writeError(w, http.StatusNotImplemented, "insights are not configured")
		return
	}
	var req insights.VisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		h.writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	result, err := h.Insights.GenerateVisionBoard(r.Context(), req)
	if err != nil {
		h.writeInsightsError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleConversationAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.Insights == nil {
		h.writeError(w, http.StatusNotImplemented, "insights are not configured")
		return
	}
	var req insights.ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		h.writeError(w, http.StatusBadRequest, "transcript is required")
		return
	}
	result, err := h.Insights.AnalyzeConversation(r.Context(), req)
	if err != nil {
		h.writeInsightsError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeInsightsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, insights.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, insights.ErrQuotaExceeded):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		h.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" {
		return "*"
	}
	if allowed == "*" {
		return allowed
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := r.Context()
		ctx = contextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
