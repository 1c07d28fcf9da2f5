package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vanshika/refnet/backend/internal/chain"
	"github.com/vanshika/refnet/backend/internal/domain"
	"github.com/vanshika/refnet/backend/internal/service"
	"github.com/vanshika/refnet/backend/internal/store"
)

const (
	maxBatchIDs   = 1000
	maxBodyBytes  = 1 << 20
	defaultGrowth = 30
)

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger  *slog.Logger
	service *service.ReferralService
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(logger *slog.Logger, svc *service.ReferralService) *APIHandlers {
	return &APIHandlers{
		logger:  logger,
		service: svc,
	}
}

func (h *APIHandlers) mount(r chi.Router) {
	r.Post("/users", h.registerUser)
	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/", h.getUser)
		r.Patch("/membership", h.setMembership)
		r.Get("/chain", h.getChain)
		r.Get("/upline", h.getUpline)
		r.Get("/root", h.getRoot)
		r.Get("/integrity", h.getIntegrity)
		r.Get("/downline", h.getDownline)
		r.Get("/referrals", h.getReferrals)
		r.Get("/stats", h.getStats)
		r.Get("/growth", h.getGrowth)
		r.Post("/role/check", h.checkRole)
		r.Get("/permissions", h.getPermissions)
		r.Get("/permissions/{capability}", h.hasPermission)
	})
	r.Get("/roles", h.listRoles)
	r.Post("/roles/check-batch", h.checkRolesBatch)
	r.Post("/stats/recompute", h.recomputeStats)
	r.Get("/codes/{code}", h.lookupCode)
	r.Route("/analytics", func(r chi.Router) {
		r.Get("/distribution", h.distribution)
		r.Get("/viral", h.viral)
		r.Get("/conversion", h.conversion)
	})
	r.Get("/cache/metrics", h.cacheMetrics)
}

type registerRequest struct {
	ID               string          `json:"id"`
	FullName         string          `json:"fullName"`
	Email            string          `json:"email"`
	Phone            string          `json:"phone"`
	Location         domain.Location `json:"location"`
	ReferralCode     string          `json:"referralCode"`
	MembershipActive bool            `json:"membershipActive"`
}

type membershipRequest struct {
	Active *bool `json:"active"`
}

type batchRequest struct {
	UserIDs []string `json:"userIds"`
}

type idsResponse struct {
	UserID string   `json:"userId"`
	IDs    []string `json:"ids"`
}

type uplineResponse struct {
	UserID string              `json:"userId"`
	Upline []chain.UplineEntry `json:"upline"`
}

type usersResponse struct {
	UserID string        `json:"userId"`
	Users  []domain.User `json:"users"`
}

func (h *APIHandlers) registerUser(w http.ResponseWriter, r *http.Request) {
	var payload registerRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, err.Error())
		return
	}
	user, err := h.service.Register(r.Context(), service.RegisterInput(payload))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

func (h *APIHandlers) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *APIHandlers) setMembership(w http.ResponseWriter, r *http.Request) {
	var payload membershipRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, err.Error())
		return
	}
	if payload.Active == nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "active is required")
		return
	}
	user, err := h.service.SetMembership(r.Context(), chi.URLParam(r, "id"), *payload.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *APIHandlers) getChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ids, err := h.service.Chain(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, idsResponse{UserID: id, IDs: ids})
}

func (h *APIHandlers) getUpline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	upline, err := h.service.Upline(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, uplineResponse{UserID: id, Upline: upline})
}

func (h *APIHandlers) getRoot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	root, err := h.service.Root(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"userId": id, "rootId": root})
}

func (h *APIHandlers) getIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Integrity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *APIHandlers) getDownline(w http.ResponseWriter, r *http.Request) {
	maxDepth, err := parseIntParam(r, "maxDepth", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	nodes, err := h.service.Downline(r.Context(), id, maxDepth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"userId": id, "count": len(nodes), "downline": nodes})
}

func (h *APIHandlers) getReferrals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	users, err := h.service.DirectReferrals(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, usersResponse{UserID: id, Users: users})
}

func (h *APIHandlers) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *APIHandlers) getGrowth(w http.ResponseWriter, r *http.Request) {
	days, err := parseIntParam(r, "days", defaultGrowth)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, err.Error())
		return
	}
	report, err := h.service.Growth(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *APIHandlers) checkRole(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.CheckRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *APIHandlers) getPermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caps, err := h.service.Permissions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"userId": id, "capabilities": caps})
}

func (h *APIHandlers) hasPermission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	capability := domain.Capability(chi.URLParam(r, "capability"))
	ok, err := h.service.HasPermission(r.Context(), id, capability)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"userId": id, "capability": capability, "granted": ok})
}

func (h *APIHandlers) listRoles(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"roles": h.service.Ladder().Roles()})
}

func (h *APIHandlers) checkRolesBatch(w http.ResponseWriter, r *http.Request) {
	ids, ok := batchIDs(w, r)
	if !ok {
		return
	}
	items := h.service.BatchCheckRoles(r.Context(), ids)
	respondJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (h *APIHandlers) recomputeStats(w http.ResponseWriter, r *http.Request) {
	ids, ok := batchIDs(w, r)
	if !ok {
		return
	}
	results := h.service.BatchUpdateUserStatistics(r.Context(), ids)
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func batchIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var payload batchRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, err.Error())
		return nil, false
	}
	if len(payload.UserIDs) > maxBatchIDs {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput,
			fmt.Sprintf("at most %d userIds per request", maxBatchIDs))
		return nil, false
	}
	ids := make([]string, 0, len(payload.UserIDs))
	for _, id := range payload.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, true
}

func (h *APIHandlers) lookupCode(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.LookupCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *APIHandlers) distribution(w http.ResponseWriter, r *http.Request) {
	from, to, ok := timeWindow(w, r)
	if !ok {
		return
	}
	field := r.URL.Query().Get("field")
	if field == "" {
		field = "state"
	}
	buckets, err := h.service.Distribution(r.Context(), field, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"field": field, "buckets": buckets})
}

func (h *APIHandlers) viral(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Viral(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (h *APIHandlers) conversion(w http.ResponseWriter, r *http.Request) {
	from, to, ok := timeWindow(w, r)
	if !ok {
		return
	}
	var fromT, toT time.Time
	if from != nil {
		fromT = *from
	}
	if to != nil {
		toT = *to
	}
	c, err := h.service.Conversion(r.Context(), fromT, toT)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *APIHandlers) cacheMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.service.CacheMetrics())
}

// fail maps service errors onto status codes.
func (h *APIHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
	case domain.IsInvalidInput(err):
		if code == "" {
			code = domain.CodeInvalidInput
		}
		writeError(w, http.StatusBadRequest, code, clientMessage(err))
	default:
		if code == "" {
			code = "INTERNAL"
		}
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "code", code)
		writeError(w, http.StatusInternalServerError, code, "internal error")
	}
}

func clientMessage(err error) string {
	if errors.Is(err, domain.ErrReferrerImmutable) {
		return domain.ErrReferrerImmutable.Error()
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func parseIntParam(r *http.Request, key string, fallback int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}

func timeWindow(w http.ResponseWriter, r *http.Request) (*time.Time, *time.Time, bool) {
	query := r.URL.Query()
	from, err := parseTimeParam(query.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "invalid from: "+err.Error())
		return nil, nil, false
	}
	to, err := parseTimeParam(query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "invalid to: "+err.Error())
		return nil, nil, false
	}
	return from, to, true
}

// parseTimeParam accepts RFC3339 or a bare date.
func parseTimeParam(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
