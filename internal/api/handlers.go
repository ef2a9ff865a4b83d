package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/veridian-security/customer-registry-service/internal/cache"
	"github.com/veridian-security/customer-registry-service/internal/model"
	"github.com/veridian-security/customer-registry-service/internal/monitoring"
	"github.com/veridian-security/customer-registry-service/internal/store"
)

// Handler serves the customer registry HTTP API.
type Handler struct {
	store CustomerStore
	lists ListCache
}

func NewHandler(st CustomerStore, lists ListCache) *Handler {
	return &Handler{store: st, lists: lists}
}

// NewRouter wires the API under /api/customers plus health and metrics
// endpoints.
func NewRouter(h *Handler, metrics http.Handler) chi.Router {
	router := chi.NewRouter()

	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match", "x-ms-client-principal"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if metrics != nil {
		router.Handle("/metrics", metrics)
	}

	router.Route("/api/customers", func(r chi.Router) {
		r.Use(RequirePrincipal())
		r.Get("/", h.ListCustomers)
		r.Post("/", h.CreateCustomer)
		r.Get("/{id}", h.GetCustomer)
		r.Put("/{id}", h.UpdateCustomer)
		r.Delete("/{id}", h.DeleteCustomer)
		r.Post("/{id}/assessments", h.RecordAssessment)
	})

	return router
}

// ListCustomers handles GET /api/customers?status=&limit=&offset= with
// conditional-request negotiation. Limits above the bound are clamped so
// cache keys stay canonical; a matching If-None-Match short-circuits to 304.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != model.StatusActive && status != model.StatusInactive {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	limit := queryInt(r, "limit", store.DefaultListLimit)
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	page, err := h.lists.Get(r.Context(), cache.Key{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		if errors.Is(err, model.ErrUpstream) {
			writeError(w, http.StatusBadGateway, "customer store unavailable, retry later")
			return
		}
		log.Error().Err(err).Msg("Failed to list customers")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	etag := ComputeETag(page)
	writeListCacheHeaders(w, etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// GetCustomer handles GET /api/customers/{id}.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	customer, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "customer not found")
			return
		}
		log.Error().Err(err).Msg("Failed to get customer")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, customer)
}

type createCustomerRequest struct {
	TenantName      string `json:"tenantName"`
	TenantDomain    string `json:"tenantDomain"`
	ContactEmail    string `json:"contactEmail"`
	AppRegistration string `json:"appRegistration"`
	AppSecret       string `json:"appSecret"`
}

// CreateCustomer handles POST /api/customers, the onboarding entry point.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCreateCustomerRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	customer := &model.Customer{
		TenantName:      req.TenantName,
		TenantDomain:    strings.ToLower(req.TenantDomain),
		ContactEmail:    req.ContactEmail,
		AppRegistration: req.AppRegistration,
		AppSecret:       req.AppSecret,
		Status:          model.StatusActive,
	}
	if err := h.store.Create(r.Context(), customer); err != nil {
		log.Error().Err(err).Msg("Failed to create customer")
		writeError(w, http.StatusInternalServerError, "failed to create customer")
		return
	}

	if p, ok := PrincipalFromContext(r.Context()); ok {
		log.Info().Str("user", p.UserID).Str("tenant_domain", customer.TenantDomain).
			Msg("Customer onboarded")
	}

	h.lists.InvalidateAll()
	writeJSON(w, http.StatusCreated, customer)
}

// UpdateCustomer handles PUT /api/customers/{id} with a partial field set.
// Fields the schema variant cannot store come back in skippedFields with a
// 200, never a 500.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var upd model.CustomerUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if upd.Status != nil && *upd.Status != model.StatusActive && *upd.Status != model.StatusInactive {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if upd.TenantDomain != nil {
		domain := strings.ToLower(*upd.TenantDomain)
		if !isValidDomain(domain) {
			writeError(w, http.StatusBadRequest, "invalid domain format")
			return
		}
		upd.TenantDomain = &domain
	}
	if upd.ContactEmail != nil && *upd.ContactEmail != "" && !isValidEmail(*upd.ContactEmail) {
		writeError(w, http.StatusBadRequest, "invalid email format")
		return
	}

	result, err := h.store.Update(r.Context(), id, upd)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "customer not found")
			return
		}
		log.Error().Err(err).Msg("Failed to update customer")
		writeError(w, http.StatusInternalServerError, "failed to update customer")
		return
	}

	if len(result.Skipped) > 0 {
		monitoring.PartialUpdates.Inc()
	}

	h.lists.InvalidateAll()
	writeJSON(w, http.StatusOK, result)
}

// DeleteCustomer handles DELETE /api/customers/{id} (soft delete).
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "customer not found")
			return
		}
		log.Error().Err(err).Msg("Failed to delete customer")
		writeError(w, http.StatusInternalServerError, "failed to delete customer")
		return
	}

	h.lists.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

// RecordAssessment handles POST /api/customers/{id}/assessments, stamping
// a completed assessment on the record.
func (h *Handler) RecordAssessment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	customer, err := h.store.RecordAssessment(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "customer not found")
			return
		}
		log.Error().Err(err).Msg("Failed to record assessment")
		writeError(w, http.StatusInternalServerError, "failed to record assessment")
		return
	}

	h.lists.InvalidateAll()
	writeJSON(w, http.StatusOK, customer)
}

func validateCreateCustomerRequest(req *createCustomerRequest) error {
	if req.TenantName == "" {
		return errors.New("tenantName is required")
	}
	if req.TenantDomain == "" {
		return errors.New("tenantDomain is required")
	}
	if !isValidDomain(req.TenantDomain) {
		return errors.New("invalid tenantDomain format")
	}
	if req.ContactEmail != "" && !isValidEmail(req.ContactEmail) {
		return errors.New("invalid contactEmail format")
	}
	if req.AppSecret != "" && req.AppRegistration == "" {
		return errors.New("appSecret requires appRegistration")
	}
	return nil
}

// isValidDomain checks the tenant domain shape (labels of letters, digits
// and hyphens joined by dots, e.g. contoso.onmicrosoft.com).
func isValidDomain(domain string) bool {
	if len(domain) < 3 || len(domain) > 253 || !strings.Contains(domain, ".") {
		return false
	}
	for _, label := range strings.Split(strings.ToLower(domain), ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		for i, r := range label {
			alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
			if i == 0 || i == len(label)-1 {
				if !alnum {
					return false
				}
			} else if !alnum && r != '-' {
				return false
			}
		}
	}
	return true
}

// isValidEmail performs a basic email validation
func isValidEmail(email string) bool {
	if len(email) < 3 || !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid customer ID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
