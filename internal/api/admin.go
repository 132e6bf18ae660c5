package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/byomlabs/byom-gateway/internal/adapter"
	"github.com/byomlabs/byom-gateway/internal/crypto"
	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/ratelimit"
	"github.com/byomlabs/byom-gateway/internal/repository"
	"github.com/byomlabs/byom-gateway/internal/usage"
)

type AdminHandlerConfig struct {
	Catalog     repository.CatalogRepository
	Credentials repository.CredentialRepository
	Tracker     usage.Tracker
	Limiter     *ratelimit.Limiter
	Registry    *adapter.Registry
	Encryptor   *crypto.Encryptor
}

// AdminHandler serves the operator surface: provider and model CRUD,
// credential issuance, and the usage aggregation queries. Tenant scoping
// comes from the tenant_id query parameter or request field.
type AdminHandler struct {
	catalog     repository.CatalogRepository
	credentials repository.CredentialRepository
	tracker     usage.Tracker
	limiter     *ratelimit.Limiter
	registry    *adapter.Registry
	encryptor   *crypto.Encryptor
	mux         *http.ServeMux
}

func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	h := &AdminHandler{
		catalog:     cfg.Catalog,
		credentials: cfg.Credentials,
		tracker:     cfg.Tracker,
		limiter:     cfg.Limiter,
		registry:    cfg.Registry,
		encryptor:   cfg.Encryptor,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/providers", h.listProviders)
	h.mux.HandleFunc("POST /admin/providers", h.createProvider)
	h.mux.HandleFunc("GET /admin/providers/{id}", h.getProvider)
	h.mux.HandleFunc("PUT /admin/providers/{id}", h.updateProvider)
	h.mux.HandleFunc("DELETE /admin/providers/{id}", h.deleteProvider)
	h.mux.HandleFunc("POST /admin/providers/{id}/test", h.testProvider)
	h.mux.HandleFunc("GET /admin/providers/{id}/models", h.discoverModels)

	h.mux.HandleFunc("GET /admin/models", h.listModels)
	h.mux.HandleFunc("POST /admin/models", h.createModel)
	h.mux.HandleFunc("PUT /admin/models/{id}", h.updateModel)
	h.mux.HandleFunc("DELETE /admin/models/{id}", h.deleteModel)

	h.mux.HandleFunc("GET /admin/credentials", h.listCredentials)
	h.mux.HandleFunc("POST /admin/credentials", h.issueCredential)
	h.mux.HandleFunc("PUT /admin/credentials/{id}", h.updateCredential)
	h.mux.HandleFunc("DELETE /admin/credentials/{id}", h.revokeCredential)
	h.mux.HandleFunc("GET /admin/credentials/{id}/stats", h.credentialStats)

	h.mux.HandleFunc("GET /admin/usage", h.usageSummary)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type providerRequest struct {
	TenantID string            `json:"tenant_id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	BaseURL  string            `json:"base_url"`
	APIKey   string            `json:"api_key,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Mapping  json.RawMessage   `json:"config,omitempty"`
	Active   *bool             `json:"is_active,omitempty"`
}

func (h *AdminHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.catalog.ListProviders(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list providers")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	})
}

func (h *AdminHandler) createProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Name == "" || req.BaseURL == "" {
		writeAdminError(w, http.StatusBadRequest, "tenant_id, name and base_url are required")
		return
	}

	// Mapping configurations are validated here, once, not per request.
	if _, err := adapter.ParseMappingConfig(req.Mapping); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	provider := &domain.Provider{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Type:      domain.ProviderType(req.Type),
		BaseURL:   req.BaseURL,
		Headers:   req.Headers,
		Mapping:   req.Mapping,
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if req.Active != nil {
		provider.Active = *req.Active
	}

	if !h.knownType(provider.Type) {
		writeAdminError(w, http.StatusBadRequest, "unsupported provider type "+req.Type)
		return
	}

	if req.APIKey != "" {
		sealed, err := h.encryptor.Encrypt(req.APIKey)
		if err != nil {
			slog.Error("encrypt provider credential", "error", err)
			writeAdminError(w, http.StatusInternalServerError, "failed to store credential")
			return
		}
		provider.EncryptedAPIKey = sealed
	}

	if err := h.catalog.CreateProvider(r.Context(), provider); err != nil {
		slog.Error("create provider", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create provider")
		return
	}

	slog.Info("provider created", "provider_id", provider.ID, "tenant_id", provider.TenantID, "type", provider.Type)
	writeJSON(w, http.StatusCreated, provider)
}

func (h *AdminHandler) knownType(t domain.ProviderType) bool {
	for _, known := range h.registry.Types() {
		if known == t {
			return true
		}
	}
	return false
}

func (h *AdminHandler) getProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := h.catalog.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "provider not found")
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

func (h *AdminHandler) updateProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := h.catalog.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "provider not found")
		return
	}

	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		provider.Name = req.Name
	}
	if req.BaseURL != "" {
		provider.BaseURL = req.BaseURL
	}
	if req.Type != "" {
		if !h.knownType(domain.ProviderType(req.Type)) {
			writeAdminError(w, http.StatusBadRequest, "unsupported provider type "+req.Type)
			return
		}
		provider.Type = domain.ProviderType(req.Type)
	}
	if req.Headers != nil {
		provider.Headers = req.Headers
	}
	if req.Mapping != nil {
		if _, err := adapter.ParseMappingConfig(req.Mapping); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		provider.Mapping = req.Mapping
	}
	if req.Active != nil {
		provider.Active = *req.Active
	}
	if req.APIKey != "" {
		sealed, err := h.encryptor.Encrypt(req.APIKey)
		if err != nil {
			writeAdminError(w, http.StatusInternalServerError, "failed to store credential")
			return
		}
		provider.EncryptedAPIKey = sealed
	}

	if err := h.catalog.UpdateProvider(r.Context(), provider); err != nil {
		slog.Error("update provider", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update provider")
		return
	}

	writeJSON(w, http.StatusOK, provider)
}

func (h *AdminHandler) deleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProvider(r.Context(), r.PathValue("id")); err != nil {
		writeAdminError(w, http.StatusNotFound, "provider not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testProvider probes the provider's endpoint and reports reachability and
// round-trip latency without touching the catalog.
func (h *AdminHandler) testProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := h.catalog.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "provider not found")
		return
	}

	ad, err := h.registry.Resolve(provider)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ad.HealthCheck(r.Context()))
}

// discoverModels asks the backend what models it advertises. These are not
// gateway models until an operator registers them.
func (h *AdminHandler) discoverModels(w http.ResponseWriter, r *http.Request) {
	provider, err := h.catalog.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "provider not found")
		return
	}

	ad, err := h.registry.Resolve(provider)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	models, err := ad.ListModels(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, domain.ModelList{Object: "list", Data: models})
}

type modelRequest struct {
	TenantID      string `json:"tenant_id"`
	Name          string `json:"name"`
	ProviderID    string `json:"provider_id"`
	ContextLength int    `json:"context_length,omitempty"`
	Default       *bool  `json:"default,omitempty"`
	Active        *bool  `json:"is_active,omitempty"`
}

func (h *AdminHandler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.catalog.ListModels(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list models")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

func (h *AdminHandler) createModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.ProviderID == "" {
		writeAdminError(w, http.StatusBadRequest, "name and provider_id are required")
		return
	}

	model := &domain.Model{
		ID:            uuid.NewString(),
		Name:          req.Name,
		ProviderID:    req.ProviderID,
		ContextLength: req.ContextLength,
		Active:        true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if req.Default != nil {
		model.Default = *req.Default
	}
	if req.Active != nil {
		model.Active = *req.Active
	}

	if err := h.catalog.CreateModel(r.Context(), model); err != nil {
		if errors.Is(err, domain.ErrProviderNotFound) {
			writeAdminError(w, http.StatusNotFound, "provider not found")
			return
		}
		slog.Error("create model", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create model")
		return
	}

	writeJSON(w, http.StatusCreated, model)
}

func (h *AdminHandler) updateModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	models, err := h.catalog.ListModels(r.Context(), req.TenantID)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to load model")
		return
	}

	var model *domain.Model
	for _, m := range models {
		if m.ID == r.PathValue("id") {
			model = m
			break
		}
	}
	if model == nil {
		writeAdminError(w, http.StatusNotFound, "model not found")
		return
	}

	if req.Name != "" {
		model.Name = req.Name
	}
	if req.ContextLength != 0 {
		model.ContextLength = req.ContextLength
	}
	if req.Default != nil {
		model.Default = *req.Default
	}
	if req.Active != nil {
		model.Active = *req.Active
	}

	if err := h.catalog.UpdateModel(r.Context(), model); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to update model")
		return
	}

	writeJSON(w, http.StatusOK, model)
}

func (h *AdminHandler) deleteModel(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteModel(r.Context(), r.PathValue("id")); err != nil {
		writeAdminError(w, http.StatusNotFound, "model not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialRequest struct {
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Scopes   []string `json:"scopes,omitempty"`
	RPM      int      `json:"rpm,omitempty"`
	TPM      int      `json:"tpm,omitempty"`
	DailyCap int      `json:"daily_cap,omitempty"`
	Status   string   `json:"status,omitempty"`
}

func (h *AdminHandler) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.credentials.List(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credentials": creds,
		"count":       len(creds),
	})
}

// issueCredential mints a bearer token. The clear token appears in this
// response and nowhere else; afterwards only its hash exists.
func (h *AdminHandler) issueCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "tenant_id and name are required")
		return
	}

	token, hash, prefix := crypto.NewToken()
	cred := &domain.Credential{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		TokenHash: hash,
		Prefix:    prefix,
		Scopes:    req.Scopes,
		Policy:    domain.RateLimitPolicy{RPM: req.RPM, TPM: req.TPM, DailyCap: req.DailyCap},
		Status:    domain.CredentialActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := h.credentials.Create(r.Context(), cred); err != nil {
		slog.Error("issue credential", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to issue credential")
		return
	}

	slog.Info("credential issued", "credential_id", cred.ID, "tenant_id", cred.TenantID, "prefix", cred.Prefix)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"credential": cred,
		"token":      token,
	})
}

func (h *AdminHandler) updateCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := h.credentials.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "credential not found")
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		cred.Name = req.Name
	}
	if req.Scopes != nil {
		cred.Scopes = req.Scopes
	}
	if req.RPM != 0 {
		cred.Policy.RPM = req.RPM
	}
	if req.TPM != 0 {
		cred.Policy.TPM = req.TPM
	}
	if req.DailyCap != 0 {
		cred.Policy.DailyCap = req.DailyCap
	}
	if req.Status != "" {
		cred.Status = domain.CredentialStatus(req.Status)
	}

	if err := h.credentials.Update(r.Context(), cred); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to update credential")
		return
	}

	writeJSON(w, http.StatusOK, cred)
}

func (h *AdminHandler) revokeCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.credentials.Revoke(r.Context(), r.PathValue("id")); err != nil {
		writeAdminError(w, http.StatusNotFound, "credential not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// credentialStats reads the live window counters for one credential.
func (h *AdminHandler) credentialStats(w http.ResponseWriter, r *http.Request) {
	cred, err := h.credentials.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "credential not found")
		return
	}

	stats, err := h.limiter.Stats(r.Context(), cred.ID)
	if err != nil {
		slog.Error("read limiter stats", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read counters")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) usageSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeAdminError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeAdminError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	groupBy := r.URL.Query().Get("group_by")
	switch groupBy {
	case "", "period":
		bucket := usage.BucketHour
		if r.URL.Query().Get("bucket") == "day" {
			bucket = usage.BucketDay
		}
		summary, err := h.tracker.SummaryByPeriod(ctx, tenantID, days, bucket)
		h.writeSummary(w, summary, err)
	case "model":
		summary, err := h.tracker.SummaryByModel(ctx, tenantID, days)
		h.writeSummary(w, summary, err)
	case "credential":
		summary, err := h.tracker.SummaryByCredential(ctx, tenantID, days)
		h.writeSummary(w, summary, err)
	case "provider":
		summary, err := h.tracker.SummaryByProvider(ctx, tenantID, days)
		h.writeSummary(w, summary, err)
	default:
		writeAdminError(w, http.StatusBadRequest, "group_by must be one of period, model, credential, provider")
	}
}

func (h *AdminHandler) writeSummary(w http.ResponseWriter, summary interface{}, err error) {
	if err != nil {
		slog.Error("usage summary", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to aggregate usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
