package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/admin"
	"github.com/meschain/syncrelay/internal/delivery"
	"github.com/meschain/syncrelay/internal/webhook"
)

type WebhookHandler struct {
	registry   *webhook.Registry
	dispatcher *delivery.Dispatcher
	admin      *admin.Service
	log        zerolog.Logger
}

func NewWebhookHandler(reg *webhook.Registry, d *delivery.Dispatcher, a *admin.Service, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{registry: reg, dispatcher: d, admin: a, log: log}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in webhook.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	sub, err := h.registry.Register(r.Context(), in)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	subs, total, err := h.registry.List(r.Context(), page)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeList(w, subs, total, page)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in webhook.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	sub, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *WebhookHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	sub, err := h.registry.SetEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.SubscriptionStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *WebhookHandler) EventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"event_types": h.registry.EventTypes()})
}
