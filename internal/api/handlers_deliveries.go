package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/admin"
	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
)

type DeliveryHandler struct {
	admin *admin.Service
	log   zerolog.Logger
}

func NewDeliveryHandler(a *admin.Service, log zerolog.Logger) *DeliveryHandler {
	return &DeliveryHandler{admin: a, log: log}
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.admin.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	d, err := h.admin.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Attempts)
}

// ListAttempts is the delivery log, newest first, filterable by webhook,
// event, delivery cycle and outcome.
func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.AttemptFilter{
		SubscriptionID: q.Get("webhook_id"),
		EventID:        q.Get("event_id"),
		DeliveryID:     q.Get("delivery_id"),
		Outcome:        models.Outcome(q.Get("outcome")),
	}
	switch f.Outcome {
	case "", models.OutcomePending, models.OutcomeSuccess, models.OutcomeRetryableFailure, models.OutcomePermanentFailure:
	default:
		writeDomainError(w, h.log, apperrors.Invalid("unknown outcome %q", f.Outcome))
		return
	}

	page := pageFromQuery(r)
	attempts, total, err := h.admin.ListDeliveryAttempts(r.Context(), f, page)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeList(w, attempts, total, page)
}
