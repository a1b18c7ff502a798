package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/delivery"
	"github.com/meschain/syncrelay/internal/models"
)

type EventHandler struct {
	dispatcher *delivery.Dispatcher
	log        zerolog.Logger
}

func NewEventHandler(d *delivery.Dispatcher, log zerolog.Logger) *EventHandler {
	return &EventHandler{dispatcher: d, log: log}
}

// Publish fans an event out to the matching subscriptions. Deliveries
// happen asynchronously, hence 202.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var ev models.DomainEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	res, err := h.dispatcher.Publish(r.Context(), &ev)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
