package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/notify"
	"github.com/meschain/syncrelay/internal/storage"
)

type NotificationHandler struct {
	feed *notify.Feed
	log  zerolog.Logger
}

func NewNotificationHandler(feed *notify.Feed, log zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{feed: feed, log: log}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.NotificationFilter{
		UnreadOnly: q.Get("unread") == "true",
		Severity:   models.Severity(q.Get("severity")),
		Type:       q.Get("type"),
	}

	page := pageFromQuery(r)
	items, total, err := h.feed.List(r.Context(), f, page)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeList(w, items, total, page)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.feed.MarkAllRead(r.Context())
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}
