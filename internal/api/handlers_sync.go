package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/admin"
	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
	"github.com/meschain/syncrelay/internal/syncer"
)

const maxSyncWait = 60 * time.Second

type SyncHandler struct {
	syncer *syncer.Coordinator
	admin  *admin.Service
	log    zerolog.Logger
}

func NewSyncHandler(c *syncer.Coordinator, a *admin.Service, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{syncer: c, admin: a, log: log}
}

type syncAccepted struct {
	Key    models.SyncKey     `json:"key"`
	Record *models.SyncRecord `json:"record,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Request schedules a push. With ?wait=<duration> the call blocks until
// the sync settles or the wait runs out.
func (h *SyncHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req syncer.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.log, err)
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a positive duration")
			return
		}
		wait = min(d, maxSyncWait)
	}

	handle, err := h.syncer.RequestSync(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}

	if wait == 0 {
		rec, err := h.syncer.GetSyncStatus(r.Context(), handle.Key())
		if err != nil {
			writeDomainError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, syncAccepted{Key: handle.Key(), Record: rec})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	rec, err := handle.Wait(ctx)
	if ctx.Err() != nil {
		rec, err = h.syncer.GetSyncStatus(r.Context(), handle.Key())
		if err != nil {
			writeDomainError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, syncAccepted{Key: handle.Key(), Record: rec})
		return
	}

	out := syncAccepted{Key: handle.Key(), Record: rec}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SyncHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := models.SyncKey{
		EntityType:  models.EntityType(chi.URLParam(r, "entityType")),
		EntityID:    chi.URLParam(r, "entityID"),
		Marketplace: chi.URLParam(r, "marketplace"),
	}
	rec, err := h.syncer.GetSyncStatus(r.Context(), key)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *SyncHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.SyncRecordFilter{
		Status:      models.SyncStatus(q.Get("status")),
		Marketplace: q.Get("marketplace"),
		EntityType:  models.EntityType(q.Get("entity_type")),
	}
	switch f.Status {
	case "", models.SyncPending, models.SyncSynced, models.SyncFailed:
	default:
		writeDomainError(w, h.log, apperrors.Invalid("unknown status %q", f.Status))
		return
	}

	page := pageFromQuery(r)
	records, total, err := h.admin.ListSyncRecords(r.Context(), f, page)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeList(w, records, total, page)
}
