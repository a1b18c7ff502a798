package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/admin"
)

type StatsHandler struct {
	admin *admin.Service
	log   zerolog.Logger
}

func NewStatsHandler(a *admin.Service, log zerolog.Logger) *StatsHandler {
	return &StatsHandler{admin: a, log: log}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "meschain-sync",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.GetStatistics(r.Context())
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
