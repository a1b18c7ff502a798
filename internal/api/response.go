package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse struct {
	Data   any   `json:"data"`
	Total  int64 `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Unknown
// errors are logged and hidden behind a 500.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case apperrors.Is(err, apperrors.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case apperrors.Is(err, apperrors.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeList[T any](w http.ResponseWriter, items []T, total int64, page models.Page) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:   items,
		Total:  total,
		Offset: page.Offset,
		Limit:  page.Limit,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Invalid("invalid request body: %v", err)
	}
	return nil
}

func pageFromQuery(r *http.Request) models.Page {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return models.Page{Offset: offset, Limit: limit}.Normalize()
}
