package api

import (
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/scoreroom/internal/scoreservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *scoreservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *scoreservice.Service) *Handler {
	return &Handler{svc: svc}
}

// GetComposition handles GET /api/compositions/{id}.
//
//	@Summary		Get a composition snapshot
//	@Tags			compositions
//	@Produce		json
//	@Param			id	path		string	true	"Composition id"
//	@Success		200	{object}	CompositionDetail
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/compositions/{id} [get]
func (h *Handler) GetComposition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, _ := UserFromContext(r.Context())
	c, err := h.svc.GetComposition(r.Context(), u.ID, id)
	if err != nil {
		h.fail(w, "get composition failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// History handles GET /api/compositions/{id}/history.
//
//	@Summary		List the history entries of a composition
//	@Tags			compositions
//	@Produce		json
//	@Param			id	path		string	true	"Composition id"
//	@Success		200	{object}	HistoryResponse
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/compositions/{id}/history [get]
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, _ := UserFromContext(r.Context())
	entries, err := h.svc.History(r.Context(), u.ID, id)
	if err != nil {
		h.fail(w, "history failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{CompositionID: id, Entries: entries})
}

// Export handles GET /api/compositions/{id}/export.
//
//	@Summary		Export the current notes of a composition
//	@Tags			compositions
//	@Produce		json
//	@Param			id	path		string	true	"Composition id"
//	@Success		200	{object}	ExportResponse
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/compositions/{id}/export [get]
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, _ := UserFromContext(r.Context())
	exp, err := h.svc.Export(r.Context(), u.ID, id)
	if err != nil {
		h.fail(w, "export failed", id, err)
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": id + ".json"}))
	writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) fail(w http.ResponseWriter, msg, id string, err error) {
	if status := statusOf(err); status >= http.StatusInternalServerError {
		slog.Error(msg, slog.String("composition_id", id), slog.String("error", err.Error()))
	}
	writeError(w, err)
}
