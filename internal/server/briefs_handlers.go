package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/briefs"
)

func (s *Server) registerBriefRoutes(r chi.Router) {
	r.Route("/briefs", func(r chi.Router) {
		r.Get("/", s.handleBriefList)
		r.Post("/", s.handleBriefCreate)
		r.Post("/export", s.handleBriefExport)
		r.Get("/{id}", s.handleBriefGet)
		r.Delete("/{id}", s.handleBriefDelete)
	})
}

func (s *Server) handleBriefList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Briefs.List(r.Context(), r.URL.Query().Get("ticker"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to list briefs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"briefs": list})
}

func (s *Server) handleBriefCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker  string   `json:"ticker"`
		Title   string   `json:"title"`
		Content string   `json:"content"`
		Rating  *string  `json:"rating"`
		Score   *float64 `json:"score"`
		Tags    string   `json:"tags"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	brief, err := s.deps.Briefs.Create(r.Context(), req.Ticker, req.Title, req.Content, req.Rating, req.Score, req.Tags)
	if err != nil {
		if errors.Is(err, briefs.ErrInvalidBrief) {
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(),
				FieldError{Field: "title", Message: "required"},
				FieldError{Field: "content", Message: "required"})
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to create brief")
		return
	}
	s.writeJSON(w, http.StatusCreated, brief)
}

func (s *Server) handleBriefGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	brief, err := s.deps.Briefs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load brief")
		return
	}
	if brief == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "brief not found")
		return
	}
	s.writeJSON(w, http.StatusOK, brief)
}

func (s *Server) handleBriefDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Briefs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, r, http.StatusNotFound, CodeNotFound, "brief not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to delete brief")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleBriefExport renders selected briefs (or all, when ids is empty)
// as a downloadable file in the requested format.
func (s *Server) handleBriefExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []int64 `json:"ids"`
		Format string  `json:"format"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Format == "" {
		req.Format = briefs.FormatZip
	}

	var (
		list []*briefs.Brief
		err  error
	)
	if len(req.IDs) > 0 {
		list, err = s.deps.Briefs.GetMany(r.Context(), req.IDs)
	} else {
		list, err = s.deps.Briefs.List(r.Context(), "", 500)
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load briefs")
		return
	}
	if len(list) == 0 {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "no briefs to export")
		return
	}

	data, contentType, filename, err := briefs.Export(list, req.Format)
	if err != nil {
		if errors.Is(err, briefs.ErrUnknownFormat) {
			s.writeError(w, r, http.StatusBadRequest, CodeInvalidInput, err.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "export failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to write export")
	}
}
