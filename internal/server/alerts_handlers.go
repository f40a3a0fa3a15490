package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/alerts"
)

func (s *Server) registerAlertRoutes(r chi.Router) {
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleAlertList)
		r.Post("/", s.handleAlertCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleAlertGet)
			r.Delete("/", s.handleAlertDelete)
			r.Put("/enabled", s.handleAlertSetEnabled)
			r.Put("/sound", s.handleAlertSetSound)
			r.Post("/test", s.handleAlertTest)
			r.Post("/rearm", s.handleAlertRearm)
		})
	})
}

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Alerts.List(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to list alerts")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": list})
}

func (s *Server) handleAlertCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker        string  `json:"ticker"`
		ConditionType string  `json:"condition_type"`
		Threshold     float64 `json:"threshold"`
		SoundType     string  `json:"sound_type"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	alert, err := s.deps.Alerts.Create(r.Context(), req.Ticker, req.ConditionType, req.Threshold, req.SoundType)
	if err != nil {
		switch {
		case errors.Is(err, alerts.ErrInvalidTicker):
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(),
				FieldError{Field: "ticker", Message: "1 to 5 uppercase letters"})
		case errors.Is(err, alerts.ErrInvalidCondition):
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(),
				FieldError{Field: "condition_type", Message: "price_above, price_below or pct_change"})
		default:
			s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to create alert")
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	alert, err := s.deps.Alerts.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load alert")
		return
	}
	if alert == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "alert not found")
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Alerts.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to delete alert")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleAlertSetEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := s.deps.Alerts.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to toggle alert")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": req.Enabled})
}

func (s *Server) handleAlertSetSound(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req struct {
		SoundType string `json:"sound_type"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if err := s.deps.Alerts.SetSound(r.Context(), id, req.SoundType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, r, http.StatusNotFound, CodeNotFound, "alert not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to set sound")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

// handleAlertTest fires the alert once through the real notification
// path without touching its triggered state.
func (s *Server) handleAlertTest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	payload, err := s.deps.AlertEng.FireTestAlert(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			s.writeError(w, r, http.StatusNotFound, CodeNotFound, "alert not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "test fire failed")
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAlertRearm(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Alerts.Rearm(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, r, http.StatusNotFound, CodeNotFound, "alert not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to rearm alert")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rearmed": true})
}
