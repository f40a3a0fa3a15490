package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/agents"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/compare"
	"github.com/amitpatole/tickerpulse-ai-sub000/internal/llm"
)

// aiSettingsKey is where per-provider preferences live in settings.
const aiSettingsKey = "ai_provider_settings"

func (s *Server) registerAIRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleAgentList)
		r.Get("/history", s.handleAgentHistory)
		r.Get("/costs", s.handleAgentCosts)
		r.Post("/{name}/run", s.handleAgentRun)
	})

	r.Route("/ai", func(r chi.Router) {
		r.Get("/providers", s.handleAIProviders)
		r.Put("/providers", s.handleAIProvidersUpdate)
		r.Post("/providers/{name}/test", s.handleAIProviderTest)
		r.Post("/compare", s.handleAICompare)
	})

	r.Route("/comparison", func(r chi.Router) {
		r.Get("/", s.handleComparisonList)
		r.Post("/run", s.handleComparisonStart)
		r.Get("/{id}", s.handleComparisonGet)
	})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Agents.Names()
	sort.Strings(names)

	aliases := map[string]string{}
	for alias, real := range agents.NameMap {
		if s.deps.Agents.Has(real) {
			aliases[alias] = real
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":  names,
		"aliases": aliases,
	})
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.deps.Agents.Has(name) {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("unknown agent %q", name))
		return
	}
	inputs := map[string]interface{}{}
	if r.ContentLength > 0 {
		if err := s.decodeJSON(w, r, &inputs); err != nil {
			return
		}
	}
	run, runID, err := s.deps.Agents.Run(r.Context(), name, inputs)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"run_id": runID,
			"status": agents.StatusError,
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	runs, err := s.deps.AgentRuns.Recent(r.Context(), agent, page*pageSize)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load run history")
		return
	}
	start := (page - 1) * pageSize
	if start > len(runs) {
		start = len(runs)
	}
	end := start + pageSize
	if end > len(runs) {
		end = len(runs)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":      runs[start:end],
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleAgentCosts(w http.ResponseWriter, r *http.Request) {
	window := queryInt(r, "window", 7)
	summary, err := s.deps.AgentRuns.Costs(r.Context(), window)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load cost summary")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleAIProviders lists configured LLM providers merged with stored
// preferences.
func (s *Server) handleAIProviders(w http.ResponseWriter, r *http.Request) {
	prefs := s.loadAIPrefs()
	list := make([]map[string]interface{}, 0, len(s.deps.LLM))
	for name, provider := range s.deps.LLM {
		entry := map[string]interface{}{
			"name":    name,
			"model":   provider.Model(),
			"enabled": true,
		}
		if pref, ok := prefs[name]; ok {
			entry["enabled"] = pref.Enabled
			if pref.Model != "" {
				entry["preferred_model"] = pref.Model
			}
		}
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i]["name"].(string) < list[j]["name"].(string)
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"providers": list})
}

type aiPref struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) loadAIPrefs() map[string]aiPref {
	prefs := map[string]aiPref{}
	raw, err := s.deps.Settings.Get(aiSettingsKey)
	if err != nil || raw == nil {
		return prefs
	}
	if err := json.Unmarshal([]byte(*raw), &prefs); err != nil {
		s.log.Warn().Err(err).Msg("Corrupt AI provider settings ignored")
		return map[string]aiPref{}
	}
	return prefs
}

func (s *Server) handleAIProvidersUpdate(w http.ResponseWriter, r *http.Request) {
	var req map[string]aiPref
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	for name := range req {
		if _, ok := s.deps.LLM[name]; !ok {
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, fmt.Sprintf("unknown provider %q", name))
			return
		}
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to encode settings")
		return
	}
	if err := s.deps.Settings.Set(aiSettingsKey, string(encoded), nil); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to store settings")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

func (s *Server) handleAIProviderTest(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "name"))
	provider, ok := s.deps.LLM[name]
	if !ok {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("provider %q not configured", name))
		return
	}
	if err := provider.TestConnection(r.Context()); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"provider": name,
			"ok":       false,
			"error":    err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"provider": name, "ok": true})
}

type compareRequest struct {
	Ticker    string   `json:"ticker"`
	Prompt    string   `json:"prompt"`
	Template  string   `json:"template"`
	Providers []string `json:"providers"`
}

// resolveCompare validates the request and resolves provider names in
// request order.
func (s *Server) resolveCompare(w http.ResponseWriter, r *http.Request) (*compareRequest, []llm.Provider, bool) {
	var req compareRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		return nil, nil, false
	}
	req.Ticker = strings.ToUpper(strings.TrimSpace(req.Ticker))
	if req.Ticker == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "ticker is required",
			FieldError{Field: "ticker", Message: "required"})
		return nil, nil, false
	}
	if len(req.Providers) == 0 {
		// Default to every configured provider, stable order.
		for name := range s.deps.LLM {
			req.Providers = append(req.Providers, name)
		}
		sort.Strings(req.Providers)
	}

	resolved := make([]llm.Provider, 0, len(req.Providers))
	for _, name := range req.Providers {
		provider, ok := s.deps.LLM[strings.ToLower(name)]
		if !ok {
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, fmt.Sprintf("provider %q not configured", name))
			return nil, nil, false
		}
		resolved = append(resolved, provider)
	}

	if req.Prompt == "" {
		req.Prompt = fmt.Sprintf(
			"Analyze the stock %s. Reply with a JSON object containing rating "+
				"(buy/hold/sell), score (0-100), confidence (0-1) and summary.", req.Ticker)
		if req.Template == "" {
			req.Template = "analysis"
		}
	}
	return &req, resolved, true
}

func (s *Server) handleAICompare(w http.ResponseWriter, r *http.Request) {
	req, resolved, ok := s.resolveCompare(w, r)
	if !ok {
		return
	}
	results, err := s.deps.Compare.CompareSync(r.Context(), req.Prompt, req.Ticker, req.Template, resolved)
	if err != nil {
		if errors.Is(err, compare.ErrProviderCount) {
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "comparison failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker":  req.Ticker,
		"results": results,
	})
}

func (s *Server) handleComparisonStart(w http.ResponseWriter, r *http.Request) {
	req, resolved, ok := s.resolveCompare(w, r)
	if !ok {
		return
	}
	runID, err := s.deps.Compare.StartAsync(r.Context(), req.Prompt, req.Ticker, req.Template, resolved)
	if err != nil {
		if errors.Is(err, compare.ErrProviderCount) {
			s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to start comparison")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": runID,
		"status": compare.StatusPending,
	})
}

func (s *Server) handleComparisonGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	run, err := s.deps.Compare.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load run")
		return
	}
	if run == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "comparison run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleComparisonList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := s.deps.Compare.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}
