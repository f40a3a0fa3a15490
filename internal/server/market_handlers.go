package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/providers"
)

// csvImportMaxBytes caps watchlist CSV uploads.
const csvImportMaxBytes = 1 << 20

// seriesMaxSymbols caps the compare-series fan-out.
const seriesMaxSymbols = 5

func (s *Server) registerMarketRoutes(r chi.Router) {
	r.Route("/stocks", func(r chi.Router) {
		r.Get("/search", s.handleStockSearch)
		r.Get("/{ticker}/quote", s.handleStockQuote)
		r.Get("/{ticker}/history", s.handleStockHistory)
	})

	r.Route("/watchlists", func(r chi.Router) {
		r.Get("/", s.handleWatchlistList)
		r.Post("/", s.handleWatchlistCreate)
		r.Post("/reorder", s.handleWatchlistReorder)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleWatchlistGet)
			r.Put("/", s.handleWatchlistRename)
			r.Delete("/", s.handleWatchlistDelete)
			r.Post("/stocks", s.handleWatchlistAddStock)
			r.Delete("/stocks/{ticker}", s.handleWatchlistRemoveStock)
			r.Post("/import", s.handleWatchlistImport)
		})
	})

	r.Get("/ratings", s.handleRatingsList)
	r.Get("/sentiment/{ticker}", s.handleSentiment)

	r.Route("/earnings", func(r chi.Router) {
		r.Get("/", s.handleEarningsUpcoming)
		r.Get("/{ticker}", s.handleEarningsForTicker)
		r.Post("/sync", s.handleEarningsSync)
	})

	r.Get("/compare/series", s.handleCompareSeries)
}

func (s *Server) handleStockSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "query parameter q is required",
			FieldError{Field: "q", Message: "required"})
		return
	}
	results, err := s.deps.Providers.SearchTicker(r.Context(), query)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, CodeProviderError, "ticker search failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleStockQuote(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	quote, err := s.deps.Providers.GetQuote(r.Context(), ticker)
	if err != nil {
		if errors.Is(err, providers.ErrNoData) {
			s.writeError(w, r, http.StatusNotFound, CodeTickerNotFound, "no quote for "+ticker)
			return
		}
		s.writeError(w, r, http.StatusBadGateway, CodeProviderUnavailable, "quote fetch failed")
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	period := providers.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = providers.Period3Mo
	}
	if !providers.ValidPeriod(period) {
		s.writeError(w, r, http.StatusBadRequest, CodeInvalidInput, "unknown period "+string(period))
		return
	}
	history, err := s.deps.Providers.GetHistorical(r.Context(), ticker, period)
	if err != nil {
		if errors.Is(err, providers.ErrNoData) {
			s.writeError(w, r, http.StatusNotFound, CodeTickerNotFound, "no history for "+ticker)
			return
		}
		s.writeError(w, r, http.StatusBadGateway, CodeProviderUnavailable, "history fetch failed")
		return
	}

	// OHLCV pagination over candles: page is 1-based, newest last.
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)
	candles := history.Candles
	total := len(candles)
	if pageSize > 0 {
		start := (page - 1) * pageSize
		if start >= total {
			candles = nil
		} else {
			end := start + pageSize
			if end > total {
				end = total
			}
			candles = candles[start:end]
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker":  history.Ticker,
		"period":  history.Period,
		"total":   total,
		"candles": candles,
	})
}

func (s *Server) handleWatchlistList(w http.ResponseWriter, r *http.Request) {
	lists, err := s.deps.Watchlist.List(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to list watchlists")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"watchlists": lists})
}

func (s *Server) handleWatchlistCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "name is required",
			FieldError{Field: "name", Message: "required"})
		return
	}
	list, err := s.deps.Watchlist.Create(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to create watchlist")
		return
	}
	s.writeJSON(w, http.StatusCreated, list)
}

func (s *Server) handleWatchlistGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Watchlist.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load watchlist")
		return
	}
	if list == nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "watchlist not found")
		return
	}
	stocks, err := s.deps.Watchlist.Stocks(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load stocks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"watchlist": list, "stocks": stocks})
}

func (s *Server) handleWatchlistRename(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "name is required",
			FieldError{Field: "name", Message: "required"})
		return
	}
	if err := s.deps.Watchlist.Rename(r.Context(), id, req.Name); err != nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "watchlist not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"renamed": true})
}

func (s *Server) handleWatchlistDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Watchlist.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "watchlist not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleWatchlistReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []int64 `json:"order"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Order) == 0 {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "order is required",
			FieldError{Field: "order", Message: "required"})
		return
	}
	if err := s.deps.Watchlist.Reorder(r.Context(), req.Order); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to reorder watchlists")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"reordered": true})
}

func (s *Server) handleWatchlistAddStock(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	var req struct {
		Ticker string `json:"ticker"`
		Name   string `json:"name"`
		Market string `json:"market"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Ticker) == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "ticker is required",
			FieldError{Field: "ticker", Message: "required"})
		return
	}
	ticker, err := s.deps.Watchlist.AddStock(r.Context(), id, req.Ticker, req.Name, req.Market)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"ticker": ticker})
}

func (s *Server) handleWatchlistRemoveStock(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	ticker := chi.URLParam(r, "ticker")
	if err := s.deps.Watchlist.RemoveStock(r.Context(), id, ticker); err != nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "stock not on watchlist")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": true})
}

func (s *Server) handleWatchlistImport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, csvImportMaxBytes)
	result, err := s.deps.Watchlist.ImportCSV(r.Context(), id, r.Body)
	if err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "CSV exceeds 1 MiB")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRatingsList(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Ratings.GetAll(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load ratings")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ratings": all})
}

func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	snapshot, err := s.deps.Sentiment.Get(r.Context(), ticker)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "sentiment lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleEarningsUpcoming(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	events, err := s.deps.Earnings.Upcoming(r.Context(), days)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load earnings")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleEarningsForTicker(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	events, err := s.deps.Earnings.ForTicker(r.Context(), ticker)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeDatabaseError, "failed to load earnings")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ticker": ticker, "events": events})
}

// handleEarningsSync triggers the earnings_sync job out of schedule.
func (s *Server) handleEarningsSync(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Trigger("earnings_sync"); err != nil {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "earnings sync job not registered")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
}

// handleCompareSeries returns percentage-return series for up to five
// symbols so they can be drawn on one axis.
func (s *Server) handleCompareSeries(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("symbols"))
	if raw == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeMissingField, "symbols parameter is required",
			FieldError{Field: "symbols", Message: "required"})
		return
	}
	symbols := []string{}
	for _, sym := range strings.Split(raw, ",") {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 || len(symbols) > seriesMaxSymbols {
		s.writeError(w, r, http.StatusBadRequest, CodeValidation, "between 1 and 5 symbols required")
		return
	}

	period := seriesPeriod(r.URL.Query().Get("timeframe"))
	if period == "" {
		s.writeError(w, r, http.StatusBadRequest, CodeInvalidInput, "unknown timeframe")
		return
	}

	series := make(map[string][]map[string]interface{}, len(symbols))
	for _, sym := range symbols {
		history, err := s.deps.Providers.GetHistorical(r.Context(), sym, period)
		if err != nil {
			if errors.Is(err, providers.ErrNoData) {
				s.writeError(w, r, http.StatusNotFound, CodeTickerNotFound, "no history for "+sym)
				return
			}
			s.writeError(w, r, http.StatusBadGateway, CodeProviderUnavailable, "history fetch failed for "+sym)
			return
		}
		if len(history.Candles) == 0 {
			series[sym] = nil
			continue
		}
		base := history.Candles[0].Close
		points := make([]map[string]interface{}, 0, len(history.Candles))
		for _, candle := range history.Candles {
			pct := 0.0
			if base != 0 {
				pct = (candle.Close/base - 1) * 100
			}
			points = append(points, map[string]interface{}{
				"time":       candle.Time,
				"return_pct": pct,
			})
		}
		series[sym] = points
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timeframe": r.URL.Query().Get("timeframe"),
		"series":    series,
	})
}

// seriesPeriod maps frontend timeframes onto provider periods.
func seriesPeriod(timeframe string) providers.Period {
	switch strings.ToUpper(strings.TrimSpace(timeframe)) {
	case "", "1M":
		return providers.Period1Mo
	case "1D":
		return providers.Period1D
	case "1W":
		return providers.Period5D
	case "3M":
		return providers.Period3Mo
	case "6M":
		return providers.Period6Mo
	case "1Y":
		return providers.Period1Y
	case "5Y":
		return providers.Period5Y
	default:
		return ""
	}
}
