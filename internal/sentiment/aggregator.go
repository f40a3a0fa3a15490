// Package sentiment aggregates per-ticker sentiment from local news
// rows, recent investigator agent runs and the live StockTwits stream.
// The first two sources are cached with a 15 minute TTL; StockTwits is
// always fetched live and merged after the cache read.
package sentiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const cacheTTL = 15 * time.Minute

// Labels.
const (
	LabelBullish = "bullish"
	LabelBearish = "bearish"
	LabelNeutral = "neutral"
)

// Trends.
const (
	TrendUp   = "up"
	TrendFlat = "flat"
	TrendDown = "down"
)

// Snapshot is the merged sentiment reading for one ticker.
type Snapshot struct {
	Ticker      string         `json:"ticker"`
	Score       float64        `json:"score"`
	Label       string         `json:"label"`
	SignalCount int            `json:"signal_count"`
	Sources     map[string]int `json:"sources"`
	Trend       string         `json:"trend"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// signals is a bullish/total tally.
type signals struct {
	bullish int
	total   int
	sources map[string]int
}

// Aggregator computes and caches sentiment snapshots. Concurrent cache
// misses for the same ticker are collapsed into one recompute.
type Aggregator struct {
	db         *sql.DB
	stocktwits *StockTwitsClient
	group      singleflight.Group
	log        zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewAggregator wires the sentiment aggregator. stocktwits may be nil
// to disable the live source.
func NewAggregator(db *sql.DB, stocktwits *StockTwitsClient, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		db:         db,
		stocktwits: stocktwits,
		log:        log.With().Str("component", "sentiment").Logger(),
		now:        time.Now,
	}
}

// Get returns the merged snapshot for a ticker, recomputing the cached
// part on TTL expiry. StockTwits failures degrade to cached-only data.
func (a *Aggregator) Get(ctx context.Context, ticker string) (*Snapshot, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	cached, err := a.readCache(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		v, err, _ := a.group.Do(ticker, func() (interface{}, error) {
			return a.recompute(ctx, ticker)
		})
		if err != nil {
			return nil, err
		}
		cached = v.(*signals)
	}

	merged := signals{
		bullish: cached.bullish,
		total:   cached.total,
		sources: map[string]int{},
	}
	for k, v := range cached.sources {
		merged.sources[k] = v
	}

	if a.stocktwits != nil {
		st := a.stocktwits.Fetch(ctx, ticker)
		if st.total > 0 {
			merged.bullish += st.bullish
			merged.total += st.total
			merged.sources["stocktwits"] = st.total
		}
	}

	score, label := scoreAndLabel(merged)
	trend, err := a.trend(ctx, ticker)
	if err != nil {
		a.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to compute sentiment trend")
		trend = TrendFlat
	}

	return &Snapshot{
		Ticker:      ticker,
		Score:       score,
		Label:       label,
		SignalCount: merged.total,
		Sources:     merged.sources,
		Trend:       trend,
		UpdatedAt:   a.now().UTC(),
	}, nil
}

// InvalidateTicker deletes the cache row. The next Get recomputes. No
// other side effects.
func (a *Aggregator) InvalidateTicker(ctx context.Context, ticker string) error {
	_, err := a.db.ExecContext(ctx,
		"DELETE FROM sentiment_cache WHERE ticker = ?", strings.ToUpper(ticker))
	if err != nil {
		return fmt.Errorf("failed to invalidate sentiment for %s: %w", ticker, err)
	}
	return nil
}

func (a *Aggregator) readCache(ctx context.Context, ticker string) (*signals, error) {
	var score float64
	var count int
	var sourcesJSON string
	var updatedAt string
	err := a.db.QueryRowContext(ctx, `
		SELECT score, signal_count, sources, updated_at
		FROM sentiment_cache WHERE ticker = ?
	`, ticker).Scan(&score, &count, &sourcesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sentiment cache for %s: %w", ticker, err)
	}

	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil || a.now().UTC().Sub(ts) > cacheTTL {
		return nil, nil
	}

	sources := map[string]int{}
	if err := json.Unmarshal([]byte(sourcesJSON), &sources); err != nil {
		a.log.Warn().Err(err).Str("ticker", ticker).Msg("Corrupt sentiment sources JSON")
	}
	return &signals{
		bullish: int(math.Round(score * float64(count))),
		total:   count,
		sources: sources,
	}, nil
}

// recompute tallies the news and agent sources and persists the cache
// row.
func (a *Aggregator) recompute(ctx context.Context, ticker string) (*signals, error) {
	sig := &signals{sources: map[string]int{}}

	newsBullish, newsTotal, err := a.newsSignals(ctx, ticker, 24*time.Hour, 0)
	if err != nil {
		return nil, err
	}
	if newsTotal > 0 {
		sig.bullish += newsBullish
		sig.total += newsTotal
		sig.sources["news"] = newsTotal
	}

	agentBullish, agentTotal, err := a.agentSignals(ctx, ticker)
	if err != nil {
		a.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to read agent sentiment signals")
	} else if agentTotal > 0 {
		sig.bullish += agentBullish
		sig.total += agentTotal
		sig.sources["agent"] = agentTotal
	}

	score, label := scoreAndLabel(*sig)
	sourcesJSON, _ := json.Marshal(sig.sources)
	now := a.now().UTC().Format(time.RFC3339)
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO sentiment_cache (ticker, score, label, signal_count, sources, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			score = excluded.score,
			label = excluded.label,
			signal_count = excluded.signal_count,
			sources = excluded.sources,
			updated_at = excluded.updated_at
	`, ticker, score, label, sig.total, string(sourcesJSON), now)
	if err != nil {
		return nil, fmt.Errorf("failed to write sentiment cache for %s: %w", ticker, err)
	}
	return sig, nil
}

// newsSignals tallies news rows between now-since and now-until whose
// sentiment score is decisive (|score| > 0.1).
func (a *Aggregator) newsSignals(ctx context.Context, ticker string, since, until time.Duration) (bullish, total int, err error) {
	now := a.now().UTC()
	rows, err := a.db.QueryContext(ctx, `
		SELECT sentiment_score FROM news
		WHERE ticker = ? AND published_at >= ? AND published_at < ?
		AND sentiment_score IS NOT NULL
	`, ticker, now.Add(-since).Format(time.RFC3339), now.Add(-until).Format(time.RFC3339))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query news sentiment: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return 0, 0, err
		}
		total++
		if score > 0.1 {
			bullish++
		}
	}
	return bullish, total, rows.Err()
}

// agentItem is one entry in an investigator run's output_data.
type agentItem struct {
	Ticker    string `json:"ticker"`
	Mentions  int    `json:"mentions"`
	Sentiment string `json:"sentiment"`
}

// agentSignals tallies investigator runs completed in the last 6 hours,
// weighting each matching item by its mention count.
func (a *Aggregator) agentSignals(ctx context.Context, ticker string) (bullish, total int, err error) {
	cutoff := a.now().UTC().Add(-6 * time.Hour).Format(time.RFC3339)
	rows, err := a.db.QueryContext(ctx, `
		SELECT output_data FROM agent_runs
		WHERE agent_name = 'investigator' AND status = 'completed'
		AND completed_at >= ? AND output_data IS NOT NULL
	`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query agent runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, 0, err
		}
		var payload struct {
			Items []agentItem `json:"items"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		for _, item := range payload.Items {
			if !strings.EqualFold(item.Ticker, ticker) {
				continue
			}
			weight := item.Mentions
			if weight < 1 {
				weight = 1
			}
			total += weight
			if strings.EqualFold(item.Sentiment, LabelBullish) {
				bullish += weight
			}
		}
	}
	return bullish, total, rows.Err()
}

// trend compares the bullish proportion of the fresh news window
// (0-12h) against the older one (12-24h).
func (a *Aggregator) trend(ctx context.Context, ticker string) (string, error) {
	freshBull, freshTotal, err := a.newsSignals(ctx, ticker, 12*time.Hour, 0)
	if err != nil {
		return "", err
	}
	oldBull, oldTotal, err := a.newsSignals(ctx, ticker, 24*time.Hour, 12*time.Hour)
	if err != nil {
		return "", err
	}
	if freshTotal == 0 || oldTotal == 0 {
		return TrendFlat, nil
	}
	delta := float64(freshBull)/float64(freshTotal) - float64(oldBull)/float64(oldTotal)
	switch {
	case delta > 0.05:
		return TrendUp, nil
	case delta < -0.05:
		return TrendDown, nil
	default:
		return TrendFlat, nil
	}
}

func scoreAndLabel(sig signals) (float64, string) {
	if sig.total == 0 {
		return 0.5, LabelNeutral
	}
	score := float64(sig.bullish) / float64(sig.total)
	switch {
	case score >= 0.6:
		return score, LabelBullish
	case score <= 0.4:
		return score, LabelBearish
	default:
		return score, LabelNeutral
	}
}
