package sentiment

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
)

// NewsSource is one RSS feed.
type NewsSource struct {
	Name string
	URL  string
}

// DefaultNewsSources lists the market news feeds polled by the news
// fetch path.
var DefaultNewsSources = []NewsSource{
	{Name: "Yahoo Finance", URL: "https://finance.yahoo.com/news/rssindex"},
	{Name: "CNBC Markets", URL: "https://www.cnbc.com/id/20910258/device/rss/rss.html"},
	{Name: "MarketWatch", URL: "https://feeds.marketwatch.com/marketwatch/topstories/"},
}

// NewsFetcher pulls RSS headlines, scores them with a keyword lexicon
// and stores ticker-matched rows in the news table. Stored rows feed
// the sentiment aggregator's 24 hour window.
type NewsFetcher struct {
	db      *sql.DB
	parser  *gofeed.Parser
	sources []NewsSource
	bus     *events.Bus
	log     zerolog.Logger
}

// NewNewsFetcher creates the fetcher with the default sources.
func NewNewsFetcher(db *sql.DB, bus *events.Bus, log zerolog.Logger) *NewsFetcher {
	return &NewsFetcher{
		db:      db,
		parser:  gofeed.NewParser(),
		sources: DefaultNewsSources,
		bus:     bus,
		log:     log.With().Str("component", "news_fetcher").Logger(),
	}
}

var bullishWords = []string{"surge", "rally", "soar", "beat", "upgrade", "record", "jump", "gain", "strong"}
var bearishWords = []string{"plunge", "fall", "miss", "downgrade", "drop", "slump", "cut", "weak", "lawsuit"}

// scoreHeadline returns a sentiment in [-1, 1] from keyword hits.
func scoreHeadline(title string) float64 {
	lower := strings.ToLower(title)
	score := 0.0
	for _, w := range bullishWords {
		if strings.Contains(lower, w) {
			score += 0.3
		}
	}
	for _, w := range bearishWords {
		if strings.Contains(lower, w) {
			score -= 0.3
		}
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

// matchTickers returns the watchlist tickers mentioned in the title.
// Bare uppercase symbols and $-prefixed cashtags both count.
func matchTickers(title string, tickers []string) []string {
	var out []string
	for _, t := range tickers {
		if containsSymbol(title, t) {
			out = append(out, t)
		}
	}
	return out
}

func containsSymbol(title, ticker string) bool {
	if strings.Contains(title, "$"+ticker) {
		return true
	}
	for _, word := range strings.FieldsFunc(title, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == ':' || r == ';' || r == '(' || r == ')'
	}) {
		if word == ticker {
			return true
		}
	}
	return false
}

// FetchAndStore polls every source, stores ticker-matched headlines and
// publishes a news event per stored row. Returns rows stored. Source
// failures are skipped, not fatal.
func (f *NewsFetcher) FetchAndStore(ctx context.Context, tickers []string) (int, error) {
	stored := 0
	for _, src := range f.sources {
		feed, err := f.parser.ParseURLWithContext(src.URL, ctx)
		if err != nil {
			f.log.Warn().Err(err).Str("source", src.Name).Msg("Failed to parse feed")
			continue
		}
		for _, item := range feed.Items {
			matched := matchTickers(item.Title, tickers)
			if len(matched) == 0 {
				continue
			}
			published := time.Now().UTC()
			if item.PublishedParsed != nil {
				published = item.PublishedParsed.UTC()
			}
			score := scoreHeadline(item.Title)
			for _, ticker := range matched {
				if err := f.store(ctx, ticker, item.Title, item.Link, src.Name, score, published); err != nil {
					f.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to store news row")
					continue
				}
				stored++
				if f.bus != nil {
					f.bus.Publish(events.News, map[string]interface{}{
						"ticker":          ticker,
						"title":           item.Title,
						"url":             item.Link,
						"source":          src.Name,
						"sentiment_score": score,
						"published_at":    published.Format(time.RFC3339),
					})
				}
			}
		}
	}
	return stored, nil
}

func (f *NewsFetcher) store(ctx context.Context, ticker, title, link, source string, score float64, published time.Time) error {
	// Duplicate suppression on (ticker, title) keeps repeated polls of
	// the same feed from inflating the sentiment window.
	var exists int
	err := f.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM news WHERE ticker = ? AND title = ?", ticker, title).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO news (ticker, title, url, source, sentiment_score, published_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticker, title, link, source, score, published.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert news row: %w", err)
	}
	return nil
}
