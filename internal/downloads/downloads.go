// Package downloads tracks GitHub clone traffic for the configured
// repositories.
package downloads

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const githubAPIBase = "https://api.github.com"

// DayCount is clone traffic for one day.
type DayCount struct {
	Day          string `json:"day"`
	Clones       int    `json:"clones"`
	UniqueClones int    `json:"unique_clones"`
}

// RepoStats is the aggregate for one repository.
type RepoStats struct {
	Repo         string     `json:"repo"`
	Clones       int        `json:"clones"`
	UniqueClones int        `json:"unique_clones"`
	Daily        []DayCount `json:"daily"`
	RecordedAt   string     `json:"recorded_at,omitempty"`
}

// Client fetches clone traffic from the GitHub REST API. A token with
// push access to the repository is required by GitHub for traffic data.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a traffic client.
func NewClient(token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    githubAPIBase,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "github_traffic").Logger(),
	}
}

// Available reports whether a token is configured.
func (c *Client) Available() bool {
	return c.token != ""
}

// FetchClones returns the 14-day clone traffic for owner/repo.
func (c *Client) FetchClones(ctx context.Context, repo string) (*RepoStats, error) {
	url := fmt.Sprintf("%s/repos/%s/traffic/clones", c.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github traffic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("github traffic returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Count   int `json:"count"`
		Uniques int `json:"uniques"`
		Clones  []struct {
			Timestamp string `json:"timestamp"`
			Count     int    `json:"count"`
			Uniques   int    `json:"uniques"`
		} `json:"clones"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode github traffic response: %w", err)
	}

	stats := &RepoStats{Repo: repo, Clones: payload.Count, UniqueClones: payload.Uniques}
	for _, day := range payload.Clones {
		if len(day.Timestamp) < 10 {
			continue
		}
		stats.Daily = append(stats.Daily, DayCount{
			Day:          day.Timestamp[:10],
			Clones:       day.Count,
			UniqueClones: day.Uniques,
		})
	}
	return stats, nil
}

// Repository persists traffic snapshots and per-day counts.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "downloads").Logger(),
	}
}

// Record stores one snapshot plus its daily breakdown. Daily rows are
// upserts keyed (repo, day): GitHub revises the trailing day on each
// fetch, so the latest value wins.
func (r *Repository) Record(ctx context.Context, stats *RepoStats) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO download_stats (repo, clones, unique_clones)
		VALUES (?, ?, ?)
	`, stats.Repo, stats.Clones, stats.UniqueClones); err != nil {
		return fmt.Errorf("failed to record download stats: %w", err)
	}

	for _, day := range stats.Daily {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO download_daily (repo, day, clones, unique_clones)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(repo, day) DO UPDATE SET
				clones = excluded.clones,
				unique_clones = excluded.unique_clones
		`, stats.Repo, day.Day, day.Clones, day.UniqueClones); err != nil {
			return fmt.Errorf("failed to record daily downloads: %w", err)
		}
	}
	return tx.Commit()
}

// Latest returns the newest snapshot per repo with its daily series.
func (r *Repository) Latest(ctx context.Context) ([]RepoStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT repo, clones, unique_clones, MAX(recorded_at)
		FROM download_stats GROUP BY repo ORDER BY repo
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query download stats: %w", err)
	}
	defer rows.Close()

	var out []RepoStats
	for rows.Next() {
		var stats RepoStats
		if err := rows.Scan(&stats.Repo, &stats.Clones, &stats.UniqueClones, &stats.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		daily, err := r.dailySeries(ctx, out[i].Repo)
		if err != nil {
			return nil, err
		}
		out[i].Daily = daily
	}
	return out, nil
}

func (r *Repository) dailySeries(ctx context.Context, repo string) ([]DayCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT day, clones, unique_clones
		FROM download_daily WHERE repo = ? ORDER BY day
	`, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var day DayCount
		if err := rows.Scan(&day.Day, &day.Clones, &day.UniqueClones); err != nil {
			return nil, err
		}
		out = append(out, day)
	}
	return out, rows.Err()
}
