// Package settings provides the key-value settings repository. Settings
// are runtime-mutable configuration (refresh intervals, alert sound,
// provider selection) stored as strings and converted on read. Values
// here take precedence over environment variables.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Well-known keys.
const (
	KeyAlertSoundType       = "alert_sound_type"
	KeyPriceRefreshInterval = "price_refresh_interval"
	KeyPrimaryDataProvider  = "primary_data_provider"
)

// Repository handles settings table operations. Multi-statement
// read-modify-write sequences hold mu so two concurrent updaters cannot
// interleave between the read and the write; cross-process callers are
// serialised by the store's write lock.
type Repository struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewRepository creates a new settings repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting value by key. Returns nil when the setting
// doesn't exist (not an error).
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set sets a setting value. The description is optional.
func (r *Repository) Set(key, value string, description *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(key, value, description)
}

func (r *Repository) setLocked(key, value string, description *string) error {
	now := time.Now().Unix()
	if description != nil {
		_, err := r.db.Exec(`
			INSERT INTO settings (key, value, description, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				description = excluded.description,
				updated_at = excluded.updated_at
		`, key, value, *description, now)
		return err
	}
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

// SetDefault writes the value only when the key is absent. The check
// and write run under mu so concurrent boots install a single default.
func (r *Repository) SetDefault(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.Get(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return r.setLocked(key, value, nil)
}

// GetAll retrieves all settings as a map.
func (r *Repository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}
	return result, nil
}

// GetInt retrieves a setting as an integer, tolerating "12.0" strings.
func (r *Repository) GetInt(key string, defaultValue int) (int, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}
	floatVal, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Str("value", *value).Msg("Failed to parse int setting")
		return defaultValue, nil
	}
	return int(floatVal), nil
}

// SetInt sets an integer setting.
func (r *Repository) SetInt(key string, value int) error {
	return r.Set(key, strconv.Itoa(value), nil)
}

// GetFloat retrieves a setting as float64.
func (r *Repository) GetFloat(key string, defaultValue float64) (float64, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}
	floatVal, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Str("value", *value).Msg("Failed to parse float setting")
		return defaultValue, nil
	}
	return floatVal, nil
}

// GetBool retrieves a setting as boolean. Truthy values: "true", "1",
// "yes", "on".
func (r *Repository) GetBool(key string, defaultValue bool) (bool, error) {
	value, err := r.Get(key)
	if err != nil {
		return defaultValue, err
	}
	if value == nil {
		return defaultValue, nil
	}
	lower := strings.ToLower(*value)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on", nil
}

// Delete deletes a setting. Idempotent.
func (r *Repository) Delete(key string) error {
	_, err := r.db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// GlobalAlertSound returns the configured global alert sound. A missing
// or corrupt value, or the literal "default", falls back to "chime" so
// resolved alert payloads never carry "default".
func (r *Repository) GlobalAlertSound() string {
	value, err := r.Get(KeyAlertSoundType)
	if err != nil || value == nil {
		return "chime"
	}
	switch *value {
	case "chime", "alarm", "silent":
		return *value
	default:
		return "chime"
	}
}
