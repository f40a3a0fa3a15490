package ratings

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// In-memory databases are per-connection.
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func f64Ptr(f float64) *float64 { return &f }

func TestUpdatePricesDoesNotTouchAnalytics(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	ctx := context.Background()

	err := repo.UpsertAnalytics(ctx, Analytics{
		Ticker:     "AAPL",
		Rating:     "BUY",
		Score:      82,
		Confidence: 74,
		RSI:        f64Ptr(61.5),
		Summary:    "Strong momentum",
	})
	require.NoError(t, err)

	affected, err := repo.UpdatePrices(ctx, []PriceUpdate{
		{Ticker: "AAPL", Price: 203.41, Change: 3.41, ChangePct: 1.7},
		{Ticker: "MSFT", Price: 410.00, Change: -2.00, ChangePct: -0.49},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, affected, int64(2))

	got, err := repo.Get(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Price columns updated.
	require.NotNil(t, got.CurrentPrice)
	assert.Equal(t, 203.41, *got.CurrentPrice)
	require.NotNil(t, got.PriceChangePct)
	assert.Equal(t, 1.7, *got.PriceChangePct)

	// Analytics columns survived the price upsert.
	require.NotNil(t, got.Rating)
	assert.Equal(t, "BUY", *got.Rating)
	require.NotNil(t, got.Score)
	assert.Equal(t, 82.0, *got.Score)
	require.NotNil(t, got.RSI)
	assert.Equal(t, 61.5, *got.RSI)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "Strong momentum", *got.Summary)
}

func TestUpsertAnalyticsDoesNotTouchPrices(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	ctx := context.Background()

	_, err := repo.UpdatePrices(ctx, []PriceUpdate{
		{Ticker: "NVDA", Price: 130.10, Change: 1.10, ChangePct: 0.85},
	})
	require.NoError(t, err)

	err = repo.UpsertAnalytics(ctx, Analytics{
		Ticker: "NVDA", Rating: "HOLD", Score: 55, Confidence: 60, Summary: "Range bound",
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "NVDA")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.CurrentPrice)
	assert.Equal(t, 130.10, *got.CurrentPrice)
	require.NotNil(t, got.Rating)
	assert.Equal(t, "HOLD", *got.Rating)
}

func TestCurrentPrice(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	ctx := context.Background()

	_, _, ok, err := repo.CurrentPrice(ctx, "MISSING")
	require.NoError(t, err)
	assert.False(t, ok)

	// Analytics-only row has no price yet.
	require.NoError(t, repo.UpsertAnalytics(ctx, Analytics{Ticker: "AMD", Rating: "BUY"}))
	_, _, ok, err = repo.CurrentPrice(ctx, "AMD")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.UpdatePrices(ctx, []PriceUpdate{{Ticker: "AMD", Price: 160.5, ChangePct: 2.1}})
	require.NoError(t, err)

	price, pct, ok, err := repo.CurrentPrice(ctx, "AMD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 160.5, price)
	assert.Equal(t, 2.1, pct)
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	got, err := repo.Get(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Nil(t, got)
}
