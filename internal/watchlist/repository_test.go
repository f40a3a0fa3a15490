package watchlist

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
)

func setupRepo(t *testing.T) *Repository {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })
	return NewRepository(db, zerolog.Nop())
}

func TestNormalizeTicker(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"aapl", "AAPL", false},
		{" msft ", "MSFT", false},
		{"A", "A", false},
		{"GOOGL", "GOOGL", false},
		{"TOOLONG", "", true},
		{"BRK.B", "", true},
		{"12AB", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeTicker(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidTicker, tt.in)
		} else {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestEnsureDefaultIdempotent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.EnsureDefault(ctx))
	require.NoError(t, repo.EnsureDefault(ctx))

	lists, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, "Default", lists[0].Name)
}

func TestDeleteLastWatchlistRefused(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.EnsureDefault(ctx))

	lists, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, lists, 1)

	err = repo.Delete(ctx, lists[0].ID)
	assert.ErrorIs(t, err, ErrLastWatchlist)

	// With a second list present, deletion succeeds.
	second, err := repo.Create(ctx, "Growth")
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, second.ID))
}

func TestAddRemoveStock(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.EnsureDefault(ctx))
	lists, _ := repo.List(ctx)
	id := lists[0].ID

	ticker, err := repo.AddStock(ctx, id, "aapl", "Apple Inc", "US")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", ticker)

	// Re-adding is a no-op.
	_, err = repo.AddStock(ctx, id, "AAPL", "", "")
	require.NoError(t, err)

	stocks, err := repo.Stocks(ctx, id)
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, "Apple Inc", stocks[0].Name)

	tickers, err := repo.ActiveTickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, tickers)

	require.NoError(t, repo.RemoveStock(ctx, id, "AAPL"))
	tickers, err = repo.ActiveTickers(ctx)
	require.NoError(t, err)
	assert.Empty(t, tickers)
}

func TestImportCSV(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.EnsureDefault(ctx))
	lists, _ := repo.List(ctx)
	id := lists[0].ID

	csvBody := "ticker,name,market\nAAPL,Apple,US\nmsft,Microsoft,US\nBADTICKER,Nope,US\nNVDA\n"
	result, err := repo.ImportCSV(ctx, id, strings.NewReader(csvBody))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, result.Added)
	assert.Equal(t, []string{"BADTICKER"}, result.Skipped)
	assert.Empty(t, result.Errors)
}

func TestImportCSVRowCap(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.EnsureDefault(ctx))
	lists, _ := repo.List(ctx)

	var sb strings.Builder
	for i := 0; i < 501; i++ {
		sb.WriteString("AAPL\n")
	}
	_, err := repo.ImportCSV(ctx, lists[0].ID, strings.NewReader(sb.String()))
	assert.ErrorIs(t, err, ErrTooManyRows)
}
