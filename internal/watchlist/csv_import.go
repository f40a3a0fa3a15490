package watchlist

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// maxImportBytes caps the uploaded CSV body.
	maxImportBytes = 1 << 20
	// maxImportRows caps data rows per import.
	maxImportRows = 500
)

// ErrImportTooLarge is returned when the CSV exceeds the byte cap.
var ErrImportTooLarge = errors.New("watchlist: csv import exceeds 1 MiB")

// ErrTooManyRows is returned when the CSV exceeds the row cap.
var ErrTooManyRows = errors.New("watchlist: csv import exceeds 500 rows")

// ImportResult summarises one CSV import.
type ImportResult struct {
	Added   []string `json:"added"`
	Skipped []string `json:"skipped"`
	Errors  []string `json:"errors"`
}

// ImportCSV reads "ticker[,name[,market]]" rows and adds each valid
// ticker to the watchlist. A header row starting with "ticker" is
// skipped. Invalid rows are reported, not fatal.
func (r *Repository) ImportCSV(ctx context.Context, watchlistID int64, reader io.Reader) (*ImportResult, error) {
	limited := &io.LimitedReader{R: reader, N: maxImportBytes + 1}
	cr := csv.NewReader(limited)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	result := &ImportResult{}
	rows := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse csv: %w", err)
		}
		if limited.N <= 0 {
			return nil, ErrImportTooLarge
		}
		if len(record) == 0 {
			continue
		}
		first := strings.TrimSpace(record[0])
		if first == "" {
			continue
		}
		if rows == 0 && strings.EqualFold(first, "ticker") {
			continue
		}

		rows++
		if rows > maxImportRows {
			return nil, ErrTooManyRows
		}

		name, market := "", ""
		if len(record) > 1 {
			name = strings.TrimSpace(record[1])
		}
		if len(record) > 2 {
			market = strings.ToUpper(strings.TrimSpace(record[2]))
		}

		ticker, err := r.AddStock(ctx, watchlistID, first, name, market)
		if err != nil {
			if errors.Is(err, ErrInvalidTicker) {
				result.Skipped = append(result.Skipped, first)
			} else {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", first, err))
			}
			continue
		}
		result.Added = append(result.Added, ticker)
	}
	return result, nil
}
