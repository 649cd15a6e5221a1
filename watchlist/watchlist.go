package watchlist

import (
	"fmt"
	"os"

	"github.com/dnldd/reversal/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Situation hint values recognized in watchlist files.
const (
	gapDownHint = "gapdown"
	gapUpHint   = "gapup"
)

// Load reads candidate stock records from the provided json watchlist
// file. The file holds an array of objects with symbol, instrument_key,
// previous_close and situation fields. Malformed records are skipped with
// a warning, the rest of the file is still loaded.
func Load(path string, logger *zerolog.Logger) ([]shared.WatchlistRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading watchlist: %w", err)
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("watchlist %s: expected a json array", path)
	}

	entries := parsed.Array()
	records := make([]shared.WatchlistRecord, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for idx := range entries {
		entry := entries[idx]

		record := shared.WatchlistRecord{
			Symbol:        entry.Get("symbol").String(),
			InstrumentKey: entry.Get("instrument_key").String(),
			PreviousClose: entry.Get("previous_close").Float(),
		}

		switch entry.Get("situation").String() {
		case gapDownHint:
			record.Hint = shared.GapDownExpected
		case gapUpHint:
			record.Hint = shared.GapUpExpected
		default:
			logger.Warn().Msgf("skipping watchlist record %d: unknown situation %q",
				idx, entry.Get("situation").String())
			continue
		}

		if record.Symbol == "" || record.InstrumentKey == "" {
			logger.Warn().Msgf("skipping watchlist record %d: missing symbol or "+
				"instrument key", idx)
			continue
		}

		if record.PreviousClose <= 0 {
			logger.Warn().Msgf("skipping watchlist record %s: previous close must "+
				"be positive, got %f", record.Symbol, record.PreviousClose)
			continue
		}

		if seen[record.InstrumentKey] {
			logger.Warn().Msgf("skipping watchlist record %s: duplicate instrument "+
				"key %s", record.Symbol, record.InstrumentKey)
			continue
		}

		seen[record.InstrumentKey] = true
		records = append(records, record)
	}

	return records, nil
}
