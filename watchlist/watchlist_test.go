package watchlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dnldd/reversal/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

func writeWatchlist(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "watchlist.json")
	err := os.WriteFile(path, []byte(contents), 0o644)
	assert.NoError(t, err)

	return path
}

func TestLoad(t *testing.T) {
	path := writeWatchlist(t, `[
		{
			"symbol": "OOPSCO",
			"instrument_key": "NSE_EQ|A",
			"previous_close": 100.5,
			"situation": "gapdown"
		},
		{
			"symbol": "STRONGCO",
			"instrument_key": "NSE_EQ|B",
			"previous_close": 250,
			"situation": "gapup"
		}
	]`)

	records, err := Load(path, &log.Logger)
	assert.NoError(t, err)
	assert.Equal(t, len(records), 2)

	assert.Equal(t, records[0], shared.WatchlistRecord{
		Symbol:        "OOPSCO",
		InstrumentKey: "NSE_EQ|A",
		PreviousClose: 100.5,
		Hint:          shared.GapDownExpected,
	})
	assert.Equal(t, records[1], shared.WatchlistRecord{
		Symbol:        "STRONGCO",
		InstrumentKey: "NSE_EQ|B",
		PreviousClose: 250,
		Hint:          shared.GapUpExpected,
	})
}

func TestLoadSkipsMalformedRecords(t *testing.T) {
	path := writeWatchlist(t, `[
		{
			"symbol": "OOPSCO",
			"instrument_key": "NSE_EQ|A",
			"previous_close": 100,
			"situation": "gapdown"
		},
		{
			"symbol": "SIDEWAYSCO",
			"instrument_key": "NSE_EQ|B",
			"previous_close": 100,
			"situation": "sideways"
		},
		{
			"symbol": "",
			"instrument_key": "NSE_EQ|C",
			"previous_close": 100,
			"situation": "gapup"
		},
		{
			"symbol": "FREECO",
			"instrument_key": "NSE_EQ|D",
			"previous_close": 0,
			"situation": "gapup"
		},
		{
			"symbol": "DUPECO",
			"instrument_key": "NSE_EQ|A",
			"previous_close": 100,
			"situation": "gapup"
		}
	]`)

	// Ensure unknown situations, missing identities, non-positive closes
	// and duplicate keys are skipped while the rest load.
	records, err := Load(path, &log.Logger)
	assert.NoError(t, err)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Symbol, "OOPSCO")
}

func TestLoadRejectsNonArrayFiles(t *testing.T) {
	path := writeWatchlist(t, `{"symbol": "OOPSCO"}`)

	_, err := Load(path, &log.Logger)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), &log.Logger)
	assert.Error(t, err)
}
