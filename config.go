package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the configuration struct for the service.
type Config struct {
	// WatchlistPath is the filepath to the candidate watchlist.
	WatchlistPath string
	// FeedURL is the websocket endpoint of the market data feed.
	FeedURL string
	// FeedAccessToken authorizes the market data feed connection.
	FeedAccessToken string
	// MarketOpen is the market open time (HH:MM).
	MarketOpen string
	// PrepLead is the duration before market open for the prep phase.
	PrepLead time.Duration
	// EntryWindow is the duration after market open until entry arming.
	EntryWindow time.Duration
	// EndOfDay is the hard shutdown time (HH:MM).
	EndOfDay string
	// FlatGapThreshold is the absolute gap fraction below which a stock is
	// rejected as flat.
	FlatGapThreshold float64
	// MaxGapUp is the upper cap on gap-up magnitude for strong start
	// eligibility.
	MaxGapUp float64
	// LowViolationFrac is the fraction below the open that constitutes a
	// low violation.
	LowViolationFrac float64
	// StopLossFrac is the fraction below entry at which the stop loss is set.
	StopLossFrac float64
	// ProfitTriggerFrac is the profit fraction at which the stop loss is
	// trailed to break even.
	ProfitTriggerFrac float64
	// PositionCap is the maximum number of concurrent entered positions.
	PositionCap int
	// TimeZone is the market time zone identifier.
	TimeZone string
	// TradeLogDir is the directory the trade ledger is written to.
	TradeLogDir string
	// DBEndpoint is the optional trade database endpoint.
	DBEndpoint string
	// DBUser is the database user.
	DBUser string
	// DBPass is the database user pass.
	DBPass string

	registeredFlags map[string]bool
}

// Validate asserts the config has sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.WatchlistPath == "" {
		errs = errors.Join(errs, fmt.Errorf("watchlist path cannot be an empty string"))
	}
	if cfg.FeedURL == "" {
		errs = errors.Join(errs, fmt.Errorf("feed url cannot be an empty string"))
	}
	if cfg.FeedAccessToken == "" {
		errs = errors.Join(errs, fmt.Errorf("feed access token cannot be an empty string"))
	}
	if _, err := time.Parse("15:04", cfg.MarketOpen); err != nil {
		errs = errors.Join(errs, fmt.Errorf("parsing market open: %v", err))
	}
	if _, err := time.Parse("15:04", cfg.EndOfDay); err != nil {
		errs = errors.Join(errs, fmt.Errorf("parsing end of day: %v", err))
	}
	if cfg.PrepLead <= 0 {
		errs = errors.Join(errs, fmt.Errorf("prep lead must be positive"))
	}
	if cfg.EntryWindow <= 0 {
		errs = errors.Join(errs, fmt.Errorf("entry window must be positive"))
	}
	if cfg.FlatGapThreshold <= 0 {
		errs = errors.Join(errs, fmt.Errorf("flat gap threshold must be positive"))
	}
	if cfg.MaxGapUp <= cfg.FlatGapThreshold {
		errs = errors.Join(errs, fmt.Errorf("max gap up must exceed the flat gap threshold"))
	}
	if cfg.LowViolationFrac <= 0 {
		errs = errors.Join(errs, fmt.Errorf("low violation fraction must be positive"))
	}
	if cfg.StopLossFrac <= 0 || cfg.StopLossFrac >= 1 {
		errs = errors.Join(errs, fmt.Errorf("stop loss fraction must be in (0, 1)"))
	}
	if cfg.ProfitTriggerFrac <= 0 {
		errs = errors.Join(errs, fmt.Errorf("profit trigger fraction must be positive"))
	}
	if cfg.PositionCap <= 0 {
		errs = errors.Join(errs, fmt.Errorf("position cap must be positive"))
	}
	if _, err := time.LoadLocation(cfg.TimeZone); err != nil {
		errs = errors.Join(errs, fmt.Errorf("loading time zone: %v", err))
	}
	if cfg.TradeLogDir == "" {
		errs = errors.Join(errs, fmt.Errorf("trade log directory cannot be an empty string"))
	}

	return errs
}

// registerFlag registers command line arguments of any type and tracks
// them to avoid reregistration. The fallback is used when the matching
// environment variable is unset.
func (cfg *Config) registerFlag(name string, value interface{}, fallback string, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	if defValue == "" {
		defValue = fallback
	}

	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch {
	case val.Elem().Type() == reflect.TypeOf(time.Duration(0)):
		var def time.Duration
		if defValue != "" {
			parsed, err := time.ParseDuration(defValue)
			if err != nil {
				return fmt.Errorf("%s: parsing duration: %w", name, err)
			}
			def = parsed
		}
		flag.DurationVar(value.(*time.Duration), name, def, usage)
	case val.Elem().Kind() == reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case val.Elem().Kind() == reflect.Bool:
		var def bool
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case val.Elem().Kind() == reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case val.Elem().Kind() == reflect.Float64:
		var def float64
		if defValue != "" {
			def, _ = strconv.ParseFloat(defValue, 64)
		}
		flag.Float64Var(value.(*float64), name, def, usage)
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and
// command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Register command line arguments using loaded environment variables
	// as defaults.
	flags := []struct {
		name     string
		value    interface{}
		fallback string
		usage    string
	}{
		{"watchlistpath", &cfg.WatchlistPath, "", "the filepath to the candidate watchlist"},
		{"feedurl", &cfg.FeedURL, "", "the websocket endpoint of the market data feed"},
		{"feedaccesstoken", &cfg.FeedAccessToken, "", "the market data feed access token"},
		{"marketopen", &cfg.MarketOpen, "09:15", "the market open time (HH:MM)"},
		{"preplead", &cfg.PrepLead, "30s", "the duration before market open for the prep phase"},
		{"entrywindow", &cfg.EntryWindow, "4m", "the duration after market open until entry arming"},
		{"endofday", &cfg.EndOfDay, "15:15", "the hard shutdown time (HH:MM)"},
		{"flatgapthreshold", &cfg.FlatGapThreshold, "0.003", "the flat gap rejection threshold"},
		{"maxgapup", &cfg.MaxGapUp, "0.05", "the gap up cap for strong start eligibility"},
		{"lowviolationfrac", &cfg.LowViolationFrac, "0.01", "the low violation fraction below the open"},
		{"stoplossfrac", &cfg.StopLossFrac, "0.04", "the stop loss fraction below entry"},
		{"profittriggerfrac", &cfg.ProfitTriggerFrac, "0.05", "the profit fraction that trails the stop to break even"},
		{"positioncap", &cfg.PositionCap, "2", "the maximum concurrent entered positions"},
		{"timezone", &cfg.TimeZone, "Asia/Kolkata", "the market time zone identifier"},
		{"tradelogdir", &cfg.TradeLogDir, "logs/trades", "the trade ledger directory"},
		{"dbendpoint", &cfg.DBEndpoint, "", "the optional trade database endpoint"},
		{"dbuser", &cfg.DBUser, "", "the trade database user"},
		{"dbpass", &cfg.DBPass, "", "the trade database pass"},
	}

	for idx := range flags {
		err = cfg.registerFlag(flags[idx].name, flags[idx].value,
			flags[idx].fallback, flags[idx].usage)
		if err != nil {
			return err
		}
	}

	// Parse command-line flags.
	flag.Parse()

	return cfg.Validate()
}
