package database

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/dnldd/reversal/trade"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

const (
	// SQL statements.
	createTradeTableSQL   = "CREATE TABLE IF NOT EXISTS trade (id TEXT PRIMARY KEY, symbol TEXT, entryprice REAL, stoploss REAL, entrytime INTEGER, exitprice REAL, exittime INTEGER, pnlpercent REAL, status INTEGER)"
	createMetadataSQL     = "CREATE TABLE IF NOT EXISTS metadata (id TEXT PRIMARY KEY, total INTEGER, wins INTEGER, winpercent REAL, losses INTEGER, losspercent REAL, createdon INTEGER)"
	persistClosedTradeSQL = "INSERT INTO trade(id, symbol, entryprice, stoploss, entrytime, exitprice, exittime, pnlpercent, status) VALUES(?,?,?,?,?,?,?,?,?)"
	findMetadataSQL       = "SELECT * FROM metadata WHERE id = ?"
	updateMetadataSQL     = "UPDATE metadata SET total = total + 1, wins = wins + ?, winpercent = winpercent + ?, losses = losses + ?, losspercent = losspercent + ? WHERE id = ?"
	persistMetadataSQL    = "INSERT INTO metadata(id, total, wins, winpercent, losses, losspercent, createdon) VALUES(?,?,?,?,?,?,?)"
)

// TradeStorer defines the requirements for storing closed trades.
type TradeStorer interface {
	// PersistClosedTrade stores the provided closed trade to the database.
	PersistClosedTrade(ctx context.Context, trade *trade.Trade) error
}

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// TimeZone is the market time zone identifier.
	TimeZone string
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Database represents the database connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
}

// Ensure the database implements the TradeStorer interface.
var _ TradeStorer = (*Database)(nil)

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	httpc := &http.Client{Timeout: time.Second * 5}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	client.SetBasicAuth(cfg.User, cfg.Pass)

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	_, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createMetadataSQL},
		{SQL: createTradeTableSQL},
	}, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	return nil
}

// generateMetadataID generates deterministic ids for metadata using the
// current month, week and symbol.
func generateMetadataID(currentTime time.Time, symbol string) string {
	month := currentTime.Month().String()
	week := currentTime.Day() / 7

	id := fmt.Sprintf("%s-Week-%d-%s", month, week, symbol)
	return id
}

// PersistClosedTrade stores the provided closed trade to the database and
// folds it into the weekly win/loss metadata for its symbol.
func (db *Database) PersistClosedTrade(ctx context.Context, trd *trade.Trade) error {
	if trd.Status != trade.Closed {
		return fmt.Errorf("trade %s for %s is not closed", trd.ID, trd.Symbol)
	}

	_, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: persistClosedTradeSQL,
			PositionalParams: []any{
				trd.ID, trd.Symbol, trd.EntryPrice, trd.StopLoss,
				trd.EntryTime.Unix(), trd.ExitPrice, trd.ExitTime.Unix(),
				trd.PNLPercent, int(trd.Status),
			},
		},
	}, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return fmt.Errorf("persisting trade %s: %w", trd.ID, err)
	}

	err = db.updateMetadata(ctx, trd)
	if err != nil {
		return fmt.Errorf("updating metadata for %s: %w", trd.Symbol, err)
	}

	db.cfg.Logger.Info().Msgf("persisted closed trade %s for %s", trd.ID, trd.Symbol)

	return nil
}

// updateMetadata folds the provided closed trade into the weekly win/loss
// aggregate for its symbol.
func (db *Database) updateMetadata(ctx context.Context, trd *trade.Trade) error {
	var win, loss int
	var winpercent, losspercent float64

	switch {
	case trd.PNLPercent > 0:
		win++
		winpercent = trd.PNLPercent
	default:
		loss++
		losspercent = trd.PNLPercent
	}

	now, _, err := shared.MarketTime(db.cfg.TimeZone)
	if err != nil {
		return err
	}

	id := generateMetadataID(now, trd.Symbol)
	resp, err := db.client.QuerySingle(ctx, findMetadataSQL, id)
	if err != nil {
		return err
	}

	exists := len(resp.GetQueryResultsAssoc()) > 0
	switch {
	case exists:
		resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
			{
				SQL:              updateMetadataSQL,
				PositionalParams: []any{win, winpercent, loss, losspercent, id},
			},
		}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
		if err != nil {
			return err
		}
		has, idx, errStr := resp.HasError()
		if has {
			return fmt.Errorf("updating metadata %s: %d -> %s", id, idx, errStr)
		}
	default:
		resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
			{
				SQL:              persistMetadataSQL,
				PositionalParams: []any{id, 1, win, winpercent, loss, losspercent, now.Unix()},
			},
		}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
		if err != nil {
			return err
		}
		has, idx, errStr := resp.HasError()
		if has {
			return fmt.Errorf("persisting metadata %s: %d -> %s", id, idx, errStr)
		}
	}

	return nil
}
