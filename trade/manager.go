package trade

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 256
)

// ManagerConfig represents the trade manager configuration.
type ManagerConfig struct {
	// TradeLogDir is the directory the trade ledger is written to.
	TradeLogDir string
	// PersistClosedTrade persists the provided closed trade. Optional.
	PersistClosedTrade func(trade *Trade) error
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Manager books simulated trades from entry and exit notifications.
type Manager struct {
	cfg       *ManagerConfig
	trades    []*Trade
	tradesMtx sync.RWMutex
	records   chan shared.TradeRecord
}

// NewManager initializes a new trade manager.
func NewManager(cfg *ManagerConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		trades:  []*Trade{},
		records: make(chan shared.TradeRecord, bufferSize),
	}
}

// SendTradeRecord relays the provided trade record for processing. Entry
// and exit records are critical and are never dropped, the send blocks if
// the channel is at capacity.
func (m *Manager) SendTradeRecord(record shared.TradeRecord) {
	if len(m.records) == cap(m.records) {
		m.cfg.Logger.Warn().Msgf("trade record channel at capacity: %d/%d",
			len(m.records), bufferSize)
	}

	m.records <- record
}

// handleEntryRecord books a new open trade from the provided record.
func (m *Manager) handleEntryRecord(record *shared.TradeRecord) {
	trd, err := NewTrade(record)
	if err != nil {
		m.cfg.Logger.Error().Msgf("creating trade: %v", err)
		return
	}

	m.tradesMtx.Lock()
	m.trades = append(m.trades, trd)
	m.tradesMtx.Unlock()

	m.cfg.Logger.Info().Msgf("booked trade (%s) for %s @ %.2f with stoploss %.2f",
		trd.ID, trd.Symbol, trd.EntryPrice, trd.StopLoss)
}

// handleExitRecord closes the open trade matching the provided record.
func (m *Manager) handleExitRecord(record *shared.TradeRecord) {
	m.tradesMtx.Lock()
	defer m.tradesMtx.Unlock()

	for idx := range m.trades {
		trd := m.trades[idx]
		if trd.Symbol != record.Symbol || trd.Status != Open {
			continue
		}

		err := trd.Close(record)
		if err != nil {
			m.cfg.Logger.Error().Msgf("closing trade for %s: %v", record.Symbol, err)
			return
		}

		m.cfg.Logger.Info().Msgf("closed trade (%s) for %s @ %.2f, pnl %+.2f%%",
			trd.ID, trd.Symbol, trd.ExitPrice, trd.PNLPercent)

		if m.cfg.PersistClosedTrade != nil {
			err := m.cfg.PersistClosedTrade(trd)
			if err != nil {
				m.cfg.Logger.Error().Msgf("persisting trade for %s: %v",
					record.Symbol, err)
			}
		}

		return
	}

	m.cfg.Logger.Error().Msgf("no open trade found for %s exit", record.Symbol)
}

// Trades returns a copy of the booked trades.
func (m *Manager) Trades() []Trade {
	m.tradesMtx.RLock()
	defer m.tradesMtx.RUnlock()

	trades := make([]Trade, 0, len(m.trades))
	for idx := range m.trades {
		trades = append(trades, *m.trades[idx])
	}

	return trades
}

// PersistTradesCSV writes the session's trade ledger to a csv file in the
// configured trade log directory.
func (m *Manager) PersistTradesCSV(now time.Time) error {
	err := os.MkdirAll(m.cfg.TradeLogDir, 0o755)
	if err != nil {
		return fmt.Errorf("creating trade log directory: %w", err)
	}

	name := fmt.Sprintf("trades-%s.csv", now.Format("2006-01-02"))
	file, err := os.Create(filepath.Join(m.cfg.TradeLogDir, name))
	if err != nil {
		return fmt.Errorf("creating trade log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "symbol", "entryprice", "stoploss", "entrytime",
		"exitprice", "exittime", "pnlpercent", "status"}
	err = writer.Write(header)
	if err != nil {
		return fmt.Errorf("writing trade log header: %w", err)
	}

	m.tradesMtx.RLock()
	defer m.tradesMtx.RUnlock()

	for _, trd := range m.trades {
		row := []string{
			trd.ID,
			trd.Symbol,
			strconv.FormatFloat(trd.EntryPrice, 'f', 2, 64),
			strconv.FormatFloat(trd.StopLoss, 'f', 2, 64),
			trd.EntryTime.Format(time.RFC3339),
			strconv.FormatFloat(trd.ExitPrice, 'f', 2, 64),
			trd.ExitTime.Format(time.RFC3339),
			strconv.FormatFloat(trd.PNLPercent, 'f', 2, 64),
			trd.Status.String(),
		}

		err = writer.Write(row)
		if err != nil {
			return fmt.Errorf("writing trade log row: %w", err)
		}
	}

	return nil
}

// handleTradeRecord routes the provided trade record by its event kind.
func (m *Manager) handleTradeRecord(record *shared.TradeRecord) {
	switch record.Kind {
	case shared.EnteredEvent:
		m.handleEntryRecord(record)
	case shared.ExitedEvent:
		m.handleExitRecord(record)
	default:
		// do nothing.
	}
}

// Run manages the lifecycle processes of the trade manager. Buffered
// records are drained before returning, entry and exit records are
// critical and must reach the ledger.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case record := <-m.records:
					m.handleTradeRecord(&record)
				default:
					return
				}
			}
		case record := <-m.records:
			m.handleTradeRecord(&record)
		}
	}
}
