package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/reversal/database"
	"github.com/dnldd/reversal/engine"
	"github.com/dnldd/reversal/feed"
	"github.com/dnldd/reversal/session"
	"github.com/dnldd/reversal/shared"
	"github.com/dnldd/reversal/subscription"
	"github.com/dnldd/reversal/trade"
	"github.com/dnldd/reversal/watchlist"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.uber.org/atomic"
)

// Exit codes reported by the service.
const (
	ExitOK       = 0
	ExitConfig   = 1
	ExitProtocol = 2
)

// ReversalConfig represents the configuration struct for the reversal
// service.
type ReversalConfig struct {
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
	// Cancel is the context cancellation function.
	Cancel context.CancelFunc
}

// Validate asserts the config has sane inputs.
func (cfg *ReversalConfig) Validate() error {
	var errs error

	if cfg.WatchlistPath == "" {
		errs = errors.Join(errs, fmt.Errorf("watchlist path cannot be an empty string"))
	}
	if cfg.FeedURL == "" {
		errs = errors.Join(errs, fmt.Errorf("feed url cannot be an empty string"))
	}
	if cfg.PositionCap <= 0 {
		errs = errors.Join(errs, fmt.Errorf("position cap must be positive"))
	}
	if cfg.Cancel == nil {
		errs = errors.Join(errs, fmt.Errorf("context cancellation function cannot be nil"))
	}

	return errs
}

// Reversal represents the intraday gap reversal trading service.
type Reversal struct {
	cfg                 *ReversalConfig
	tickEngine          *engine.Engine
	subscriptionManager *subscription.Manager
	tradeManager        *trade.Manager
	sessionScheduler    *session.Scheduler
	feedClient          *feed.Client
	db                  *database.Database
	location            *time.Location
	exitCode            *atomic.Int32
	logger              *zerolog.Logger
	wg                  sync.WaitGroup
}

// NewReversal initializes a new reversal service.
func NewReversal(cfg *ReversalConfig) (*Reversal, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	var tickEngine *engine.Engine
	var subscriptionMgr *subscription.Manager
	var tradeMgr *trade.Manager
	var db *database.Database

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "reversal").Logger()
	exitCode := atomic.NewInt32(ExitOK)

	_, loc, err := shared.MarketTime(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("fetching market time: %w", err)
	}

	if cfg.DBEndpoint != "" {
		dbLogger := logger.With().Str("component", "database").Logger()
		db, err = database.NewDatabase(context.Background(), &database.DatabaseConfig{
			Endpoint: cfg.DBEndpoint,
			User:     cfg.DBUser,
			Pass:     cfg.DBPass,
			TimeZone: cfg.TimeZone,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %w", err)
		}
	}

	relayTickFunc := func(tick shared.Tick) {
		if tickEngine != nil {
			tickEngine.SendTick(tick)
		}
	}

	feedLogger := logger.With().Str("component", "feed").Logger()
	feedClient := feed.NewClient(&feed.ClientConfig{
		URL:         cfg.FeedURL,
		AccessToken: cfg.FeedAccessToken,
		OnTick:      relayTickFunc,
		Logger:      &feedLogger,
	})

	notifyLifecycleEventFunc := func(event shared.LifecycleEvent) {
		if subscriptionMgr != nil {
			subscriptionMgr.SendLifecycleEvent(event)
		}
	}

	notifyTradeFunc := func(record shared.TradeRecord) {
		if tradeMgr != nil {
			tradeMgr.SendTradeRecord(record)
		}
	}

	reportFatalFunc := func(err error) {
		exitCode.Store(ExitProtocol)
		cfg.Cancel()
	}

	engineLogger := logger.With().Str("component", "engine").Logger()
	tickEngine = engine.NewEngine(&engine.EngineConfig{
		FlatGapThreshold:     cfg.FlatGapThreshold,
		MaxGapUp:             cfg.MaxGapUp,
		LowViolationFrac:     cfg.LowViolationFrac,
		StopLossFrac:         cfg.StopLossFrac,
		ProfitTriggerFrac:    cfg.ProfitTriggerFrac,
		PositionCap:          cfg.PositionCap,
		NotifyLifecycleEvent: notifyLifecycleEventFunc,
		NotifyTrade:          notifyTradeFunc,
		ReportFatal:          reportFatalFunc,
		Logger:               &engineLogger,
	})

	subscriptionMgrLogger := logger.With().Str("component", "subscriptionmanager").Logger()
	subscriptionMgr = subscription.NewManager(&subscription.ManagerConfig{
		Streamer:            feedClient,
		PositionCap:         cfg.PositionCap,
		EnteredCount:        tickEngine.EnteredCount,
		MonitoringEntryKeys: tickEngine.MonitoringEntryKeys,
		MarkSubscribed:      tickEngine.MarkSubscribed,
		MarkUnsubscribed:    tickEngine.MarkUnsubscribed,
		Logger:              &subscriptionMgrLogger,
	})

	persistClosedTradeFunc := func(trd *trade.Trade) error {
		if db == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		return db.PersistClosedTrade(ctx, trd)
	}

	tradeMgrLogger := logger.With().Str("component", "trademanager").Logger()
	tradeMgr = trade.NewManager(&trade.ManagerConfig{
		TradeLogDir:        cfg.TradeLogDir,
		PersistClosedTrade: persistClosedTradeFunc,
		Logger:             &tradeMgrLogger,
	})

	watchlistLogger := logger.With().Str("component", "watchlist").Logger()
	loadWatchlistFunc := func() ([]shared.WatchlistRecord, error) {
		return watchlist.Load(cfg.WatchlistPath, &watchlistLogger)
	}

	schedulerLogger := logger.With().Str("component", "sessionscheduler").Logger()
	sessionScheduler, err := session.NewScheduler(&session.SchedulerConfig{
		MarketOpen:         cfg.MarketOpen,
		PrepLead:           cfg.PrepLead,
		EntryWindow:        cfg.EntryWindow,
		EndOfDay:           cfg.EndOfDay,
		PositionCap:        cfg.PositionCap,
		LoadWatchlist:      loadWatchlistFunc,
		AdmitStock:         tickEngine.AddStock,
		InstrumentKeys:     tickEngine.InstrumentKeys,
		RegisterKeys:       feedClient.RegisterKeys,
		SubscribeAll:       subscriptionMgr.Subscribe,
		UnsubscribeAll:     subscriptionMgr.UnsubscribeAll,
		BeginMonitoring:    tickEngine.BeginMonitoringPhase,
		RejectMissingOpens: tickEngine.RejectMissingOpens,
		QualifiedStocks:    tickEngine.QualifiedStocks,
		Select:             session.RankByGap(cfg.PositionCap),
		ApplySelection:     tickEngine.ApplySelection,
		Halt:               tickEngine.Halt,
		FinalizeAll:        tickEngine.FinalizeAll,
		SessionSummary:     tickEngine.SessionSummary,
		Cancel:             cfg.Cancel,
		Location:           loc,
		JobScheduler:       gocron.NewScheduler(loc),
		Logger:             &schedulerLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session scheduler: %w", err)
	}

	service := &Reversal{
		cfg:                 cfg,
		tickEngine:          tickEngine,
		subscriptionManager: subscriptionMgr,
		tradeManager:        tradeMgr,
		sessionScheduler:    sessionScheduler,
		feedClient:          feedClient,
		db:                  db,
		location:            loc,
		exitCode:            exitCode,
		logger:              &logger,
	}

	return service, nil
}

// ExitCode returns the exit code the process should terminate with.
func (r *Reversal) ExitCode() int {
	return int(r.exitCode.Load())
}

// Run handles the lifecycle processes of the reversal service.
func (r *Reversal) Run(ctx context.Context) {
	r.wg.Add(5)

	go func() {
		r.tradeManager.Run(ctx)
		r.wg.Done()
	}()

	go func() {
		r.subscriptionManager.Run(ctx)
		r.wg.Done()
	}()

	go func() {
		r.tickEngine.Run(ctx)
		r.wg.Done()
	}()

	go func() {
		r.feedClient.Run(ctx)
		r.wg.Done()
	}()

	go func() {
		err := r.sessionScheduler.Run(ctx)
		if err != nil {
			r.logger.Error().Msgf("running session scheduler: %v", err)
			r.exitCode.CompareAndSwap(ExitOK, ExitConfig)
			r.cfg.Cancel()
		}
		r.wg.Done()
	}()

	r.wg.Wait()

	now := time.Now().In(r.location)
	err := r.tradeManager.PersistTradesCSV(now)
	if err != nil {
		r.logger.Error().Msgf("persisting trades: %v", err)
		return
	}

	r.logger.Info().Msg("session done, review trades csv for performance")
}
