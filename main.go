package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/dnldd/reversal/service"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Printf("loading config: %v", err)
		os.Exit(service.ExitConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reversalCfg := service.ReversalConfig{
		WatchlistPath:     cfg.WatchlistPath,
		FeedURL:           cfg.FeedURL,
		FeedAccessToken:   cfg.FeedAccessToken,
		MarketOpen:        cfg.MarketOpen,
		PrepLead:          cfg.PrepLead,
		EntryWindow:       cfg.EntryWindow,
		EndOfDay:          cfg.EndOfDay,
		FlatGapThreshold:  cfg.FlatGapThreshold,
		MaxGapUp:          cfg.MaxGapUp,
		LowViolationFrac:  cfg.LowViolationFrac,
		StopLossFrac:      cfg.StopLossFrac,
		ProfitTriggerFrac: cfg.ProfitTriggerFrac,
		PositionCap:       cfg.PositionCap,
		TimeZone:          cfg.TimeZone,
		TradeLogDir:       cfg.TradeLogDir,
		DBEndpoint:        cfg.DBEndpoint,
		DBUser:            cfg.DBUser,
		DBPass:            cfg.DBPass,
		Cancel:            cancel,
	}
	reversal, err := service.NewReversal(&reversalCfg)
	if err != nil {
		log.Printf("creating reversal service: %v", err)
		os.Exit(service.ExitConfig)
	}

	go handleTermination(ctx, cancel)
	reversal.Run(ctx)

	os.Exit(reversal.ExitCode())
}
