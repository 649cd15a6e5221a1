package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/reversal/engine"
	"github.com/dnldd/reversal/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// SchedulerConfig represents the session scheduler configuration.
type SchedulerConfig struct {
	// MarketOpen is the market open time (HH:MM) in the market time zone.
	MarketOpen string
	// PrepLead is the duration before market open for the prep phase.
	PrepLead time.Duration
	// EntryWindow is the duration after market open until entry arming.
	EntryWindow time.Duration
	// EndOfDay is the hard shutdown time (HH:MM).
	EndOfDay string
	// PositionCap is the maximum number of concurrent entered positions.
	PositionCap int
	// LoadWatchlist loads the candidate stock records for the session.
	LoadWatchlist func() ([]shared.WatchlistRecord, error)
	// AdmitStock admits the provided watchlist record for tracking.
	AdmitStock func(record shared.WatchlistRecord) error
	// InstrumentKeys returns the instrument keys of all tracked stocks.
	InstrumentKeys func() []string
	// RegisterKeys hands the instrument key set to the feed ahead of the
	// open, without subscribing.
	RegisterKeys func(instrumentKeys []string)
	// SubscribeAll subscribes the provided stocks at the open.
	SubscribeAll func(instrumentKeys []string)
	// UnsubscribeAll removes everything still streamed.
	UnsubscribeAll func(reason string)
	// BeginMonitoring enables low violation checks and qualification.
	BeginMonitoring func()
	// RejectMissingOpens rejects stocks without an open tick.
	RejectMissingOpens func(now time.Time)
	// QualifiedStocks returns the stocks eligible for selection.
	QualifiedStocks func() []shared.QualifiedStock
	// Select ranks the qualified stocks, returning at most the position
	// cap of them.
	Select shared.SelectionFunc
	// ApplySelection applies the outcome of the selection pass.
	ApplySelection func(selected []string, now time.Time)
	// Halt stops new entries ahead of shutdown.
	Halt func()
	// FinalizeAll finalizes remaining stocks as unsubscribed.
	FinalizeAll func()
	// SessionSummary aggregates the session outcome.
	SessionSummary func() engine.Summary
	// Cancel is the context cancellation function for the service.
	Cancel context.CancelFunc
	// Location is the market time zone.
	Location *time.Location
	// JobScheduler runs the time gated session jobs.
	JobScheduler *gocron.Scheduler
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config has sane inputs.
func (cfg *SchedulerConfig) Validate() error {
	var errs error

	if cfg.MarketOpen == "" {
		errs = errors.Join(errs, fmt.Errorf("market open cannot be an empty string"))
	}
	if cfg.EndOfDay == "" {
		errs = errors.Join(errs, fmt.Errorf("end of day cannot be an empty string"))
	}
	if cfg.PrepLead <= 0 {
		errs = errors.Join(errs, fmt.Errorf("prep lead must be positive"))
	}
	if cfg.EntryWindow <= 0 {
		errs = errors.Join(errs, fmt.Errorf("entry window must be positive"))
	}
	if cfg.PositionCap <= 0 {
		errs = errors.Join(errs, fmt.Errorf("position cap must be positive"))
	}
	if cfg.LoadWatchlist == nil {
		errs = errors.Join(errs, fmt.Errorf("watchlist loader cannot be nil"))
	}
	if cfg.JobScheduler == nil {
		errs = errors.Join(errs, fmt.Errorf("job scheduler cannot be nil"))
	}
	if cfg.Location == nil {
		errs = errors.Join(errs, fmt.Errorf("location cannot be nil"))
	}

	return errs
}

// Scheduler drives the session timeline. It never touches stock state
// directly, all business rules live in the stock transition methods it
// triggers through the tick engine.
type Scheduler struct {
	cfg *SchedulerConfig
}

// NewScheduler initializes a new session scheduler.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &Scheduler{cfg: cfg}, nil
}

// admitWatchlist loads the watchlist and admits each record. Records that
// fail admission are skipped, the session continues with the rest.
func (s *Scheduler) admitWatchlist() error {
	records, err := s.cfg.LoadWatchlist()
	if err != nil {
		return fmt.Errorf("loading watchlist: %w", err)
	}

	var admitted int
	for idx := range records {
		err := s.cfg.AdmitStock(records[idx])
		if err != nil {
			s.cfg.Logger.Warn().Msgf("skipping watchlist record %s: %v",
				records[idx].Symbol, err)
			continue
		}
		admitted++
	}

	if admitted == 0 {
		return fmt.Errorf("no watchlist records admitted")
	}

	s.cfg.Logger.Info().Msgf("admitted %d of %d watchlist records", admitted,
		len(records))

	return nil
}

// runPrep hands the full instrument key set to the feed without
// subscribing yet.
func (s *Scheduler) runPrep() {
	keys := s.cfg.InstrumentKeys()
	s.cfg.Logger.Info().Msgf("prep phase: registering %d instrument keys", len(keys))
	s.cfg.RegisterKeys(keys)
}

// runOpen subscribes the full set at the open. The first tick per stock
// captures its open and validates its gap.
func (s *Scheduler) runOpen() {
	keys := s.cfg.InstrumentKeys()
	s.cfg.Logger.Info().Msgf("open phase: subscribing %d stocks", len(keys))
	s.cfg.SubscribeAll(keys)
	s.cfg.BeginMonitoring()
}

// runArmEntry runs the selection pass at the end of the entry window and
// arms the selected stocks.
func (s *Scheduler) runArmEntry() {
	now := time.Now().In(s.cfg.Location)

	s.cfg.RejectMissingOpens(now)

	candidates := s.cfg.QualifiedStocks()
	s.cfg.Logger.Info().Msgf("arm entry phase: %d qualified candidates",
		len(candidates))

	var selected []string
	if s.cfg.Select != nil {
		selected = s.cfg.Select(candidates)
	}
	if len(selected) > s.cfg.PositionCap {
		selected = selected[:s.cfg.PositionCap]
	}

	s.cfg.ApplySelection(selected, now)
}

// runShutdown halts entries, unsubscribes everything and emits the
// session summary.
func (s *Scheduler) runShutdown() {
	s.cfg.Logger.Info().Msg("shutdown phase: halting session")

	s.cfg.Halt()
	s.cfg.UnsubscribeAll("end of session")
	s.cfg.FinalizeAll()

	summary := s.cfg.SessionSummary()
	s.cfg.Logger.Info().Msgf("session summary: %v, aggregate pnl %+.2f%%, "+
		"dropped ticks %d, unknown ticks %d", summary.Counts,
		summary.AggregatePNL, summary.DroppedTicks, summary.UnknownTicks)
	s.cfg.Logger.Debug().Msg(spew.Sdump(summary))

	s.cfg.Cancel()
}

// scheduleAt registers a one shot job for the provided time of day.
func (s *Scheduler) scheduleAt(at time.Time, job func()) error {
	_, err := s.cfg.JobScheduler.Every(1).Day().At(at.Format("15:04:05")).
		LimitRunsTo(1).Do(job)
	if err != nil {
		return fmt.Errorf("scheduling job at %s: %w", at.Format("15:04:05"), err)
	}

	return nil
}

// Run manages the lifecycle processes of the session scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	err := s.admitWatchlist()
	if err != nil {
		return err
	}

	now := time.Now().In(s.cfg.Location)

	open, err := shared.SessionTime(s.cfg.MarketOpen, now)
	if err != nil {
		return fmt.Errorf("resolving market open: %w", err)
	}

	end, err := shared.SessionTime(s.cfg.EndOfDay, now)
	if err != nil {
		return fmt.Errorf("resolving end of day: %w", err)
	}

	err = s.scheduleAt(open.Add(-s.cfg.PrepLead), s.runPrep)
	if err != nil {
		return err
	}
	err = s.scheduleAt(open, s.runOpen)
	if err != nil {
		return err
	}
	err = s.scheduleAt(open.Add(s.cfg.EntryWindow), s.runArmEntry)
	if err != nil {
		return err
	}
	err = s.scheduleAt(end, s.runShutdown)
	if err != nil {
		return err
	}

	s.cfg.JobScheduler.StartAsync()

	<-ctx.Done()
	s.cfg.JobScheduler.Stop()

	return nil
}
