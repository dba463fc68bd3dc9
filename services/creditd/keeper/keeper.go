package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"credx/crypto"
	nativecommon "credx/native/common"
	"credx/native/lending"
	"credx/observability/metrics"
)

// Outcomes recorded per loan visited by a sweep.
const (
	OutcomeRepaid  = "repaid"
	OutcomeNoYield = "no_yield"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Engine is the slice of the lending engine the keeper drives.
type Engine interface {
	LoanOwners() ([]crypto.Address, error)
	AutoRepay(relayer, owner crypto.Address) (*lending.RepayResult, error)
}

// Config tunes the sweep cadence.
type Config struct {
	Relayer       crypto.Address
	Interval      time.Duration
	RatePerSecond float64
	Burst         int
}

// Report summarises one sweep.
type Report struct {
	Visited int
	Repaid  int
	NoYield int
	Skipped int
	Failed  int
	Burned  uint64
}

// Keeper periodically applies AutoRepay to every open loan.
type Keeper struct {
	engine  Engine
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New constructs a keeper. The limiter paces AutoRepay calls so a sweep never
// monopolises the engine lock.
func New(engine Engine, cfg Config, logger *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		engine:  engine,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.With(slog.String("component", "keeper")),
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := k.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Warn("sweep aborted", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep visits every loan once.
func (k *Keeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	owners, err := k.engine.LoanOwners()
	if err != nil {
		return report, err
	}
	for _, owner := range owners {
		if err := k.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Visited++
		result, err := k.engine.AutoRepay(k.cfg.Relayer, owner)
		switch {
		case err == nil && result != nil && result.NoOp:
			report.NoYield++
			metrics.Credit().ObserveKeeperLoan(OutcomeNoYield, 0)
		case err == nil && result != nil:
			report.Repaid++
			report.Burned += result.Repaid
			metrics.Credit().ObserveKeeperLoan(OutcomeRepaid, result.Repaid)
			k.logger.Info("auto repay applied",
				slog.String("owner", owner.String()),
				slog.Uint64("repaid", result.Repaid),
				slog.Uint64("remaining", result.Remaining))
		case errors.Is(err, nativecommon.ErrProtocolLocked):
			metrics.Credit().ObserveKeeperLoan(OutcomeSkipped, 0)
			return report, err
		case skippable(err):
			report.Skipped++
			metrics.Credit().ObserveKeeperLoan(OutcomeSkipped, 0)
		default:
			report.Failed++
			metrics.Credit().ObserveKeeperLoan(OutcomeFailed, 0)
			k.logger.Warn("auto repay failed",
				slog.String("owner", owner.String()),
				slog.String("reason", nativecommon.CodeOf(err)),
				slog.Any("error", err))
		}
	}
	return report, nil
}

// skippable reports loans that are expected to be ineligible on most sweeps.
// A missing or expired delegation is a failure: the loan can no longer be
// repaid from yield until the owner deposits again.
func skippable(err error) bool {
	switch {
	case errors.Is(err, lending.ErrNoOutstandingDebt),
		errors.Is(err, lending.ErrLoanClosed),
		errors.Is(err, lending.ErrNoTokensToBurn):
		return true
	}
	return false
}
