package backtest

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"tradepipeline/internal/config"
	"tradepipeline/internal/metrics"
	"tradepipeline/internal/models"
)

// Engine fans candidates out over a bounded worker pool and collects results in
// candidate order.
type Engine struct {
	Config config.BacktestConfig
	Logger *zap.Logger

	// run replaces Backtest in tests.
	run func(models.StrategyCandidate, []models.Candle, config.BacktestConfig) models.BacktestResult
}

func NewEngine(cfg config.BacktestConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Config: cfg, Logger: logger}
}

// Run backtests every candidate against the same candles. results[i] always belongs to
// candidates[i]. A panicking run becomes a discarded result; once ctx is done the
// remaining candidates are not started and come back discarded as cancelled.
func (e *Engine) Run(ctx context.Context, candidates []models.StrategyCandidate, candles []models.Candle) []models.BacktestResult {
	results := make([]models.BacktestResult, len(candidates))
	if e == nil || len(candidates) == 0 {
		return results
	}

	workers := e.Config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	p := pool.New().WithMaxGoroutines(workers)
	for i, c := range candidates {
		if ctx.Err() != nil {
			results[i] = models.BacktestResult{Candidate: c, Bars: len(candles), Discarded: true, Reason: ReasonCancelled}
			continue
		}
		p.Go(func() {
			if ctx.Err() != nil {
				results[i] = models.BacktestResult{Candidate: c, Bars: len(candles), Discarded: true, Reason: ReasonCancelled}
				return
			}
			results[i] = e.runOne(c, candles)
		})
	}
	p.Wait()
	return results
}

func (e *Engine) runOne(c models.StrategyCandidate, candles []models.Candle) (res models.BacktestResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = models.BacktestResult{Candidate: c, Bars: len(candles), Discarded: true, Reason: ReasonPanic}
			if e.Logger != nil {
				e.Logger.Error("backtest panicked",
					zap.String("strategy", c.Name),
					zap.String("panic", fmt.Sprint(r)),
				)
			}
		}
		metrics.ObserveBacktest(time.Since(start))
		if res.Discarded {
			metrics.IncBacktestDiscarded(res.Reason)
		}
	}()
	run := e.run
	if run == nil {
		run = Backtest
	}
	return run(c, candles, e.Config)
}
