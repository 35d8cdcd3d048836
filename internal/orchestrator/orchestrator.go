package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/config"
	cronrunner "tradepipeline/internal/cron"
	"tradepipeline/internal/marketdata"
	"tradepipeline/internal/memory"
	"tradepipeline/internal/metrics"
	"tradepipeline/internal/models"
	"tradepipeline/internal/repository"
	"tradepipeline/internal/strategy"
)

const (
	StageHalt      = "halt"
	StageSnapshot  = "snapshot"
	StagePropose   = "propose"
	StageBacktest  = "backtest"
	StageSelect    = "select"
	StageRisk      = "risk"
	StageCeiling   = "risk_ceiling"
	StageExecute   = "execute"
	StageDeadline  = "deadline"
	StageInternal  = "internal"
	traceWriteWait = 3 * time.Second
)

var ErrHalted = errors.New("trading halted")

type Backtester interface {
	Run(ctx context.Context, candidates []models.StrategyCandidate, candles []models.Candle) []models.BacktestResult
}

type Selector interface {
	Select(results []models.BacktestResult) (models.Selection, bool)
}

type RiskGate interface {
	Evaluate(c models.StrategyCandidate, snap models.MarketSnapshot, pf models.Portfolio) (models.TradingSignal, models.RiskAssessment)
	CheckCeiling(score float64) error
}

type Executor interface {
	Submit(ctx context.Context, sig models.TradingSignal) models.ExecutionResult
}

// AccountView is the shared portfolio. Hold serializes decisions across symbols.
type AccountView interface {
	Hold() (release func())
	Snapshot() models.Portfolio
}

// Deps are the collaborators of one orchestrator. Proposer may be nil, in which case
// only Fallback is used.
type Deps struct {
	Market     marketdata.Provider
	Proposer   strategy.Proposer
	Fallback   strategy.Proposer
	Memory     memory.PatternMemory
	Backtester Backtester
	Scorer     Selector
	Risk       RiskGate
	Executor   Executor
	Account    AccountView
	Breakers   *breaker.Registry
	Traces     repository.TraceStore
	Stream     *Broadcaster
	Logger     *zap.Logger
}

// Orchestrator runs decision cycles: snapshot, propose, backtest, select, risk,
// execute. Each cycle ends in exactly one outcome and one persisted trace.
type Orchestrator struct {
	Config        config.CycleConfig
	MaxCandidates int
	Deps

	cron *cronrunner.Runner

	mu       sync.Mutex
	running  map[string]bool
	failures int

	now   func() time.Time
	newID func() string
}

func New(cfg config.CycleConfig, maxCandidates int, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Fallback == nil {
		deps.Fallback = strategy.FallbackProposer{MaxCandidates: maxCandidates}
	}
	if deps.Memory == nil {
		deps.Memory = memory.Noop{}
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(config.BreakerConfig{}, deps.Logger)
	}
	if deps.Stream == nil {
		deps.Stream = NewBroadcaster(0)
	}
	halt := deps.Breakers.Defaults()
	halt.FailureThreshold = 1
	halt.ManualReset = true
	deps.Breakers.Register(breaker.TradingHalted, halt)

	return &Orchestrator{
		Config:        cfg,
		MaxCandidates: maxCandidates,
		Deps:          deps,
		running:       map[string]bool{},
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Halted reports whether the trading_halted breaker is open.
func (o *Orchestrator) Halted() bool {
	return o.Breakers.Get(breaker.TradingHalted).IsOpen()
}

// ResumeTrading closes the trading_halted breaker and clears the failure streak.
func (o *Orchestrator) ResumeTrading(reason string) {
	o.mu.Lock()
	o.failures = 0
	o.mu.Unlock()
	if o.Halted() {
		o.Logger.Info("trading resumed", zap.String("reason", reason))
	}
	o.Breakers.Get(breaker.TradingHalted).Reset(reason)
}

// ConsecutiveFailures is the current streak of failed cycles across all symbols.
func (o *Orchestrator) ConsecutiveFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}

// RunCycle runs one cycle for symbol and returns its sealed trace. It returns false
// without running when the previous cycle for the same symbol has not finished.
func (o *Orchestrator) RunCycle(ctx context.Context, symbol string) (models.CycleTrace, bool) {
	if !o.acquire(symbol) {
		metrics.IncCycleSkipped(symbol)
		o.Logger.Warn("cycle skipped, previous cycle still running", zap.String("symbol", symbol))
		return models.CycleTrace{}, false
	}
	defer o.release(symbol)

	rec := newRecorder(o.newID(), symbol, o.Config.Timeframe, o.now)
	var trace models.CycleTrace
	if o.Halted() {
		rec.fail(StageHalt, models.OutcomeHalted, ErrHalted)
		trace = rec.seal(models.OutcomeHalted)
	} else {
		trace = o.run(ctx, rec, symbol)
	}
	o.finish(ctx, trace)
	return trace, true
}

func (o *Orchestrator) acquire(symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[symbol] {
		return false
	}
	o.running[symbol] = true
	return true
}

func (o *Orchestrator) release(symbol string) {
	o.mu.Lock()
	delete(o.running, symbol)
	o.mu.Unlock()
}

// run drives the pipeline under the cycle deadline. At the deadline the trace is sealed
// as ABORTED; the stages get the grace period to unwind before their context is
// cancelled, and anything they produce after the seal is dropped. A cycle that already
// started submitting its order is waited for instead, so a fill is never hidden.
func (o *Orchestrator) run(ctx context.Context, rec *recorder, symbol string) models.CycleTrace {
	work, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan models.Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				o.Logger.Error("cycle panicked",
					zap.String("cycle_id", rec.id),
					zap.String("symbol", symbol),
					zap.Any("panic", p),
					zap.Stack("stack"),
				)
				rec.fail(StageInternal, models.OutcomeInternalError, fmt.Errorf("panic: %v", p))
				done <- models.OutcomeInternalError
			}
		}()
		done <- o.pipeline(work, rec, symbol)
	}()

	var expired <-chan time.Time
	if d := o.Config.Deadline(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	var cause error
	select {
	case out := <-done:
		return rec.seal(out)
	case <-expired:
		cause = fmt.Errorf("cycle exceeded deadline of %s", o.Config.Deadline())
	case <-ctx.Done():
		cause = ctx.Err()
	}
	trace, aborted := rec.abort(StageDeadline, cause)
	if !aborted {
		o.Logger.Warn("cycle deadline passed during order submission",
			zap.String("cycle_id", rec.id),
			zap.String("symbol", symbol),
			zap.Error(cause),
		)
		return rec.seal(<-done)
	}

	grace := time.NewTimer(o.Config.Grace())
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		cancel()
		<-done
	}
	return trace
}

func (o *Orchestrator) pipeline(ctx context.Context, rec *recorder, symbol string) models.Outcome {
	snap, err := o.snapshot(ctx, symbol)
	if err != nil {
		return o.stop(ctx, rec, err)
	}
	sum := snap.Summary()
	rec.update(func(t *models.CycleTrace) { t.Snapshot = &sum })

	candidates, source := o.propose(ctx, rec, snap)
	rec.update(func(t *models.CycleTrace) {
		t.Proposer = source
		t.Candidates = candidates
	})
	if ctx.Err() != nil {
		return models.OutcomeAborted
	}
	if len(candidates) == 0 {
		return o.stop(ctx, rec, &StageError{Stage: StagePropose, Outcome: models.OutcomeNoViableStrategy, Err: strategy.ErrNoCandidates})
	}

	patterns, err := o.Memory.Recall(ctx, snap)
	if err != nil {
		o.Logger.Warn("pattern recall failed", zap.String("symbol", symbol), zap.Error(err))
	}
	if len(patterns) > 0 {
		rec.update(func(t *models.CycleTrace) { t.Patterns = patterns })
	}

	results := o.Backtester.Run(ctx, candidates, snap.Candles)
	if ctx.Err() != nil {
		return models.OutcomeAborted
	}
	for _, r := range results {
		if r.Discarded {
			rec.fail(StageBacktest, models.OutcomeBacktestFailed, fmt.Errorf("%s: %s", r.Candidate.Name, r.Reason))
		}
	}
	rec.update(func(t *models.CycleTrace) { t.Results = results })

	sel, ok := o.Scorer.Select(results)
	if !ok {
		return o.stop(ctx, rec, &StageError{Stage: StageSelect, Outcome: models.OutcomeNoViableStrategy, Err: errors.New("no candidate passed the viability filter")})
	}
	rec.update(func(t *models.CycleTrace) { t.Selection = &sel })

	return o.decide(ctx, rec, snap, sel)
}

// decide runs risk and execution under the account's decision lock so that the
// portfolio the gate sizes against is the one the order lands on.
func (o *Orchestrator) decide(ctx context.Context, rec *recorder, snap models.MarketSnapshot, sel models.Selection) models.Outcome {
	release := o.Account.Hold()
	defer release()
	if ctx.Err() != nil || rec.isSealed() {
		return models.OutcomeAborted
	}

	pf := o.Account.Snapshot()
	snap.Portfolio = pf
	sig, assessment := o.Risk.Evaluate(sel.Candidate, snap, pf)
	sig.CycleID = rec.id
	rec.update(func(t *models.CycleTrace) { t.Signal = &sig })

	if !assessment.Approved {
		return o.stop(ctx, rec, &StageError{Stage: StageRisk, Outcome: models.OutcomeRiskRejected, Err: errors.New(strings.Join(assessment.Warnings, "; "))})
	}
	if err := o.Risk.CheckCeiling(assessment.RiskScore); err != nil {
		return o.stop(ctx, rec, &StageError{Stage: StageCeiling, Outcome: models.OutcomeCircuitOpen, Err: err})
	}
	if ctx.Err() != nil || !rec.commit() {
		return models.OutcomeAborted
	}

	res := o.Executor.Submit(ctx, sig)
	rec.update(func(t *models.CycleTrace) { t.Execution = &res })

	switch res.Status {
	case models.ExecutionFilled, models.ExecutionPartial, models.ExecutionAccepted:
		return models.OutcomeExecuted
	case models.ExecutionFault:
		outcome := models.OutcomeExchangeFault
		if res.CircuitOpen {
			outcome = models.OutcomeCircuitOpen
		}
		return o.stop(ctx, rec, &StageError{Stage: StageExecute, Outcome: outcome, Err: errors.New(res.Reason)})
	default:
		return o.stop(ctx, rec, &StageError{Stage: StageExecute, Outcome: models.OutcomeExecutionRejected, Err: errors.New(res.Reason)})
	}
}

// stop records a stage failure and returns its outcome. A failure caused by the cycle's
// own context ending is an abort, not a dependency failure.
func (o *Orchestrator) stop(ctx context.Context, rec *recorder, err error) models.Outcome {
	if ctx.Err() != nil {
		return models.OutcomeAborted
	}
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: StageInternal, Outcome: models.OutcomeInternalError, Err: err}
	}
	rec.fail(se.Stage, se.Outcome, se.Err)
	return se.Outcome
}

func (o *Orchestrator) snapshot(ctx context.Context, symbol string) (models.MarketSnapshot, error) {
	res := breaker.Execute(ctx, o.Breakers, breaker.MarketData, func(ctx context.Context) (models.MarketSnapshot, error) {
		ctx, cancel := withTimeout(ctx, o.Config.SnapshotTimeout())
		defer cancel()
		return o.Market.GetSnapshot(ctx, symbol, o.Config.Timeframe)
	}, nil)
	if res.Err != nil {
		return models.MarketSnapshot{}, &StageError{Stage: StageSnapshot, Outcome: models.OutcomeDataUnavailable, Err: res.Err}
	}
	return res.Value, nil
}

// propose asks the primary proposer under its breaker and the proposal timeout and
// falls back to the deterministic list on any failure. Failures are recorded but never
// end the cycle.
func (o *Orchestrator) propose(ctx context.Context, rec *recorder, snap models.MarketSnapshot) ([]models.StrategyCandidate, string) {
	if o.Proposer != nil {
		primary := o.Proposer
		res := breaker.Execute(ctx, o.Breakers, breaker.Proposer, func(ctx context.Context) ([]models.StrategyCandidate, error) {
			ctx, cancel := withTimeout(ctx, o.Config.ProposalTimeout())
			defer cancel()
			out, err := primary.Propose(ctx, snap)
			if err == nil && len(out) == 0 {
				err = strategy.ErrNoCandidates
			}
			return out, err
		}, nil)
		if res.Err == nil {
			return strategy.Normalize(res.Value, o.MaxCandidates, primary.Name()), primary.Name()
		}
		kind := models.OutcomeProposalTimeout
		if errors.Is(res.Err, breaker.ErrOpen) {
			kind = models.OutcomeCircuitOpen
		}
		rec.fail(StagePropose, kind, res.Err)
		o.Logger.Warn("proposer degraded, using fallback",
			zap.String("symbol", snap.Symbol),
			zap.String("proposer", primary.Name()),
			zap.Error(res.Err),
		)
	}

	out, err := o.Fallback.Propose(ctx, snap)
	if err != nil {
		rec.fail(StagePropose, models.OutcomeProposalTimeout, err)
		return nil, o.Fallback.Name()
	}
	return strategy.Normalize(out, o.MaxCandidates, o.Fallback.Name()), o.Fallback.Name()
}

// finish updates the failure streak and hands the trace to storage, memory and live
// subscribers. None of these can change the outcome.
func (o *Orchestrator) finish(ctx context.Context, trace models.CycleTrace) {
	o.track(trace)
	metrics.ObserveCycle(trace.Symbol, string(trace.Outcome), trace.Duration())

	o.persist(ctx, trace)
	if err := o.Memory.Remember(context.WithoutCancel(ctx), trace); err != nil {
		o.Logger.Warn("pattern remember failed", zap.String("cycle_id", trace.CycleID), zap.Error(err))
	}
	o.Stream.Publish(trace)

	fields := []zap.Field{
		zap.String("cycle_id", trace.CycleID),
		zap.String("symbol", trace.Symbol),
		zap.String("outcome", string(trace.Outcome)),
		zap.Duration("took", trace.Duration()),
		zap.Int("candidates", len(trace.Candidates)),
		zap.Int("errors", len(trace.Errors)),
	}
	if trace.Selection != nil {
		fields = append(fields, zap.String("strategy", trace.Selection.Candidate.Name), zap.Float64("score", trace.Selection.Score))
	}
	if trace.Outcome.IsFailure() {
		o.Logger.Warn("cycle finished", fields...)
		return
	}
	o.Logger.Info("cycle finished", fields...)
}

// track counts consecutive failed cycles and trips trading_halted at the limit. HALTED
// cycles neither extend nor break the streak.
func (o *Orchestrator) track(trace models.CycleTrace) {
	if trace.Outcome == models.OutcomeHalted {
		return
	}
	o.mu.Lock()
	if !trace.Outcome.IsFailure() {
		o.failures = 0
		o.mu.Unlock()
		return
	}
	o.failures++
	n := o.failures
	limit := o.Config.MaxConsecutiveFailures
	trip := limit > 0 && n >= limit
	if trip {
		o.failures = 0
	}
	o.mu.Unlock()

	if trip {
		reason := fmt.Sprintf("%d consecutive failed cycles, last %s on %s", n, trace.Outcome, trace.Symbol)
		o.Logger.Error("halting trading", zap.String("reason", reason))
		o.Breakers.Get(breaker.TradingHalted).Trip(reason)
	}
}

func (o *Orchestrator) persist(ctx context.Context, trace models.CycleTrace) {
	if o.Traces == nil {
		return
	}
	rec, err := repository.TraceRecord(trace)
	if err == nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), traceWriteWait)
		err = o.Traces.AppendCycleTrace(wctx, rec)
		cancel()
	}
	if err != nil {
		metrics.IncTraceStoreFailure()
		o.Logger.Error("cycle trace persist failed", zap.String("cycle_id", trace.CycleID), zap.Error(err))
	}
}

// Start schedules one cycle per symbol every interval on runner, plus the optional
// scheduled halt reset, and starts it. A nil runner gets a private one.
func (o *Orchestrator) Start(ctx context.Context, runner *cronrunner.Runner) error {
	if runner == nil {
		runner = cronrunner.New(o.Logger, ctx)
	}
	for _, symbol := range o.Config.Symbols {
		if _, err := runner.Every(o.Config.Interval(), func(ctx context.Context) {
			o.RunCycle(ctx, symbol)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", symbol, err)
		}
	}
	if spec := strings.TrimSpace(o.Config.HaltResetCron); spec != "" {
		if _, err := runner.Add(spec, func(context.Context) {
			if o.Halted() {
				o.ResumeTrading("scheduled halt reset")
			}
		}); err != nil {
			return fmt.Errorf("schedule halt reset: %w", err)
		}
	}
	o.cron = runner
	runner.Start()
	o.Logger.Info("orchestrator started",
		zap.Strings("symbols", o.Config.Symbols),
		zap.Duration("interval", o.Config.Interval()),
		zap.Duration("deadline", o.Config.Deadline()),
	)
	return nil
}

// Stop waits for running cycles to return.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		o.cron.Stop()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
