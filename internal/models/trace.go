package models

import "time"

type Outcome string

const (
	OutcomeExecuted          Outcome = "EXECUTED"
	OutcomeDataUnavailable   Outcome = "DATA_UNAVAILABLE"
	OutcomeProposalTimeout   Outcome = "PROPOSAL_TIMEOUT"
	OutcomeBacktestFailed    Outcome = "BACKTEST_FAILED"
	OutcomeNoViableStrategy  Outcome = "NO_VIABLE_STRATEGY"
	OutcomeRiskRejected      Outcome = "RISK_REJECTED"
	OutcomeExecutionRejected Outcome = "EXECUTION_REJECTED"
	OutcomeExchangeFault     Outcome = "EXCHANGE_FAULT"
	OutcomeCircuitOpen       Outcome = "CIRCUIT_OPEN"
	OutcomeAborted           Outcome = "ABORTED"
	OutcomeHalted            Outcome = "HALTED"
	OutcomeInternalError     Outcome = "INTERNAL_ERROR"
)

// IsFailure reports whether the outcome counts toward the consecutive-failure halt.
func (o Outcome) IsFailure() bool {
	switch o {
	case OutcomeDataUnavailable, OutcomeExchangeFault, OutcomeCircuitOpen, OutcomeAborted, OutcomeInternalError:
		return true
	default:
		return false
	}
}

type TraceError struct {
	Stage   string    `json:"stage"`
	Kind    Outcome   `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CycleTrace is the write-once audit record of one cycle.
type CycleTrace struct {
	CycleID    string              `json:"cycle_id"`
	Symbol     string              `json:"symbol"`
	Timeframe  string              `json:"timeframe"`
	StartedAt  time.Time           `json:"started_at"`
	EndedAt    time.Time           `json:"ended_at"`
	Snapshot   *SnapshotSummary    `json:"snapshot,omitempty"`
	Proposer   string              `json:"proposer,omitempty"`
	Candidates []StrategyCandidate `json:"candidates,omitempty"`
	Patterns   []string            `json:"patterns,omitempty"`
	Results    []BacktestResult    `json:"results,omitempty"`
	Selection  *Selection          `json:"selection,omitempty"`
	Signal     *TradingSignal      `json:"signal,omitempty"`
	Execution  *ExecutionResult    `json:"execution,omitempty"`
	Outcome    Outcome             `json:"outcome"`
	Errors     []TraceError        `json:"errors,omitempty"`
}

func (t CycleTrace) Duration() time.Duration {
	if t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}
